package accountdb

// StoragePlan is a quota tier that an account subscribes to.
type StoragePlan struct {
	Name       string `json:"name"`
	QuotaBytes int64  `json:"quotaBytes"`
	MaxDevices int    `json:"maxDevices"`
}

const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

const gib = 1024 * 1024 * 1024

var StoragePlans = map[string]StoragePlan{
	PlanFree:       {Name: "Free Plan", QuotaBytes: 10 * gib, MaxDevices: 2},
	PlanBasic:      {Name: "Basic Plan", QuotaBytes: 50 * gib, MaxDevices: 5},
	PlanPremium:    {Name: "Premium Plan", QuotaBytes: 200 * gib, MaxDevices: 15},
	PlanEnterprise: {Name: "Enterprise Plan", QuotaBytes: 1024 * gib, MaxDevices: 100},
}

// GetStoragePlan returns the named plan, falling back to the free plan.
func GetStoragePlan(name string) StoragePlan {
	if plan, ok := StoragePlans[name]; ok {
		return plan
	}
	return StoragePlans[PlanFree]
}
