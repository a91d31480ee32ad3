package accountdb

import (
	"fmt"

	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Account is a user (or other device-owning entity). It carries the storage
// quota, the encrypted upload credential (via UploadCredential), and the
// cached camera-cloud session for its sub-account.
type Account struct {
	BaseModel
	Phone          string      `json:"phone"`                            // Login identity (E.164)
	OpenID         string      `json:"openid" gorm:"default:null"`       // Camera-cloud sub-account id, empty until the sub-account is created
	AccessToken    string      `json:"-" gorm:"default:null"`            // Cached sub-account token
	TokenExpiresAt dbh.IntTime `json:"-" gorm:"default:null"`            // Raw provider expiry of AccessToken (no buffer applied)
	Plan           string      `json:"plan"`                             // One of StoragePlans
	QuotaBytes     int64       `json:"quotaBytes"`
	UsedBytes      int64       `json:"usedBytes"` // Mutated only by storage.Accountant
	IsActive       bool        `json:"isActive"`
	CreatedAt      dbh.IntTime `json:"createdAt"`
}

// Device is a registered camera belonging to an Account.
type Device struct {
	BaseModel
	AccountID int64       `json:"accountId"`
	SerialNo  string      `json:"serialNo"` // Serial number on the camera-cloud side
	Name      string      `json:"name"`
	Model     string      `json:"model" gorm:"default:null"`
	Status    string      `json:"status"` // online/offline, updated from the cloud API
	CreatedAt dbh.IntTime `json:"createdAt"`
}

// VideoRecord is one uploaded clip. (account_id, filename, filepath) is
// unique, and is the idempotency key that prevents double-counting an upload.
type VideoRecord struct {
	BaseModel
	AccountID  int64       `json:"accountId"`
	DeviceID   int64       `json:"deviceId"`
	Filename   string      `json:"filename"`
	Filepath   string      `json:"filepath"` // Relative to the upload root
	SizeBytes  int64       `json:"sizeBytes"`
	RecordedAt dbh.IntTime `json:"recordedAt"`
	CreatedAt  dbh.IntTime `json:"createdAt"`
}

// UploadCredential is the per-account upload login. The username and home
// directory are assigned once and never change for the life of the account.
// Only the encrypted envelope of the password is stored.
type UploadCredential struct {
	AccountID   int64       `gorm:"primaryKey" json:"accountId"`
	Username    string      `json:"username"`
	PasswordEnc string      `json:"-"` // hex(iv):hex(ciphertext), see pkg/vault
	HomeDir     string      `json:"homeDir"`
	IsActive    bool        `json:"isActive"`
	CreatedAt   dbh.IntTime `json:"createdAt"`
	UpdatedAt   dbh.IntTime `json:"updatedAt"`
}

// UploadUsername returns the deterministic upload username for an account.
func UploadUsername(accountID int64) string {
	return fmt.Sprintf("cam_user_%v", accountID)
}
