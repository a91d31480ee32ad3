package imou

// TokenCache holds short-lived access tokens for the administrative account
// and for each sub-account. The admin slot is memory-only (there is exactly
// one, and it is cheap to refresh). Per-account slots are persisted on the
// Account row, so a restart does not force every account to re-authenticate
// at once.
//
// Two concurrent refreshes for the same account can both fetch and both
// write. Tokens are fungible, so last-write-wins is correct; the cost is one
// wasted upstream call, which we accept.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/telesmart/camvault/server/accountdb"
)

// ErrSessionUnavailable means a token could not be obtained from the Imou
// service. Callers decide whether to retry or surface the failure.
var ErrSessionUnavailable = errors.New("imou: session unavailable")

const (
	// The admin token protects a single round trip, so a short buffer is fine.
	adminTokenBuffer = time.Minute
	// Sub-account calls need an extra round trip to resolve the account, so
	// their buffer is longer.
	userTokenBuffer = 5 * time.Minute
)

type TokenCache struct {
	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time

	log    logs.Log
	client *Client
	db     *accountdb.AccountDB

	adminLock      sync.Mutex
	adminToken     string
	adminExpiresAt time.Time // raw provider expiry
}

func NewTokenCache(logger logs.Log, client *Client, db *accountdb.AccountDB) *TokenCache {
	return &TokenCache{
		Now:    time.Now,
		log:    logs.NewPrefixLogger(logger, "TokenCache"),
		client: client,
		db:     db,
	}
}

// AdminToken returns a valid administrative token, refreshing if the cached
// one is within adminTokenBuffer of expiry.
func (t *TokenCache) AdminToken(ctx context.Context) (string, error) {
	t.adminLock.Lock()
	defer t.adminLock.Unlock()

	if t.adminToken != "" && t.Now().Add(adminTokenBuffer).Before(t.adminExpiresAt) {
		return t.adminToken, nil
	}

	result, err := t.client.AdminAccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	t.adminToken = result.AccessToken
	t.adminExpiresAt = t.Now().Add(time.Duration(result.ExpireTime) * time.Second)
	t.log.Infof("Admin access token refreshed")
	return t.adminToken, nil
}

// UserToken returns a valid token for the sub-account identified by openid,
// refreshing and re-persisting if the cached one is within userTokenBuffer
// of expiry.
func (t *TokenCache) UserToken(ctx context.Context, openid string) (string, error) {
	acc, err := t.db.GetAccountFromOpenID(openid)
	if err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			return "", fmt.Errorf("no account with openid %v", openid)
		}
		return "", err
	}

	if acc.AccessToken != "" && !acc.TokenExpiresAt.IsZero() &&
		t.Now().Add(userTokenBuffer).Before(acc.TokenExpiresAt.Get()) {
		return acc.AccessToken, nil
	}

	adminToken, err := t.AdminToken(ctx)
	if err != nil {
		return "", err
	}
	result, err := t.client.SubAccountToken(ctx, adminToken, openid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	expiresAt := t.Now().Add(time.Duration(result.ExpireTime) * time.Second)
	if err := t.db.SetAccountToken(acc.ID, result.AccessToken, expiresAt); err != nil {
		return "", err
	}
	t.log.Infof("Token refreshed for openid %v", openid)
	return result.AccessToken, nil
}

// InvalidateUser drops the persisted token slot for an account, forcing the
// next UserToken call to refresh.
func (t *TokenCache) InvalidateUser(accountID int64) error {
	return t.db.SetAccountToken(accountID, "", time.Time{})
}

// Imou error codes that mean the sub-account lacks permission on the device.
// Seen when a policy grant was lost or never made (eg the device was bound
// after the account's policies were last written).
func isNoPermission(err error) bool {
	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "OP1009"
}

// CallAsUser invokes an endpoint with the sub-account's token, repairing a
// missing device permission once: on a no-permission rejection we re-grant
// the device policy via the admin token and retry the call a single time.
func (t *TokenCache) CallAsUser(ctx context.Context, endpoint string, params map[string]any, openid, deviceSerial string) (result []byte, err error) {
	userToken, err := t.UserToken(ctx, openid)
	if err != nil {
		return nil, err
	}
	result, err = t.client.Call(ctx, endpoint, params, userToken)
	if err == nil || deviceSerial == "" || !isNoPermission(err) {
		return result, err
	}

	t.log.Warnf("Sub-account %v lacks permission on device %v, repairing", openid, deviceSerial)
	adminToken, adminErr := t.AdminToken(ctx)
	if adminErr != nil {
		return nil, err
	}
	if policyErr := t.client.AddPolicy(ctx, adminToken, openid, DevicePolicy(deviceSerial)); policyErr != nil {
		t.log.Errorf("Permission repair for %v on %v failed: %v", openid, deviceSerial, policyErr)
		return nil, err
	}
	return t.client.Call(ctx, endpoint, params, userToken)
}
