package imou

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/telesmart/camvault/server/accountdb"
)

func setupTokenTest(t *testing.T) (*accountdb.AccountDB, *fakeUpstream, *TokenCache) {
	t.Helper()
	dbPath := "test-tokens.sqlite"
	os.Remove(dbPath)
	t.Cleanup(func() {
		os.Remove(dbPath)
		os.Remove(dbPath + "-shm")
		os.Remove(dbPath + "-wal")
	})
	db, err := accountdb.NewAccountDB(logs.NewTestingLog(t), dbPath)
	require.NoError(t, err)

	upstream, srv := newFakeUpstream(t)
	client := newTestClient(t, srv.URL)
	cache := NewTokenCache(logs.NewTestingLog(t), client, db)
	return db, upstream, cache
}

func TestAdminTokenCaching(t *testing.T) {
	_, upstream, cache := setupTokenTest(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.Now = func() time.Time { return now }

	fetches := 0
	upstream.handlers["/openapi/accessToken"] = func(map[string]any) (string, string, any) {
		fetches++
		return "0", "ok", map[string]any{"accessToken": "admin-tok", "expireTime": 3600}
	}

	tok, err := cache.AdminToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "admin-tok", tok)
	require.Equal(t, 1, fetches)

	// Immediate re-read is a cache hit
	tok, err = cache.AdminToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "admin-tok", tok)
	require.Equal(t, 1, fetches)

	// Valid until 12:59:00 (13:00 expiry minus the 60s buffer), so 12:58 is a hit
	now = now.Add(58 * time.Minute)
	_, err = cache.AdminToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fetches)

	// Inside the buffer: exactly one refresh
	now = now.Add(90 * time.Second)
	_, err = cache.AdminToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, fetches)
}

func TestUserTokenCaching(t *testing.T) {
	db, upstream, cache := setupTokenTest(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.Now = func() time.Time { return now }

	acc, err := db.CreateAccount("+27820000001", accountdb.PlanFree)
	require.NoError(t, err)
	require.NoError(t, db.SetAccountOpenID(acc.ID, "open-1"))

	userFetches := 0
	upstream.handlers["/openapi/accessToken"] = func(map[string]any) (string, string, any) {
		return "0", "ok", map[string]any{"accessToken": "admin-tok", "expireTime": 3600}
	}
	upstream.handlers["/openapi/subAccountToken"] = func(params map[string]any) (string, string, any) {
		require.Equal(t, "open-1", params["openid"])
		require.Equal(t, "admin-tok", params["token"])
		userFetches++
		return "0", "ok", map[string]any{"accessToken": "user-tok", "expireTime": 86400}
	}

	tok, err := cache.UserToken(context.Background(), "open-1")
	require.NoError(t, err)
	require.Equal(t, "user-tok", tok)
	require.Equal(t, 1, userFetches)

	// Cache hit, no second network call
	tok, err = cache.UserToken(context.Background(), "open-1")
	require.NoError(t, err)
	require.Equal(t, "user-tok", tok)
	require.Equal(t, 1, userFetches)

	// The slot is persisted: a fresh TokenCache sees it
	cache2 := NewTokenCache(logs.NewTestingLog(t), cache.client, db)
	cache2.Now = cache.Now
	tok, err = cache2.UserToken(context.Background(), "open-1")
	require.NoError(t, err)
	require.Equal(t, "user-tok", tok)
	require.Equal(t, 1, userFetches)

	// Within the 5 minute buffer of expiry: exactly one refresh
	now = now.Add(24*time.Hour - 4*time.Minute)
	_, err = cache.UserToken(context.Background(), "open-1")
	require.NoError(t, err)
	require.Equal(t, 2, userFetches)

	_, err = cache.UserToken(context.Background(), "unknown-openid")
	require.Error(t, err)
}

func TestPermissionRepairRetry(t *testing.T) {
	db, upstream, cache := setupTokenTest(t)

	acc, err := db.CreateAccount("+27820000002", accountdb.PlanFree)
	require.NoError(t, err)
	require.NoError(t, db.SetAccountOpenID(acc.ID, "open-2"))

	upstream.handlers["/openapi/accessToken"] = func(map[string]any) (string, string, any) {
		return "0", "ok", map[string]any{"accessToken": "admin-tok", "expireTime": 3600}
	}
	upstream.handlers["/openapi/subAccountToken"] = func(map[string]any) (string, string, any) {
		return "0", "ok", map[string]any{"accessToken": "user-tok", "expireTime": 86400}
	}

	policyAdds := 0
	upstream.handlers["/openapi/addPolicy"] = func(params map[string]any) (string, string, any) {
		policyAdds++
		require.Equal(t, "open-2", params["openid"])
		return "0", "ok", nil
	}

	liveCalls := 0
	upstream.handlers["/openapi/bindDeviceLive"] = func(params map[string]any) (string, string, any) {
		liveCalls++
		if policyAdds == 0 {
			return "OP1009", "no permission", nil
		}
		return "0", "ok", map[string]any{"liveUrl": "rtmp://example/live"}
	}

	data, err := cache.CallAsUser(context.Background(), "/openapi/bindDeviceLive",
		map[string]any{"deviceId": "SN-7"}, "open-2", "SN-7")
	require.NoError(t, err)
	require.Contains(t, string(data), "liveUrl")
	require.Equal(t, 1, policyAdds)
	require.Equal(t, 2, liveCalls) // rejected once, repaired, retried once

	// A second rejection after repair is surfaced, not retried again
	upstream.handlers["/openapi/bindDeviceLive"] = func(map[string]any) (string, string, any) {
		liveCalls++
		return "OP1009", "no permission", nil
	}
	_, err = cache.CallAsUser(context.Background(), "/openapi/bindDeviceLive",
		map[string]any{"deviceId": "SN-7"}, "open-2", "SN-7")
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "OP1009", apiErr.Code)
}
