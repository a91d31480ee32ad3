package imou

import (
	"context"
	"encoding/json"
	"fmt"
)

// AccountSuffix is appended to our account identity (phone/email) to form the
// sub-account name on the Imou side.
const AccountSuffix = "@telesmart.imou"

// maxPolicyResources is the Imou API limit on devices/channels per addPolicy
// call.
const maxPolicyResources = 10

// TokenResult is the payload of the token-issuing endpoints. ExpireTime is
// in seconds from now.
type TokenResult struct {
	AccessToken string `json:"accessToken"`
	ExpireTime  int64  `json:"expireTime"`
}

type PolicyStatement struct {
	Permission string   `json:"permission"` // comma-separated: Real,Ptz,Talk,Config
	Resource   []string `json:"resource"`   // "dev:<serial>" or "cam:<serial>:<channel>"
}

type Policy struct {
	Statement []PolicyStatement `json:"statement"`
}

// AdminAccessToken fetches a fresh administrative token.
func (c *Client) AdminAccessToken(ctx context.Context) (*TokenResult, error) {
	data, err := c.Call(ctx, "/openapi/accessToken", map[string]any{}, "")
	if err != nil {
		return nil, err
	}
	result := TokenResult{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSubAccount creates a sub-account for the given identity and returns
// its openid.
func (c *Client) CreateSubAccount(ctx context.Context, adminToken, account string) (string, error) {
	data, err := c.Call(ctx, "/openapi/createSubAccount",
		map[string]any{"account": account + AccountSuffix}, adminToken)
	if err != nil {
		return "", err
	}
	result := struct {
		OpenID string `json:"openid"`
	}{}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	c.log.Infof("Sub-account created: %v", result.OpenID)
	return result.OpenID, nil
}

// DeleteSubAccount deletes a sub-account and all of its permissions.
func (c *Client) DeleteSubAccount(ctx context.Context, adminToken, openid string) error {
	_, err := c.Call(ctx, "/openapi/deleteSubAccount", map[string]any{"openid": openid}, adminToken)
	if err == nil {
		c.log.Infof("Sub-account deleted: %v", openid)
	}
	return err
}

// SubAccountToken fetches an access token for a sub-account.
func (c *Client) SubAccountToken(ctx context.Context, adminToken, openid string) (*TokenResult, error) {
	data, err := c.Call(ctx, "/openapi/subAccountToken", map[string]any{"openid": openid}, adminToken)
	if err != nil {
		return nil, err
	}
	result := TokenResult{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddPolicy grants a sub-account access to devices/channels.
func (c *Client) AddPolicy(ctx context.Context, adminToken, openid string, policy Policy) error {
	total := 0
	for _, stmt := range policy.Statement {
		total += len(stmt.Resource)
	}
	if total > maxPolicyResources {
		return fmt.Errorf("imou: policy resource count %v exceeds the API limit of %v, batch across multiple calls", total, maxPolicyResources)
	}
	_, err := c.Call(ctx, "/openapi/addPolicy", map[string]any{"openid": openid, "policy": policy}, adminToken)
	if err == nil {
		c.log.Infof("Policy added for sub-account %v (%v resources)", openid, total)
	}
	return err
}

// DevicePolicy is the full-access policy we grant a sub-account over one of
// its own devices.
func DevicePolicy(serialNo string) Policy {
	return Policy{
		Statement: []PolicyStatement{{
			Permission: "Real,Ptz,Talk,Config",
			Resource:   []string{"dev:" + serialNo},
		}},
	}
}
