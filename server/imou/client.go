package imou

// Client talks to the Imou open API (openapi-<dc>.easy4ip.com). Every call
// carries a signed "system" block; the signature algorithm and envelope are
// dictated by the remote API, including its use of MD5 - change nothing here
// without checking the partner docs.

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// ErrUnavailable means we could not get an answer out of the Imou service
// (network failure, timeout, or a non-JSON/non-2xx response).
var ErrUnavailable = errors.New("imou: service unavailable")

// ApiError is an application-level rejection from the Imou API. The code and
// message are surfaced verbatim, because operators need them to interpret the
// partner's error catalog.
type ApiError struct {
	Code string
	Msg  string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("imou: API error %v: %v", e.Code, e.Msg)
}

const defaultTimeout = 10 * time.Second

type Client struct {
	// BaseURL is overridable for tests. Default https://openapi-<dc>.easy4ip.com
	BaseURL    string
	HTTPClient *http.Client

	log       logs.Log
	appID     string
	appSecret string
	now       func() time.Time
}

func NewClient(logger logs.Log, appID, appSecret, dataCenter string) *Client {
	if dataCenter == "" {
		dataCenter = "fk"
	}
	return &Client{
		BaseURL:    fmt.Sprintf("https://openapi-%v.easy4ip.com", dataCenter),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		log:        logs.NewPrefixLogger(logger, "Imou"),
		appID:      appID,
		appSecret:  appSecret,
		now:        time.Now,
	}
}

type systemParams struct {
	Ver   string `json:"ver"`
	Sign  string `json:"sign"`
	AppID string `json:"appId"`
	Time  int64  `json:"time"`
	Nonce string `json:"nonce"`
}

type requestEnvelope struct {
	ID     string         `json:"id"`
	System systemParams   `json:"system"`
	Params map[string]any `json:"params"`
}

type responseEnvelope struct {
	Result struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	} `json:"result"`
}

// Call makes one signed API call. If token is non-empty it is merged into the
// params block. Call never retries; retry policy belongs to callers.
func (c *Client) Call(ctx context.Context, endpoint string, params map[string]any, token string) (json.RawMessage, error) {
	merged := map[string]any{}
	for k, v := range params {
		merged[k] = v
	}
	if token != "" {
		merged["token"] = token
	}

	t := c.now().Unix()
	nonce := randomHex(16)
	envelope := requestEnvelope{
		ID: uuid.NewString(),
		System: systemParams{
			Ver:   "1.0",
			Sign:  sign(c.appSecret, t, nonce),
			AppID: c.appID,
			Time:  t,
			Nonce: nonce,
		},
		Params: merged,
	}
	body, err := json.Marshal(&envelope)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.log.Errorf("Call %v failed: %v", endpoint, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		c.log.Errorf("Call %v failed: %v %v", endpoint, resp.Status, string(msg))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, resp.Status)
	}

	response := responseEnvelope{}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if response.Result.Code != "0" {
		return nil, &ApiError{Code: response.Result.Code, Msg: response.Result.Msg}
	}
	return response.Result.Data, nil
}

// sign implements the Imou request signature:
// md5("time:<unixSeconds>,nonce:<nonce>,appSecret:<secret>"), lowercase hex.
func sign(appSecret string, t int64, nonce string) string {
	payload := fmt.Sprintf("time:%v,nonce:%v,appSecret:%v", t, nonce, appSecret)
	digest := md5.Sum([]byte(payload))
	return hex.EncodeToString(digest[:])
}

func randomHex(nbytes int) string {
	buf := make([]byte, nbytes)
	if n, _ := rand.Read(buf); n != nbytes {
		panic("Unable to read from crypto/rand")
	}
	return hex.EncodeToString(buf)
}
