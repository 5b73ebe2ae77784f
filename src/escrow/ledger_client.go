package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// apiResponse is the custody ledger's envelope.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RestLedger talks to the custody ledger's REST API. Requests are
// HMAC-signed and retried on transient failures; because every ledger
// operation is keyed by the order reference, retrying a timed-out call
// is safe.
type RestLedger struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 || code == 408 {
		return true
	}
	return false
}

func NewRestLedger(apiKey, apiSecret, baseURL string) *RestLedger {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &RestLedger{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
	}
}

func signRequest(path, body string, expiry int64, secret string) string {
	base := path + fmt.Sprintf("%d", expiry) + body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RestLedger) doRequest(ctx context.Context, path string, payload interface{}) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(1 * time.Minute).Unix()
	sig := signRequest(path, string(body), expiry, c.apiSecret)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-ledger-access-token", c.apiKey).
		SetHeader("x-ledger-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-ledger-request-signature", sig).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, err
	}

	raw := resp.Body()
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Code != 0 {
		return nil, fmt.Errorf("ledger error %d: %s", apiResp.Code, apiResp.Msg)
	}

	return &apiResp, nil
}

func (c *RestLedger) Lock(ctx context.Context, req LockRequest) (TxResult, error) {
	resp, err := c.doRequest(ctx, "/holds", map[string]interface{}{
		"orderRef": req.OrderRef,
		"from":     req.FromAccount,
		"amount":   req.Amount.String(),
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "RestLedger",
			"op":        "Lock",
			"order_ref": req.OrderRef,
		}).WithError(err).Error("Ledger lock failed")
		return TxResult{}, err
	}

	var result TxResult
	return result, json.Unmarshal(resp.Data, &result)
}

func (c *RestLedger) Release(ctx context.Context, req ReleaseRequest) (TxResult, error) {
	resp, err := c.doRequest(ctx, fmt.Sprintf("/holds/%s/release", req.OrderRef), map[string]interface{}{
		"to":     req.ToAccount,
		"amount": req.Amount.String(),
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "RestLedger",
			"op":        "Release",
			"order_ref": req.OrderRef,
		}).WithError(err).Error("Ledger release failed")
		return TxResult{}, err
	}

	var result TxResult
	return result, json.Unmarshal(resp.Data, &result)
}

func (c *RestLedger) Refund(ctx context.Context, req RefundRequest) (TxResult, error) {
	resp, err := c.doRequest(ctx, fmt.Sprintf("/holds/%s/refund", req.OrderRef), map[string]interface{}{
		"to":     req.ToAccount,
		"amount": req.Amount.String(),
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"component": "RestLedger",
			"op":        "Refund",
			"order_ref": req.OrderRef,
		}).WithError(err).Error("Ledger refund failed")
		return TxResult{}, err
	}

	var result TxResult
	return result, json.Unmarshal(resp.Data, &result)
}
