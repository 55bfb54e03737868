package custodian

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"custodyledger/internal/money"
	"custodyledger/internal/observability"
)

// HTTPClient talks to the settlement network over signed HTTP. Requests are
// authenticated with an HMAC-SHA256 over timestamp+method+path+body using a
// shared API secret.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	apiSecret []byte
	http      *http.Client
	log       zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

type HTTPClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig, log zerolog.Logger, metrics *observability.Metrics) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: []byte(cfg.APISecret),
		http:      &http.Client{Timeout: timeout},
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (c *HTTPClient) sign(method, path string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, c.apiSecret)
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// signedRequest executes one signed call and decodes the JSON response into
// out. Transport errors and 5xx map to ErrUnavailable (ambiguous), 4xx to
// ErrRejected (explicit failure).
func (c *HTTPClient) signedRequest(ctx context.Context, call, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-TIMESTAMP", ts)
	req.Header.Set("X-SIGNATURE", c.sign(method, path, body, ts))

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.CustodianCallDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.CustodianCallErrors.WithLabelValues(call, "transport").Inc()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		if c.metrics != nil {
			c.metrics.CustodianCallErrors.WithLabelValues(call, "server").Inc()
		}
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		if c.metrics != nil {
			c.metrics.CustodianCallErrors.WithLabelValues(call, "rejected").Inc()
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, path, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// depositReferenceResponse covers the field-name variants the network has
// used for deposit address issuance.
type depositReferenceResponse struct {
	Address        string `json:"address"`
	DepositAddress string `json:"deposit_address"`
	ReferenceID    string `json:"reference_id"`
	AccountLabel   string `json:"account_label"`
}

func (c *HTTPClient) CreateDepositReference(ctx context.Context, asset, accountLabel string) (*DepositReference, error) {
	var resp depositReferenceResponse
	err := c.signedRequest(ctx, "create_deposit_reference", http.MethodPost,
		"/deposits/digital_asset_addresses",
		map[string]string{"asset": asset, "account_label": accountLabel},
		&resp)
	if err != nil {
		return nil, err
	}

	ref := &DepositReference{Address: resp.Address, ReferenceID: resp.ReferenceID}
	if ref.Address == "" {
		ref.Address = resp.DepositAddress
	}
	if ref.ReferenceID == "" {
		ref.ReferenceID = resp.AccountLabel
	}
	if ref.ReferenceID == "" {
		ref.ReferenceID = accountLabel
	}
	return ref, nil
}

type withdrawalResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
}

func (c *HTTPClient) ExecuteWithdrawal(ctx context.Context, asset string, amount money.Amount, destination, referenceID string) (*WithdrawalResult, error) {
	var resp withdrawalResponse
	err := c.signedRequest(ctx, "execute_withdrawal", http.MethodPost, "/withdrawals",
		map[string]interface{}{
			"asset":        asset,
			"amount":       amount,
			"destination":  map[string]string{"address": destination},
			"reference_id": referenceID,
		}, &resp)
	if err != nil {
		return nil, err
	}

	externalTxID := resp.ID
	if externalTxID == "" {
		externalTxID = resp.TransactionID
	}
	return &WithdrawalResult{ExternalTxID: externalTxID}, nil
}

type exchangeResponse struct {
	ExecutedAmount     money.Amount `json:"executed_amount"`
	FilledAmount       money.Amount `json:"filled_amount"`
	FilledTargetAmount money.Amount `json:"filled_target_amount"`
	ReferenceID        string       `json:"reference_id"`
	ID                 string       `json:"id"`
}

func (c *HTTPClient) ExecuteExchange(ctx context.Context, side, sourceAsset, targetAsset string, amount money.Amount, referenceID string) (*ExchangeResult, error) {
	var resp exchangeResponse
	err := c.signedRequest(ctx, "execute_exchange", http.MethodPost, "/trades",
		map[string]interface{}{
			"side":            side,
			"source_currency": sourceAsset,
			"target_currency": targetAsset,
			"amount":          amount,
			"reference_id":    referenceID,
		}, &resp)
	if err != nil {
		return nil, err
	}

	filled := resp.ExecutedAmount
	if filled.IsZero() {
		filled = resp.FilledAmount
	}
	if filled.IsZero() {
		filled = resp.FilledTargetAmount
	}
	ref := resp.ReferenceID
	if ref == "" {
		ref = referenceID
	}
	return &ExchangeResult{FilledAmount: filled, ReferenceID: ref}, nil
}

type vaultBalanceResponse struct {
	Balances map[string]money.Amount `json:"balances"`
	Total    money.Amount            `json:"total"`
}

func (c *HTTPClient) VaultBalance(ctx context.Context, asset string) (money.Amount, error) {
	var resp vaultBalanceResponse
	err := c.signedRequest(ctx, "vault_balance", http.MethodGet, "/fund/accounts", nil, &resp)
	if err != nil {
		return money.Zero(), err
	}
	if v, ok := resp.Balances[asset]; ok {
		return v, nil
	}
	return resp.Total, nil
}
