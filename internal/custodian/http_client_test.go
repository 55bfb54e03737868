package custodian

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"custodyledger/internal/money"
)

func newTestHTTPClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewHTTPClient(HTTPClientConfig{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: "test-secret",
		Timeout:   2 * time.Second,
	}, zerolog.Nop(), nil)
	return c, srv
}

func TestSignedRequestHeaders(t *testing.T) {
	var (
		gotKey, gotTS, gotSig string
		gotBody               []byte
		gotPath               string
	)
	c, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		gotTS = r.Header.Get("X-TIMESTAMP")
		gotSig = r.Header.Get("X-SIGNATURE")
		gotBody, _ = io.ReadAll(r.Body)
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "wd-1"})
	})

	_, err := c.ExecuteWithdrawal(context.Background(), "BTC",
		money.MustFromString("0.5"), "bc1qdest", "ref-1")
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}

	if gotKey != "test-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if ms, err := strconv.ParseInt(gotTS, 10, 64); err != nil || ms < 1e12 {
		t.Fatalf("timestamp header = %q, want unix milliseconds", gotTS)
	}

	// The signature must be reproducible from the shared secret over
	// timestamp+method+path+body.
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(gotTS))
	mac.Write([]byte(http.MethodPost))
	mac.Write([]byte(gotPath))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestServerErrorsMapToUnavailable(t *testing.T) {
	c, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})

	_, err := c.ExecuteWithdrawal(context.Background(), "BTC",
		money.MustFromString("0.5"), "bc1qdest", "ref-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestClientErrorsMapToRejected(t *testing.T) {
	c, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid destination"}`, http.StatusBadRequest)
	})

	_, err := c.ExecuteWithdrawal(context.Background(), "BTC",
		money.MustFromString("0.5"), "bc1qdest", "ref-1")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestTransportFailureMapsToUnavailable(t *testing.T) {
	c, srv := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.VaultBalance(context.Background(), "BTC")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCreateDepositReferenceFieldVariants(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		wantAddr string
		wantRef  string
	}{
		{
			"current shape",
			`{"address":"bc1qaaa","reference_id":"ref-1"}`,
			"bc1qaaa", "ref-1",
		},
		{
			"legacy shape",
			`{"deposit_address":"bc1qbbb","account_label":"acct-9"}`,
			"bc1qbbb", "acct-9",
		},
		{
			"no reference at all falls back to our label",
			`{"address":"bc1qccc"}`,
			"bc1qccc", "acct-label",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/deposits/digital_asset_addresses" {
					t.Errorf("path = %q", r.URL.Path)
				}
				_, _ = w.Write([]byte(tc.payload))
			})

			ref, err := c.CreateDepositReference(context.Background(), "BTC", "acct-label")
			if err != nil {
				t.Fatalf("create deposit reference: %v", err)
			}
			if ref.Address != tc.wantAddr || ref.ReferenceID != tc.wantRef {
				t.Fatalf("got %+v, want addr=%s ref=%s", ref, tc.wantAddr, tc.wantRef)
			}
		})
	}
}

func TestExecuteExchangeFieldVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"executed_amount", `{"executed_amount":"0.00200000","reference_id":"t-1"}`, "0.00200000"},
		{"filled_amount", `{"filled_amount":"0.00300000"}`, "0.00300000"},
		{"filled_target_amount", `{"filled_target_amount":"0.00400000"}`, "0.00400000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/trades" {
					t.Errorf("path = %q", r.URL.Path)
				}
				_, _ = w.Write([]byte(tc.payload))
			})

			res, err := c.ExecuteExchange(context.Background(), "buy", "USD", "BTC",
				money.MustFromString("100"), "ref-ex")
			if err != nil {
				t.Fatalf("exchange: %v", err)
			}
			if res.FilledAmount.String() != tc.want {
				t.Fatalf("filled = %s, want %s", res.FilledAmount, tc.want)
			}
			if res.ReferenceID == "" {
				t.Fatal("reference id empty, want echoed or our own")
			}
		})
	}
}

func TestVaultBalancePerAssetAndTotal(t *testing.T) {
	c, _ := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fund/accounts" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"balances":{"BTC":"12.50000000"},"total":"99.00000000"}`))
	})

	got, err := c.VaultBalance(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if got.String() != "12.50000000" {
		t.Fatalf("balance = %s, want per-asset 12.50000000", got)
	}

	// An asset without its own entry falls back to the reported total.
	got, err = c.VaultBalance(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("vault balance fallback: %v", err)
	}
	if got.String() != "99.00000000" {
		t.Fatalf("balance = %s, want total 99.00000000", got)
	}
}
