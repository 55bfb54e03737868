package pricefeed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestClient(rt roundTripperFunc) (*CachedClient, *time.Time) {
	c := NewCachedClient("http://feed.test", time.Second, zerolog.Nop(), nil)
	c.SetTransport(rt)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	return c, &now
}

func TestSpotPriceFetchesAndParses(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(func(r *http.Request) (*http.Response, error) {
		gotPath = r.URL.Path
		return jsonResponse(200, `{"data":{"base":"BTC","currency":"USD","amount":"67421.55"}}`), nil
	})

	q, err := c.SpotPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("spot price: %v", err)
	}
	if gotPath != "/v2/prices/BTC-USD/spot" {
		t.Fatalf("path = %q", gotPath)
	}
	if q.Price.String() != "67421.55000000" || q.Stale {
		t.Fatalf("quote = %+v", q)
	}
}

func TestSpotPriceServesFromCacheWithinTTL(t *testing.T) {
	var calls int
	c, now := newTestClient(func(*http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"data":{"amount":"50000"}}`), nil
	})
	ctx := context.Background()

	if _, err := c.SpotPrice(ctx, "BTC-USD"); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	*now = now.Add(29 * time.Second)
	if _, err := c.SpotPrice(ctx, "BTC-USD"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if calls != 1 {
		t.Fatalf("%d upstream calls, want 1 (second served from cache)", calls)
	}

	// Past the TTL the upstream is consulted again.
	*now = now.Add(2 * time.Second)
	if _, err := c.SpotPrice(ctx, "BTC-USD"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("%d upstream calls, want 2 after TTL expiry", calls)
	}
}

func TestSpotPriceStaleFallback(t *testing.T) {
	var fail bool
	c, now := newTestClient(func(*http.Request) (*http.Response, error) {
		if fail {
			return jsonResponse(503, `{}`), nil
		}
		return jsonResponse(200, `{"data":{"amount":"50000"}}`), nil
	})
	ctx := context.Background()

	if _, err := c.SpotPrice(ctx, "BTC-USD"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	fail = true
	*now = now.Add(5 * time.Minute)
	q, err := c.SpotPrice(ctx, "BTC-USD")
	if err != nil {
		t.Fatalf("stale fallback errored: %v", err)
	}
	if !q.Stale {
		t.Fatal("quote not marked stale")
	}
	if q.Price.String() != "50000.00000000" {
		t.Fatalf("stale price = %s, want last known 50000.00000000", q.Price)
	}
}

func TestSpotPriceUnavailableWithoutCache(t *testing.T) {
	c, _ := newTestClient(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err := c.SpotPrice(context.Background(), "BTC-USD")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}
}

func TestSpotPriceRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty amount", `{"data":{"amount":""}}`},
		{"non numeric", `{"data":{"amount":"n/a"}}`},
		{"zero price", `{"data":{"amount":"0"}}`},
		{"negative price", `{"data":{"amount":"-5"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(func(*http.Request) (*http.Response, error) {
				return jsonResponse(200, tc.body), nil
			})
			if _, err := c.SpotPrice(context.Background(), "BTC-USD"); !errors.Is(err, ErrPriceUnavailable) {
				t.Fatalf("err = %v, want ErrPriceUnavailable", err)
			}
		})
	}
}
