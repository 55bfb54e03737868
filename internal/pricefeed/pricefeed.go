package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"custodyledger/internal/money"
	"custodyledger/internal/observability"
)

// ErrPriceUnavailable means the upstream feed failed and no cached value
// exists to fall back on.
var ErrPriceUnavailable = errors.New("price unavailable")

// Quote is a spot price lookup result. Stale marks a last-known cached
// value served because the upstream feed was unreachable.
type Quote struct {
	Price money.Amount
	Stale bool
}

// Source answers spot price lookups for an asset pair such as "BTC-USD".
type Source interface {
	SpotPrice(ctx context.Context, pair string) (Quote, error)
}

// cacheTTL bounds upstream call volume; within the window the cached price
// is close enough for fee-tier computation.
const cacheTTL = 30 * time.Second

// CachedClient fetches spot prices over HTTP with a short-TTL cache and a
// last-known-value fallback. The cache is an explicit injected collaborator
// of the fee computation, never part of the ledger's atomicity story.
type CachedClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	cached    map[string]money.Amount
	fetchedAt map[string]time.Time
}

func NewCachedClient(baseURL string, timeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *CachedClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &CachedClient{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: timeout},
		log:       log,
		metrics:   metrics,
		now:       time.Now,
		cached:    make(map[string]money.Amount),
		fetchedAt: make(map[string]time.Time),
	}
}

// spotResponse matches the upstream feed's JSON shape:
// {"data": {"amount": "67421.55", ...}}
type spotResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

// SpotPrice returns the current price for pair, serving from cache within
// the TTL. On upstream failure the last-known value is returned with
// Stale=true; with no cached value it fails with ErrPriceUnavailable.
func (c *CachedClient) SpotPrice(ctx context.Context, pair string) (Quote, error) {
	c.mu.Lock()
	cached, haveCached := c.cached[pair]
	fresh := haveCached && c.now().Sub(c.fetchedAt[pair]) < cacheTTL
	c.mu.Unlock()

	if fresh {
		c.lookupResult("cached")
		return Quote{Price: cached}, nil
	}

	price, err := c.fetch(ctx, pair)
	if err != nil {
		if haveCached {
			c.lookupResult("stale")
			c.log.Warn().Str("pair", pair).Err(err).Msg("price feed unavailable, serving last known value")
			return Quote{Price: cached, Stale: true}, nil
		}
		c.lookupResult("unavailable")
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, pair, err)
	}

	c.mu.Lock()
	c.cached[pair] = price
	c.fetchedAt[pair] = c.now()
	c.mu.Unlock()

	c.lookupResult("fresh")
	return Quote{Price: price}, nil
}

func (c *CachedClient) fetch(ctx context.Context, pair string) (money.Amount, error) {
	url := fmt.Sprintf("%s/v2/prices/%s/spot", c.baseURL, pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return money.Zero(), err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.PriceFetchLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return money.Zero(), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return money.Zero(), fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return money.Zero(), err
	}

	var parsed spotResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return money.Zero(), err
	}

	price, err := money.FromString(parsed.Data.Amount)
	if err != nil {
		return money.Zero(), fmt.Errorf("bad price %q: %w", parsed.Data.Amount, err)
	}
	if !price.IsPositive() {
		return money.Zero(), fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

func (c *CachedClient) lookupResult(result string) {
	if c.metrics != nil {
		c.metrics.PriceLookups.WithLabelValues(result).Inc()
	}
}

// SetClock overrides the clock. Test hook.
func (c *CachedClient) SetClock(now func() time.Time) {
	c.now = now
}

// SetTransport overrides the HTTP transport. Test hook.
func (c *CachedClient) SetTransport(rt http.RoundTripper) {
	c.http.Transport = rt
}
