package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Gate rejection reasons, in check order. The first failing check wins so
// an attacker probing the endpoint learns nothing about later checks.
var (
	ErrMissingCredentials    = errors.New("webhook credentials missing or unknown")
	ErrStaleNotification     = errors.New("webhook timestamp outside freshness window")
	ErrDuplicateNotification = errors.New("webhook already processed")
	ErrInvalidSignature      = errors.New("webhook signature mismatch")
)

// Freshness window accepted around the gate's clock. Covers clock skew and
// redelivery latency without leaving captured requests replayable for long.
const freshnessTolerance = 5 * time.Minute

// Gate authenticates inbound custodian notifications. Checks run in a
// fixed order: credentials, freshness, replay, signature. The replay mark
// is recorded before the caller processes the payload, so a concurrent
// redelivery of the same notification cannot race past the gate.
type Gate struct {
	apiKey string
	secret []byte
	replay *replayCache
	now    func() time.Time
}

func NewGate(apiKey, sharedSecret string) *Gate {
	return &Gate{
		apiKey: apiKey,
		secret: []byte(sharedSecret),
		replay: newReplayCache(4 * freshnessTolerance),
		now:    time.Now,
	}
}

// SetClock overrides the gate's clock in tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Forget releases the replay mark for a delivery whose processing failed,
// so the sender's redelivery is not suppressed as a duplicate.
func (g *Gate) Forget(signature string) {
	g.replay.forget(signature)
}

// Verify runs the four gate checks against one delivery. body is the raw
// request body exactly as received; the signature covers timestamp+body,
// so any re-serialization before this point would break verification.
func (g *Gate) Verify(apiKey, timestamp, signature string, body []byte) error {
	if apiKey == "" || apiKey != g.apiKey {
		return ErrMissingCredentials
	}
	// Absent authenticity headers are a credentials failure, not a stale or
	// malformed delivery: the first check covers everything required to
	// authenticate at all.
	if timestamp == "" || signature == "" {
		return ErrMissingCredentials
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleNotification, err)
	}
	age := g.now().UTC().Sub(ts)
	if age > freshnessTolerance || age < -freshnessTolerance {
		return fmt.Errorf("%w: timestamp %s is %s from now", ErrStaleNotification, ts.Format(time.RFC3339), age)
	}

	if !g.replay.checkAndMark(signature, g.now()) {
		return ErrDuplicateNotification
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := mac.Sum(nil)

	if !signatureMatches(signature, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// signatureMatches accepts the digest in hex or base64; senders have been
// observed using both encodings for the same scheme.
func signatureMatches(provided string, expected []byte) bool {
	if decoded, err := hex.DecodeString(provided); err == nil {
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil {
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// parseTimestamp accepts unix seconds, unix milliseconds, or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("timestamp header missing")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 { // milliseconds
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return t.UTC(), nil
}

// replayCache remembers signatures seen within the retention window. The
// window exceeds the freshness tolerance, so by the time an entry is
// pruned the gate's freshness check already rejects that delivery.
type replayCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func newReplayCache(retention time.Duration) *replayCache {
	return &replayCache{
		seen:      make(map[string]time.Time),
		retention: retention,
	}
}

// checkAndMark returns false when sig was already recorded. First caller
// wins; marking happens before the payload is processed.
func (c *replayCache) checkAndMark(sig string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.retention)
	for s, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, s)
		}
	}

	if _, dup := c.seen[sig]; dup {
		return false
	}
	c.seen[sig] = now
	return true
}

func (c *replayCache) forget(sig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, sig)
}
