package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"testing"
	"time"
)

const (
	testAPIKey = "wh-key"
	testSecret = "wh-secret"
)

func signHex(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signBase64(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func frozenGate() (*Gate, time.Time) {
	g := NewGate(testAPIKey, testSecret)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	return g, now
}

func TestVerifyAcceptsHexAndBase64(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{"event_type":"wallet_deposit"}`)

	ts := strconv.FormatInt(now.Unix(), 10)
	if err := g.Verify(testAPIKey, ts, signHex(testSecret, ts, body), body); err != nil {
		t.Fatalf("hex signature rejected: %v", err)
	}

	// Distinct timestamp so the second delivery is not a replay.
	ts2 := strconv.FormatInt(now.Add(time.Second).Unix(), 10)
	if err := g.Verify(testAPIKey, ts2, signBase64(testSecret, ts2, body), body); err != nil {
		t.Fatalf("base64 signature rejected: %v", err)
	}
}

func TestVerifyTimestampFormats(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{}`)

	for _, ts := range []string{
		strconv.FormatInt(now.Unix(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		now.Format(time.RFC3339),
	} {
		g.replay = newReplayCache(4 * freshnessTolerance)
		if err := g.Verify(testAPIKey, ts, signHex(testSecret, ts, body), body); err != nil {
			t.Fatalf("timestamp %q rejected: %v", ts, err)
		}
	}
}

func TestVerifyCredentialsCheckedFirst(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{}`)

	// Everything else about the request is wrong too; the credential
	// failure must mask it all.
	err := g.Verify("wrong-key", strconv.FormatInt(now.Add(-time.Hour).Unix(), 10), "bogus", body)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
	if err := g.Verify("", "", "", nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty key err = %v, want ErrMissingCredentials", err)
	}
}

func TestVerifyFreshnessWindow(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{}`)

	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"exactly at past edge", -freshnessTolerance, true},
		{"exactly at future edge", freshnessTolerance, true},
		{"just past the edge", -freshnessTolerance - time.Second, false},
		{"just ahead of the edge", freshnessTolerance + time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g.replay = newReplayCache(4 * freshnessTolerance)
			ts := strconv.FormatInt(now.Add(tc.offset).Unix(), 10)
			err := g.Verify(testAPIKey, ts, signHex(testSecret, ts, body), body)
			if tc.ok && err != nil {
				t.Fatalf("err = %v, want accepted", err)
			}
			if !tc.ok && !errors.Is(err, ErrStaleNotification) {
				t.Fatalf("err = %v, want ErrStaleNotification", err)
			}
		})
	}
}

func TestVerifyUnparseableTimestamp(t *testing.T) {
	g, _ := frozenGate()
	err := g.Verify(testAPIKey, "yesterday", "sig", []byte(`{}`))
	if !errors.Is(err, ErrStaleNotification) {
		t.Fatalf("err = %v, want ErrStaleNotification", err)
	}
}

func TestVerifyReplayRejectedBeforeSignature(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{"amount":"1"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signHex(testSecret, ts, body)

	if err := g.Verify(testAPIKey, ts, sig, body); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}
	if err := g.Verify(testAPIKey, ts, sig, body); !errors.Is(err, ErrDuplicateNotification) {
		t.Fatalf("second delivery err = %v, want ErrDuplicateNotification", err)
	}

	// A replayed signature is rejected as a duplicate even when the body
	// was tampered with; the mark is keyed on the signature itself.
	if err := g.Verify(testAPIKey, ts, sig, []byte(`{"amount":"999"}`)); !errors.Is(err, ErrDuplicateNotification) {
		t.Fatalf("tampered replay err = %v, want ErrDuplicateNotification", err)
	}
}

func TestVerifyInvalidSignature(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	err := g.Verify(testAPIKey, ts, signHex("wrong-secret", ts, body), body)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyMissingHeadersAreCredentialFailures(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signHex(testSecret, ts, body)

	// A request that cannot be authenticated at all fails the first check,
	// regardless of which header is absent.
	if err := g.Verify(testAPIKey, "", sig, body); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing timestamp err = %v, want ErrMissingCredentials", err)
	}
	if err := g.Verify(testAPIKey, ts, "", body); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing signature err = %v, want ErrMissingCredentials", err)
	}

	// Neither rejection may have marked the replay cache: the complete
	// delivery still passes.
	if err := g.Verify(testAPIKey, ts, sig, body); err != nil {
		t.Fatalf("delivery after missing-header attempts rejected: %v", err)
	}
}

func TestForgetAllowsRedelivery(t *testing.T) {
	g, now := frozenGate()
	body := []byte(`{"event_type":"wallet_deposit"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signHex(testSecret, ts, body)

	if err := g.Verify(testAPIKey, ts, sig, body); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}

	// Processing failed downstream; releasing the mark lets the sender's
	// redelivery through instead of swallowing it as a duplicate.
	g.Forget(sig)
	if err := g.Verify(testAPIKey, ts, sig, body); err != nil {
		t.Fatalf("redelivery after Forget rejected: %v", err)
	}
}

func TestReplayCachePrunesOldEntries(t *testing.T) {
	c := newReplayCache(time.Minute)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if !c.checkAndMark("sig-a", base) {
		t.Fatal("fresh signature rejected")
	}
	if c.checkAndMark("sig-a", base.Add(30*time.Second)) {
		t.Fatal("duplicate within retention accepted")
	}
	// Past retention the entry is pruned and the signature passes again;
	// by then the freshness check is what rejects the stale delivery.
	if !c.checkAndMark("sig-a", base.Add(2*time.Minute)) {
		t.Fatal("signature still marked after retention window")
	}
}
