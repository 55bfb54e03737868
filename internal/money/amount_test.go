package money_test

import (
	"encoding/json"
	"errors"
	"testing"

	"custodyledger/internal/money"
)

func TestFromString_Valid(t *testing.T) {
	a, err := money.FromString("0.12345678")
	if err != nil {
		t.Fatalf("FromString failed: %v", err)
	}
	if a.String() != "0.12345678" {
		t.Errorf("got %q, want %q", a.String(), "0.12345678")
	}
}

func TestFromString_TooManyFractionalDigits(t *testing.T) {
	_, err := money.FromString("0.123456789")
	if err == nil {
		t.Fatal("expected error for 9 fractional digits")
	}
	if !errors.Is(err, money.ErrInvalidAmount) {
		t.Errorf("want ErrInvalidAmount, got %v", err)
	}
}

func TestFromString_TrailingZerosAccepted(t *testing.T) {
	// 10 digits of which the last two are zero - still representable at 8.
	a, err := money.FromString("0.1234567800")
	if err != nil {
		t.Fatalf("trailing zeros should be accepted: %v", err)
	}
	if a.String() != "0.12345678" {
		t.Errorf("got %q", a.String())
	}
}

func TestFromString_Garbage(t *testing.T) {
	if _, err := money.FromString("not-a-number"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestAddSub_ExactAtEightDigits(t *testing.T) {
	// Classic float trap: 0.1 + 0.2 must be exactly 0.3.
	a := money.MustFromString("0.1")
	b := money.MustFromString("0.2")
	sum := a.Add(b)
	if !sum.Equal(money.MustFromString("0.3")) {
		t.Errorf("0.1 + 0.2 = %s, want 0.3", sum)
	}

	diff := sum.Sub(money.MustFromString("0.3"))
	if !diff.IsZero() {
		t.Errorf("residual after subtraction: %s", diff)
	}
}

func TestMulRate_RoundsToEightDigits(t *testing.T) {
	// 0.2 BTC * 0.15 fee rate = 0.03 exactly.
	fee := money.MustFromString("0.2").MulRate(money.MustFromString("0.15"))
	if !fee.Equal(money.MustFromString("0.03")) {
		t.Errorf("fee = %s, want 0.03", fee)
	}

	// A product with more than 8 digits must come back rounded.
	v := money.MustFromString("0.00000001").MulRate(money.MustFromString("0.5"))
	if v.String() != "0.00000001" && v.String() != "0.00000000" {
		t.Errorf("unexpected rounding result %s", v)
	}
}

func TestCmpAndSigns(t *testing.T) {
	neg := money.MustFromString("-1.5")
	pos := money.MustFromString("1.5")

	if !neg.IsNegative() || neg.IsPositive() {
		t.Error("sign checks wrong for -1.5")
	}
	if neg.Cmp(pos) != -1 || pos.Cmp(neg) != 1 || pos.Cmp(pos) != 0 {
		t.Error("Cmp ordering wrong")
	}
	if !neg.Neg().Equal(pos) {
		t.Error("Neg should flip sign")
	}
	if !neg.Abs().Equal(pos) {
		t.Error("Abs should drop sign")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := money.MustFromString("42.00000001")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"42.00000001"` {
		t.Errorf("marshaled as %s, want string form", data)
	}

	var back money.Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(a) {
		t.Errorf("round trip lost value: %s != %s", back, a)
	}
}

func TestScan_NumericBytes(t *testing.T) {
	var a money.Amount
	if err := a.Scan([]byte("10.00000001")); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if a.String() != "10.00000001" {
		t.Errorf("got %s", a)
	}
}
