package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every Amount.
// All asset quantities in the system are exact at this precision; binary
// floating point never touches a balance.
const Precision = 8

// ErrInvalidAmount is returned when a value cannot be represented at
// 8 fractional digits.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is an exact asset quantity at 8 fractional digits.
// The zero value is usable and equals 0.
type Amount struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// FromString parses a decimal string. Values with more than 8 fractional
// digits are rejected rather than silently rounded.
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Round(Precision)) {
		return Amount{}, fmt.Errorf("%w: %q exceeds %d fractional digits", ErrInvalidAmount, s, Precision)
	}
	return Amount{d: d.Round(Precision)}, nil
}

// MustFromString is FromString for literals in tests and fixtures.
func MustFromString(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal rounds d to 8 fractional digits (banker's-free half-up,
// matching decimal.Round).
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Precision)}
}

// FromInt returns an Amount for a whole number of units.
func FromInt(n int64) Amount {
	return Amount{d: decimal.NewFromInt(n)}
}

func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// MulRate multiplies by a scalar rate and rounds the product back to
// 8 fractional digits. Used for fee and price conversions.
func (a Amount) MulRate(rate Amount) Amount {
	return Amount{d: a.d.Mul(rate.d).Round(Precision)}
}

func (a Amount) Neg() Amount {
	return Amount{d: a.d.Neg()}
}

func (a Amount) Abs() Amount {
	return Amount{d: a.d.Abs()}
}

// Cmp returns -1, 0, or 1.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}

func (a Amount) LessThan(b Amount) bool {
	return a.d.Cmp(b.d) < 0
}

func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

// String renders the amount with all 8 fractional digits, the canonical
// form used in logs and reports.
func (a Amount) String() string {
	return a.d.StringFixed(Precision)
}

// Decimal exposes the underlying decimal for collaborators that need
// arbitrary-precision intermediate math (never for persistence).
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

// MarshalJSON encodes the amount as a JSON string to avoid any float
// round-trip in consumers.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for NUMERIC columns.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("%w: scan %q", ErrInvalidAmount, string(v))
		}
		*a = Amount{d: d.Round(Precision)}
		return nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: scan %q", ErrInvalidAmount, v)
		}
		*a = Amount{d: d.Round(Precision)}
		return nil
	case int64:
		*a = FromInt(v)
		return nil
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidAmount, src)
	}
}
