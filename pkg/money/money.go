// Package money holds the fixed-point amount type used by every ledger and
// settlement computation. Amounts carry six decimal places and every
// operation truncates toward zero, so a distribution can never pay out more
// than its input.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept by an Amount.
const Scale int32 = 6

type Amount struct {
	d decimal.Decimal
}

var Zero = Amount{}

func New(d decimal.Decimal) Amount {
	return Amount{d: d.Truncate(Scale)}
}

func FromInt(units int64) Amount {
	return Amount{d: decimal.NewFromInt(units)}
}

// FromMicros builds an Amount from its stored integer form (units * 10^6).
func FromMicros(micros int64) Amount {
	return Amount{d: decimal.New(micros, -Scale)}
}

func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return New(d), nil
}

func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Micros() int64 {
	return a.d.Shift(Scale).IntPart()
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

func (a Amount) Mul(n int64) Amount { return Amount{d: a.d.Mul(decimal.NewFromInt(n))} }

// Percent returns pct percent of a, truncated.
func (a Amount) Percent(pct decimal.Decimal) Amount {
	return New(a.d.Mul(pct).Shift(-2))
}

// Split divides a into n equal shares, truncated. The caller owns the residue
// a - share*n.
func (a Amount) Split(n int) Amount {
	if n <= 0 {
		return Zero
	}
	return FromMicros(a.Micros() / int64(n))
}

// MinorUnits converts to the integer representation of a token with the given
// number of decimals, truncating toward zero.
func (a Amount) MinorUnits(decimals int32) int64 {
	return a.d.Shift(decimals).IntPart()
}

func FromMinorUnits(units int64, decimals int32) Amount {
	return New(decimal.New(units, -decimals))
}

func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

func (a Amount) Cmp(b Amount) int              { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool           { return a.d.Equal(b.d) }
func (a Amount) GreaterThan(b Amount) bool     { return a.d.GreaterThan(b.d) }
func (a Amount) LessThanOrEqual(b Amount) bool { return a.d.LessThanOrEqual(b.d) }

func (a Amount) String() string { return a.d.StringFixed(Scale) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var d decimal.Decimal
		if err := d.UnmarshalJSON(b); err != nil {
			return err
		}
		*a = New(d)
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as integer micros so that arithmetic in SQL stays exact.
func (a Amount) Value() (driver.Value, error) {
	return a.Micros(), nil
}

func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
	case int64:
		*a = FromMicros(v)
	case int32:
		*a = FromMicros(int64(v))
	case float64:
		*a = FromMicros(int64(v))
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		*a = FromMicros(d.IntPart())
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		*a = FromMicros(d.IntPart())
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}
