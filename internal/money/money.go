// Package money provides the fixed-point amount type used across the
// cash-application pipeline. Amounts carry at most two decimal places,
// marshal to canonical strings ("1234.56") and never pass through binary
// floating point.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const scale = 2

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrTooManyDecimals  = errors.New("amount_exceeds_scale")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrCurrencyMismatch = errors.New("currency_mismatch")
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Amount is an immutable fixed-point monetary value with scale 2.
// The zero value is 0.00.
type Amount struct {
	d decimal.Decimal
}

// Zero is the 0.00 amount.
var Zero = Amount{}

// Parse reads a canonical fixed-point string. Values with more than two
// decimal places are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -scale {
		return Amount{}, fmt.Errorf("%w: %q", ErrTooManyDecimals, s)
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal adopts an arbitrary decimal, truncating nothing: values finer
// than scale 2 are rejected.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.Exponent() < -scale {
		return Amount{}, ErrTooManyDecimals
	}
	return Amount{d: d}, nil
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Cmp returns -1, 0 or 1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) Equal(b Amount) bool      { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool   { return a.d.LessThan(b.d) }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) IsZero() bool             { return a.d.IsZero() }
func (a Amount) IsNegative() bool         { return a.d.IsNegative() }
func (a Amount) IsPositive() bool         { return a.d.IsPositive() }

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.d.LessThan(b.d) {
		return a
	}
	return b
}

// WithinTolerance reports whether a equals b allowing a percentage band
// around b. pct=0 demands exact equality.
func (a Amount) WithinTolerance(b Amount, pct float64) bool {
	if pct <= 0 {
		return a.Equal(b)
	}
	band := b.d.Abs().Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	return a.d.Sub(b.d).Abs().LessThanOrEqual(band)
}

// String renders the canonical two-decimal form.
func (a Amount) String() string { return a.d.StringFixed(scale) }

// Decimal exposes the underlying value for read-only use.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare numbers from lenient producers, still bounded by scale.
		var n json.Number
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return ErrInvalidAmount
		}
		s = n.String()
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the canonical string form.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan accepts string, []byte and the numeric forms drivers hand back.
func (a *Amount) Scan(v interface{}) error {
	switch val := v.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		parsed, err := Parse(val)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(val))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case float64:
		d := decimal.NewFromFloat(val).Round(scale)
		*a = Amount{d: d}
		return nil
	case int64:
		*a = Amount{d: decimal.NewFromInt(val)}
		return nil
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidAmount, v)
	}
}

// Currency is an ISO 4217 alphabetic code.
type Currency string

// ParseCurrency validates a three-letter uppercase code.
func ParseCurrency(s string) (Currency, error) {
	if !currencyPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	return Currency(s), nil
}

// Sum adds all amounts; an empty slice sums to zero.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
