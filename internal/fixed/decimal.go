// Package fixed implements the 8-digit fixed-point number used for every price
// and volume that takes part in bar construction.
//
// A Decimal is an int64 holding the real value multiplied by 10^8. Additions
// and subtractions saturate at the int64 limits instead of wrapping, so an
// overflow can never turn a large price into a negative one. Values are built
// from decimal strings only; floating point appears solely in Float64 for
// display purposes.
package fixed

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Digits is the number of fractional decimal digits carried by a Decimal.
	Digits = 8

	// Scale is 10^Digits, the multiplier between a real value and its raw representation.
	Scale int64 = 100_000_000
)

var (
	// ErrParse indicates a string that is not a valid 8-digit decimal.
	ErrParse = errors.New("invalid fixed-point decimal")

	// ErrSaturation indicates an arithmetic result outside the int64 range.
	ErrSaturation = errors.New("numeric saturation")

	// ErrDivisionByZero is returned by MulDiv when the divisor is zero.
	ErrDivisionByZero = errors.New("division by zero")
)

// Decimal is a signed fixed-point number with 8 fractional digits.
type Decimal int64

// Zero is the zero value, spelled out for readability at call sites.
const Zero Decimal = 0

// FromUnits wraps a raw scaled value (real value × 10^8).
func FromUnits(raw int64) Decimal {
	return Decimal(raw)
}

// FromInt converts a whole number. Values beyond ±92233720368 saturate.
func FromInt(i int64) (Decimal, error) {
	return Decimal(i).MulDiv(Scale, 1)
}

// Parse converts a decimal string such as "50000.12" or "0.001" into a Decimal.
//
// More than 8 significant fractional digits is a parse error rather than a
// silent rounding; a value that does not fit into int64 once scaled reports
// ErrSaturation.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrParse, s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromDecimal converts an arbitrary precision decimal.Decimal without rounding.
func FromDecimal(d decimal.Decimal) (Decimal, error) {
	shifted := d.Shift(Digits)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d fractional digits", ErrParse, d.String(), Digits)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s does not fit", ErrSaturation, d.String())
	}
	return Decimal(bi.Int64()), nil
}

// Raw returns the underlying scaled integer.
func (d Decimal) Raw() int64 {
	return int64(d)
}

// Add returns d+o, saturating at the int64 limits.
func (d Decimal) Add(o Decimal) Decimal {
	r, _ := d.AddChecked(o)
	return r
}

// AddChecked returns d+o and ErrSaturation when the sum had to be clamped.
func (d Decimal) AddChecked(o Decimal) (Decimal, error) {
	s := d + o
	// overflow happens only when both operands share a sign the result lacks
	if (d > 0 && o > 0 && s < 0) || (d < 0 && o < 0 && s >= 0) {
		if d > 0 {
			return Decimal(math.MaxInt64), ErrSaturation
		}
		return Decimal(math.MinInt64), ErrSaturation
	}
	return s, nil
}

// Sub returns d-o, saturating at the int64 limits.
func (d Decimal) Sub(o Decimal) Decimal {
	r, _ := d.SubChecked(o)
	return r
}

// SubChecked returns d-o and ErrSaturation when the difference had to be clamped.
func (d Decimal) SubChecked(o Decimal) (Decimal, error) {
	s := d - o
	if (d >= 0 && o < 0 && s < 0) || (d < 0 && o > 0 && s >= 0) {
		if d >= 0 {
			return Decimal(math.MaxInt64), ErrSaturation
		}
		return Decimal(math.MinInt64), ErrSaturation
	}
	return s, nil
}

// MulDiv returns d*num/den computed with a 128-bit intermediate and truncated
// toward zero. A quotient outside the int64 range is clamped and reported as
// ErrSaturation.
func (d Decimal) MulDiv(num, den int64) (Decimal, error) {
	if den == 0 {
		return 0, ErrDivisionByZero
	}

	negative := (d < 0) != (num < 0) != (den < 0)
	if d == 0 || num == 0 {
		return 0, nil
	}

	hi, lo := bits.Mul64(absUint(int64(d)), absUint(num))
	uden := absUint(den)
	if hi >= uden {
		return saturated(negative), ErrSaturation
	}
	q, _ := bits.Div64(hi, lo, uden)

	if negative {
		if q > uint64(math.MaxInt64)+1 {
			return saturated(true), ErrSaturation
		}
		return Decimal(-int64(q - 1) - 1), nil
	}
	if q > math.MaxInt64 {
		return saturated(false), ErrSaturation
	}
	return Decimal(q), nil
}

// Mid returns the midpoint of a and b rounded toward negative infinity.
// The sum is never materialised, so it cannot overflow.
func Mid(a, b Decimal) Decimal {
	return (a >> 1) + (b >> 1) + (a & b & 1)
}

// Cmp returns -1, 0 or +1 depending on whether d is less than, equal to or greater than o.
func (d Decimal) Cmp(o Decimal) int {
	switch {
	case d < o:
		return -1
	case d > o:
		return 1
	default:
		return 0
	}
}

func (d Decimal) LessThan(o Decimal) bool    { return d < o }
func (d Decimal) GreaterThan(o Decimal) bool { return d > o }
func (d Decimal) IsZero() bool               { return d == 0 }
func (d Decimal) IsPositive() bool           { return d > 0 }

// Sign returns -1, 0 or +1.
func (d Decimal) Sign() int {
	return d.Cmp(0)
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a > b {
		return a
	}
	return b
}

// Decimal returns the exact arbitrary precision value.
func (d Decimal) Decimal() decimal.Decimal {
	return decimal.New(int64(d), -Digits)
}

// Float64 is lossy and meant for display and export only.
func (d Decimal) Float64() float64 {
	return float64(d) / float64(Scale)
}

// String renders the value with exactly 8 fractional digits, e.g. "50000.00000000".
func (d Decimal) String() string {
	return d.Decimal().StringFixed(Digits)
}

// MarshalText implements encoding.TextMarshaler.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decimal) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON encodes the value as a quoted decimal string so that no JSON
// consumer ever routes it through a float.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted strings and bare JSON numbers.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, `"`), `"`)
	return d.UnmarshalText([]byte(s))
}

func absUint(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

func saturated(negative bool) Decimal {
	if negative {
		return Decimal(math.MinInt64)
	}
	return Decimal(math.MaxInt64)
}
