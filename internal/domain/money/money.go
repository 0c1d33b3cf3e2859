// Package money holds the minor-unit amount type shared by every settlement
// component and the single rounding rule used for percentage fees.
package money

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Money is an amount in paise. Stored records and wire payloads carry it as an
// integer; floating point never touches it.
type Money int64

// Zero is the empty amount.
const Zero Money = 0

// Rupees builds an amount from whole rupees.
func Rupees(r int64) Money {
	return Money(r * 100)
}

// Decimal returns the amount in rupees as a decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String formats the amount in rupees with two fraction digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Clamp restricts m to [lo, hi].
func (m Money) Clamp(lo, hi Money) Money {
	if m < lo {
		return lo
	}
	if m > hi {
		return hi
	}
	return m
}

// Sum adds amounts.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}

// ApplyRate returns amount × rate rounded to the nearest paisa, halves rounded
// up. Every percentage fee in the engine goes through this function.
//
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative amounts the engine works with. Negative inputs yield zero.
func ApplyRate(amount Money, rate decimal.Decimal) Money {
	if amount <= 0 || !rate.IsPositive() {
		return Zero
	}
	v := decimal.NewFromInt(int64(amount)).Mul(rate).Round(0)
	return Money(v.IntPart())
}

// Percent converts a percentage such as 15 or 2.5 into a rate.
func Percent(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(decimal.NewFromInt(100))
}

// MustRate parses a decimal rate literal such as "0.15" and panics on error.
// Intended for package-level rate declarations.
func MustRate(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ParseRate parses a rate such as "0.02". Rates outside [0, 1] are rejected.
func ParseRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "rate %q", s)
	}
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.Errorf("rate %s out of range [0, 1]", r)
	}
	return r, nil
}
