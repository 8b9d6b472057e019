// Package fixedpoint holds the integer fixed-point helpers shared by the
// reward accumulator, the boost overlay and the escrow staking module.
//
// Every amount is a whole number of token base units carried in a
// shopspring/decimal. Divisions round toward zero; all operands are
// non-negative so that is a floor, and the lost unit stays in the reserve.
//
// decimal coefficients are arbitrary precision, so accumulators cannot
// overflow. The rate ceilings keep stored values inside NUMERIC(78,0).
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// RewardScale scales accRewardPerShare (1e12).
	RewardScale = decimal.New(1, 12)

	// EscrowScale scales escrow rates and accEscrowPerShare (1e18). A rate of
	// 1e18 accrues one escrow unit per staked unit per second.
	EscrowScale = decimal.New(1, 18)

	// MaxEscrowRate bounds the base and speed-up escrow rates (1e36).
	MaxEscrowRate = decimal.New(1, 36)

	// BasisPoints is the denominator for bps-denominated factors.
	BasisPoints = decimal.NewFromInt(10_000)

	// Hundred is the denominator for percentage parameters.
	Hundred = decimal.NewFromInt(100)
)

// ErrInvalidAmount is returned for negative or fractional token amounts.
var ErrInvalidAmount = errors.New("fixedpoint: amount must be a non-negative whole number of base units")

// MulDiv returns floor(a * b / denom). A zero denominator yields zero; callers
// that must distinguish that case check the denominator first.
func MulDiv(a, b, denom decimal.Decimal) decimal.Decimal {
	if denom.IsZero() {
		return decimal.Zero
	}
	q, _ := a.Mul(b).QuoRem(denom, 0)
	return q
}

// Div returns floor(a / denom), or zero when denom is zero.
func Div(a, denom decimal.Decimal) decimal.Decimal {
	if denom.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(denom, 0)
	return q
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// SubFloor returns a - b, clamped at zero.
func SubFloor(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return decimal.Zero
	}
	return a.Sub(b)
}

// IsWhole reports whether d has no fractional part.
func IsWhole(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}

// ValidateAmount rejects negative and fractional amounts.
func ValidateAmount(d decimal.Decimal) error {
	if d.IsNegative() || !IsWhole(d) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	return nil
}

// ParseAmount parses a base-unit amount from its decimal string form.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}
