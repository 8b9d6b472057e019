package fixedpoint

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func TestMulDiv_RoundsDown(t *testing.T) {
	tests := []struct {
		a, b, denom int64
		want        int64
	}{
		{10, 10, 3, 33},
		{7, 1, 2, 3},
		{1, 1, 3, 0},
		{1000, 100, 100, 1000},
		{0, 5, 7, 0},
	}
	for _, tt := range tests {
		got := MulDiv(d(tt.a), d(tt.b), d(tt.denom))
		assert.True(t, got.Equal(d(tt.want)), "MulDiv(%d,%d,%d) = %s, want %d", tt.a, tt.b, tt.denom, got, tt.want)
	}
}

func TestMulDiv_LargeOperandsStayExact(t *testing.T) {
	// 100e18 principal at an accumulator of 30e18 with 1e18 precision.
	principal := decimal.New(100, 18)
	acc := decimal.New(30, 18)
	got := MulDiv(principal, acc, EscrowScale)
	assert.True(t, got.Equal(decimal.New(3000, 18)), "got %s", got)
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	assert.True(t, MulDiv(d(5), d(5), decimal.Zero).IsZero())
	assert.True(t, Div(d(5), decimal.Zero).IsZero())
}

func TestMinAndSubFloor(t *testing.T) {
	assert.True(t, Min(d(3), d(4)).Equal(d(3)))
	assert.True(t, Min(d(4), d(3)).Equal(d(3)))
	assert.True(t, SubFloor(d(3), d(4)).IsZero())
	assert.True(t, SubFloor(d(9), d(4)).Equal(d(5)))
}

func TestValidateAmount(t *testing.T) {
	require.NoError(t, ValidateAmount(d(0)))
	require.NoError(t, ValidateAmount(d(42)))

	err := ValidateAmount(d(-1))
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	err = ValidateAmount(decimal.RequireFromString("1.5"))
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestParseAmount(t *testing.T) {
	got, err := ParseAmount("100000000000000000000")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.New(1, 20)))

	_, err = ParseAmount("abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("0.1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
