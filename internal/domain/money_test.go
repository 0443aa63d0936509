package domain

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinorUnits(t *testing.T) {
	v, err := ToMinorUnits("1500.25", "ngn")
	require.NoError(t, err)
	assert.Equal(t, int64(150025), v)

	v, err = ToMinorUnits("10", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	for _, bad := range []string{"10.001", "0", "-1", "abc", ""} {
		_, err := ToMinorUnits(bad, "NGN")
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
	_, err = ToMinorUnits("10", "BTC")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestToMinorUnits_RejectsAmountsBeyondInt64(t *testing.T) {
	v, err := ToMinorUnits("92233720368547758.07", "NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	for _, big := range []string{"92233720368547758.08", "184467440737095517.16", "1e30"} {
		_, err := ToMinorUnits(big, "NGN")
		assert.ErrorIs(t, err, ErrInvalidAmount, big)
	}

	_, err = ParseStoredBalance("9223372036854775808")
	assert.ErrorIs(t, err, ErrCorruptedBalance)
}

func TestFormatMinorUnits(t *testing.T) {
	assert.Equal(t, "1500.25", FormatMinorUnits(150025, "NGN"))
	assert.Equal(t, "-3000.00", FormatMinorUnits(-300000, "USD"))
	assert.Equal(t, "0.05", FormatMinorUnits(5, "XYZ"))
}

func TestParseStoredBalance(t *testing.T) {
	v, err := ParseStoredBalance("1000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), v)

	v, err = ParseStoredBalance("42.000")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	for _, bad := range []string{"-1", "10.5", "NaN", "ten"} {
		_, err := ParseStoredBalance(bad)
		assert.True(t, errors.Is(err, ErrCorruptedBalance), bad)
	}
}

func TestConvert(t *testing.T) {
	rate := decimal.RequireFromString("0.00065")
	// 1500.25 NGN * 0.00065 = 0.9751625 USD -> 98 cents
	v, err := Convert(150025, rate, "NGN", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(98), v)

	v, err = Convert(100, decimal.RequireFromString("1538.46"), "USD", "NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(153846), v)

	_, err = Convert(math.MaxInt64, decimal.RequireFromString("1538.46"), "USD", "NGN")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAbsInt64(t *testing.T) {
	assert.Equal(t, int64(300000), AbsInt64(-300000))
	assert.Equal(t, int64(7), AbsInt64(7))
}
