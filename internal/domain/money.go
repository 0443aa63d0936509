package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// ToMinorUnits converts a major-unit decimal string (e.g. "1500.25") into the
// currency's smallest unit. Amounts with more precision than the currency allows
// are rejected rather than rounded.
func ToMinorUnits(amount string, currency string) (int64, error) {
	c, ok := LookupFiat(currency)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported currency %q", ErrInvalidAmount, currency)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	minor := d.Shift(c.Exponent)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: too many decimal places for %s", ErrInvalidAmount, c.Code)
	}
	if minor.GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("%w: %s exceeds the largest supported amount", ErrInvalidAmount, amount)
	}
	return minor.IntPart(), nil
}

// FormatMinorUnits renders a smallest-unit amount in major units, e.g. 150025 NGN -> "1500.25".
func FormatMinorUnits(amount int64, currency string) string {
	exp := int32(2)
	if c, ok := LookupFiat(currency); ok {
		exp = c.Exponent
	}
	return decimal.New(amount, -exp).StringFixed(exp)
}

// ParseStoredBalance validates a balance read from storage. A balance that is not an
// integral, non-negative number indicates corrupted state, not a user error.
func ParseStoredBalance(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric balance %q", ErrCorruptedBalance, raw)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative balance %s", ErrCorruptedBalance, raw)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: fractional balance %s", ErrCorruptedBalance, raw)
	}
	if d.GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("%w: balance %s out of range", ErrCorruptedBalance, raw)
	}
	return d.IntPart(), nil
}

// Convert applies rate to a smallest-unit amount of the source currency and returns the
// smallest-unit amount of the destination currency, rounded half away from zero.
func Convert(amount int64, rate decimal.Decimal, from, to string) (int64, error) {
	fromExp, toExp := int32(2), int32(2)
	if c, ok := LookupFiat(from); ok {
		fromExp = c.Exponent
	}
	if c, ok := LookupFiat(to); ok {
		toExp = c.Exponent
	}
	major := decimal.New(amount, -fromExp)
	converted := major.Mul(rate).Shift(toExp).Round(0)
	if converted.Abs().GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("%w: %d %s at rate %s overflows %s", ErrInvalidAmount, amount, from, rate, to)
	}
	return converted.IntPart(), nil
}

// AbsInt64 returns the absolute value of v.
func AbsInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
