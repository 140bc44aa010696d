package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxUint256 is the largest amount a uint256 argument can carry. Larger values would be
// reduced modulo 2^256 when packed.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ErrAmountOutOfRange is returned for amounts that do not fit a uint256.
var ErrAmountOutOfRange = errors.New("amount out of uint256 range")

// CheckUint256 reports whether amount can be passed as a uint256 unchanged.
func CheckUint256(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.Cmp(MaxUint256) > 0 {
		return ErrAmountOutOfRange
	}
	return nil
}

// FormatUnits renders a base-unit amount with two decimal places, e.g. 10000000 at 6 decimals -> "10.00".
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(amount, -decimals).StringFixed(2)
}

// ParseUnits converts a human amount ("10", "2.5") to base units. Fractions finer than the
// token's precision are rejected rather than rounded.
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	amount := scaled.BigInt()
	if err := CheckUint256(amount); err != nil {
		return nil, fmt.Errorf("amount %q: %w", value, err)
	}
	return amount, nil
}

// ParseBaseUnits parses a decimal integer string of base units.
func ParseBaseUnits(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	if err := CheckUint256(amount); err != nil {
		return nil, fmt.Errorf("amount %s: %w", value, err)
	}
	return amount, nil
}
