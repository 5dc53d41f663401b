package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// BaseUnitsToDecimal renders a base-unit integer string as a fixed-point
// decimal string with the given number of decimals.
func BaseUnitsToDecimal(baseUnits string, decimals int32) (string, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return "", fmt.Errorf("invalid base units: %q", baseUnits)
	}
	return decimal.NewFromBigInt(v, -decimals).StringFixed(decimals), nil
}

// DecimalToBaseUnits converts a decimal string to base units, truncating
// precision beyond decimals.
func DecimalToBaseUnits(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return "", fmt.Errorf("invalid decimal amount %q: %w", amount, err)
	}
	return d.Shift(decimals).Truncate(0).BigInt().String(), nil
}

// IsBaseUnits reports whether v is a non-negative base-10 integer.
func IsBaseUnits(v string) bool {
	if v == "" {
		return false
	}
	n, ok := new(big.Int).SetString(v, 10)
	return ok && n.Sign() >= 0
}
