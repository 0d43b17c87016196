// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// USD amounts are carried as integer micro-dollars (6 decimals), BSV
// amounts as integer satoshis (8 decimals).
const (
	USDDecimals = 6
	BSVDecimals = 8
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(1000000, 6) returns "1" (one dollar).
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	// Trim trailing zeros
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units.
// For example, ParseAmount("1.50", 6) returns 1500000.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		wholeStr = s
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	// Pad or truncate fractional part
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	_, ok := amount.SetString(combined, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Uint64(), nil
}

// FormatUSD formats micro-dollars as a decimal USD string.
func FormatUSD(micros uint64) string {
	return FormatAmount(micros, USDDecimals)
}

// ParseUSD parses a decimal USD string into micro-dollars.
func ParseUSD(s string) (uint64, error) {
	return ParseAmount(s, USDDecimals)
}

// SatoshisToBSV converts satoshis to a BSV decimal string.
func SatoshisToBSV(satoshis uint64) string {
	return FormatAmount(satoshis, BSVDecimals)
}

// BSVToSatoshis converts a BSV decimal string to satoshis.
func BSVToSatoshis(bsv string) (uint64, error) {
	return ParseAmount(bsv, BSVDecimals)
}

// USDToSatoshis converts a micro-dollar amount to satoshis at the given
// USD/BSV price, truncating the sub-satoshi remainder. Returns 0 for
// nonpositive prices.
func USDToSatoshis(micros uint64, bsvPriceUSD float64) uint64 {
	if bsvPriceUSD <= 0 {
		return 0
	}
	usd := float64(micros) / 1e6
	return uint64(usd / bsvPriceUSD * 1e8)
}
