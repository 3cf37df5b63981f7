package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CoinDecimals is the base-unit exponent of UTXO coins (satoshi, litoshi).
const CoinDecimals = 8

// ParseBaseUnits converts an integer base-unit string into whole coins.
// An empty string is zero.
func ParseBaseUnits(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse base units %q: %w", s, err)
	}
	return d.Shift(-CoinDecimals), nil
}
