// Copyright (c) 2025 NSVK

package backpack

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Precision holds the decimal places the exchange accepts for one symbol.
type Precision struct {
	Amount   int32
	Price    int32
	TickSize int32
}

// DecimalCount returns the number of digits after the decimal point in a
// minimum-quantity/price/tick-size string. "0.001" yields 3, "10" yields 0.
func DecimalCount(s string) int32 {
	if _, frac, ok := strings.Cut(s, "."); ok {
		return int32(len(frac))
	}
	return 0
}

// RoundQuantity truncates a quantity to the given decimal places. Order
// sizes must round down so they never exceed the available balance.
func RoundQuantity(v decimal.Decimal, places int32) decimal.Decimal {
	return v.Truncate(places)
}

// RoundPrice rounds a price to the given decimal places.
func RoundPrice(v decimal.Decimal, places int32) decimal.Decimal {
	return v.Round(places)
}
