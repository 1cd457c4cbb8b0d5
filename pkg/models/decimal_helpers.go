package models

import "github.com/shopspring/decimal"

// NullDecimal wraps a decimal as valid
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
