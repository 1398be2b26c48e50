// Package currency holds the fixed registry of currencies the ledger can
// denominate accounts in, along with their minor-unit exponents.
package currency

import "github.com/shopspring/decimal"

type Currency struct {
	Code     string
	Exponent int32
}

var registry = map[string]Currency{
	"USD": {Code: "USD", Exponent: 2},
	"EUR": {Code: "EUR", Exponent: 2},
	"GBP": {Code: "GBP", Exponent: 2},
	"JPY": {Code: "JPY", Exponent: 0},
}

// Lookup returns the currency for a code, if registered.
func Lookup(code string) (Currency, bool) {
	c, ok := registry[code]
	return c, ok
}

// ValidAmount reports whether d is exactly representable in the currency's
// minor unit. Fractional sub-units (e.g. $1.005) are not.
func (c Currency) ValidAmount(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(c.Exponent))
}
