package domain

import "strings"

// Currency describes a fiat currency handled by the platform.
type Currency struct {
	Code     string
	Country  string
	Exponent int32
}

var fiatCurrencies = map[string]Currency{
	"NGN": {Code: "NGN", Country: "NG", Exponent: 2},
	"USD": {Code: "USD", Country: "US", Exponent: 2},
	"GBP": {Code: "GBP", Country: "GB", Exponent: 2},
	"EUR": {Code: "EUR", Country: "EU", Exponent: 2},
	"GHS": {Code: "GHS", Country: "GH", Exponent: 2},
	"KES": {Code: "KES", Country: "KE", Exponent: 2},
	"ZAR": {Code: "ZAR", Country: "ZA", Exponent: 2},
	"CAD": {Code: "CAD", Country: "CA", Exponent: 2},
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LookupFiat returns the fiat currency for code, or false for crypto assets and
// unknown codes.
func LookupFiat(code string) (Currency, bool) {
	c, ok := fiatCurrencies[NormalizeCurrency(code)]
	return c, ok
}

// CountryForCurrency maps a fiat currency code to its country code.
func CountryForCurrency(code string) (string, bool) {
	c, ok := LookupFiat(code)
	if !ok {
		return "", false
	}
	return c.Country, true
}
