// Package money provides fiat amount helpers for coin purchases.
//
// Fiat values are decimal.Decimal and are rounded to two places (kobo,
// cents) only where a value is persisted or shown to a user. Coin amounts
// are whole numbers and stay int64.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FiatPlaces is the number of fractional digits kept for fiat currencies.
const FiatPlaces = 2

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency code")
)

// Parse converts s (e.g. "150.00") into a non-negative decimal.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	return d, nil
}

// FiatValue returns coins × unitPrice rounded to FiatPlaces.
func FiatValue(coins int64, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(coins)).Round(FiatPlaces)
}

// Commission returns fiat × rate rounded half-up to FiatPlaces.
func Commission(fiat, rate decimal.Decimal) decimal.Decimal {
	return fiat.Mul(rate).Round(FiatPlaces)
}

// Format renders d with exactly FiatPlaces decimals ("1500" -> "1500.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(FiatPlaces)
}

// NormalizeCurrency upper-cases a three-letter ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return code, nil
}
