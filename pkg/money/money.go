// Package money converts between gateway decimal amounts and the integer
// minor units stored in the ledger, and formats amounts for people.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrInvalidCurrency is returned for codes that are not ISO 4217 currencies.
var ErrInvalidCurrency = errors.New("invalid currency code")

// Scale returns the number of minor-unit digits of an ISO 4217 currency.
func Scale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return 0, errors.Join(ErrInvalidCurrency, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinor converts a decimal major-unit amount such as "19.99" into minor
// units, rounding half away from zero.
func ToMinor(amount decimal.Decimal, code string) (int64, error) {
	scale, err := Scale(code)
	if err != nil {
		return 0, err
	}
	return amount.Shift(scale).Round(0).IntPart(), nil
}

// ParseMinor parses a decimal string in major units into minor units.
func ParseMinor(amount, code string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, err
	}
	return ToMinor(d, code)
}

// FromMinor returns the major-unit decimal of a minor-unit amount.
func FromMinor(minor int64, code string) (decimal.Decimal, error) {
	scale, err := Scale(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(minor, -scale), nil
}

// Format renders a minor-unit amount with its currency symbol, for example
// "$ 19.99". Unknown currencies fall back to the bare number and code.
func Format(minor int64, code string) string {
	d, err := FromMinor(minor, code)
	if err != nil {
		return decimal.New(minor, -2).StringFixed(2) + " " + code
	}
	unit := currency.MustParseISO(strings.ToUpper(code))
	p := message.NewPrinter(language.English)
	return p.Sprint(currency.Symbol(unit.Amount(d.InexactFloat64())))
}
