// Package money holds the fixed-point rules for the two ledger currencies.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency identifies one of the two balances carried by every account.
type Currency string

const (
	// Coin is the native token, 5 fractional digits.
	Coin Currency = "coin"
	// Fiat is the reference currency, 2 fractional digits.
	Fiat Currency = "fiat"
)

var (
	// ErrInvalidAmount marks a non-numeric or non-positive amount.
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	// ErrPrecision marks an amount carrying more digits than its currency allows.
	ErrPrecision = errors.New("amount exceeds currency precision")
	// ErrUnknownCurrency marks an unsupported currency code.
	ErrUnknownCurrency = errors.New("unknown currency")
)

// ParseCurrency accepts the canonical codes plus the aliases used by the web client.
func ParseCurrency(v string) (Currency, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "coin", "guga":
		return Coin, nil
	case "fiat", "rub":
		return Fiat, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, v)
	}
}

// Places returns the number of fractional digits of the currency.
func (c Currency) Places() int32 {
	if c == Fiat {
		return 2
	}
	return 5
}

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	return c == Coin || c == Fiat
}

func (c Currency) String() string { return string(c) }

// ParseAmount parses a positive amount and rejects anything finer than the currency precision.
func ParseAmount(c Currency, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if err := CheckAmount(c, d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// CheckAmount validates an already parsed amount.
func CheckAmount(c Currency, d decimal.Decimal) error {
	if !c.Valid() {
		return ErrUnknownCurrency
	}
	if d.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(c.Places())) {
		return fmt.Errorf("%w: %s allows %d digits", ErrPrecision, c, c.Places())
	}
	return nil
}

// Truncate rounds d toward zero to the precision of c.
func Truncate(c Currency, d decimal.Decimal) decimal.Decimal {
	return d.Truncate(c.Places())
}

// Format renders d with exactly the currency's digits.
func Format(c Currency, d decimal.Decimal) string {
	return d.StringFixed(c.Places())
}
