package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	KRW Currency = "KRW"
	USD Currency = "USD"
	EUR Currency = "EUR"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	KRW: {Code: KRW, MinorUnits: 0, Symbol: "₩"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€"},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Supported reports whether c is a known currency
func (c Currency) Supported() bool {
	_, ok := currencies[c]
	return ok
}

// Lower returns the lower-case code, as some gateways expect
func (c Currency) Lower() string {
	return strings.ToLower(string(c))
}

// Money represents a monetary amount in minor units
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// String formats the amount with the currency symbol and digit grouping,
// e.g. ₩2,850,000 or $1,234.50
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}

	sign := ""
	amount := m.AmountMinor
	if amount < 0 {
		sign = "-"
		amount = -amount
	}

	if info.MinorUnits == 0 {
		return sign + info.Symbol + group(amount)
	}

	divisor := int64(1)
	for i := 0; i < info.MinorUnits; i++ {
		divisor *= 10
	}
	frac := strconv.FormatInt(amount%divisor, 10)
	frac = strings.Repeat("0", info.MinorUnits-len(frac)) + frac
	return sign + info.Symbol + group(amount/divisor) + "." + frac
}

func group(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
