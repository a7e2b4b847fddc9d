package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type CurrencyCode string

const (
	CurrencyUSD CurrencyCode = "usd"
	CurrencyEUR CurrencyCode = "eur"
	CurrencyGBP CurrencyCode = "gbp"
)

// Money is an integer-cents amount tagged with its currency. Negative cents
// indicate money leaving the platform (refunds, chargebacks).
type Money struct {
	Currency CurrencyCode `json:"currency"`
	Cents    int64        `json:"cents"`
}

func NewMoney(currency CurrencyCode, cents int64) Money {
	return Money{Currency: currency, Cents: cents}
}

func (m Money) Neg() Money {
	return Money{Currency: m.Currency, Cents: -m.Cents}
}

func (m Money) IsNegative() bool {
	return m.Cents < 0
}

func (m Money) IsZero() bool {
	return m.Cents == 0
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("Add: %s + %s: %w", m.Currency, other.Currency, ErrCurrencyMismatch)
	}
	return Money{Currency: m.Currency, Cents: m.Cents + other.Cents}, nil
}

// Convert applies an externally supplied exchange rate. Rate sourcing is not
// this engine's concern; the processor or the original charge supplies it.
func (m Money) Convert(rate decimal.Decimal, to CurrencyCode) Money {
	converted := decimal.NewFromInt(m.Cents).Mul(rate).Round(0).IntPart()
	return Money{Currency: to, Cents: converted}
}

// FlowOfFunds is the processor's view of one event's financial effect, broken
// into five legs. Sign indicates direction: negative legs are money leaving.
type FlowOfFunds struct {
	Issued        Money `json:"issued_amount"`
	Settled       Money `json:"settled_amount"`
	Gumroad       Money `json:"gumroad_amount"`
	MerchantGross Money `json:"merchant_account_gross_amount"`
	MerchantNet   Money `json:"merchant_account_net_amount"`
}

// SimpleFlowOfFunds builds a flow where every leg settles in the issued
// currency, for processors that do not report a per-leg breakdown.
func SimpleFlowOfFunds(currency CurrencyCode, cents int64) FlowOfFunds {
	m := NewMoney(currency, cents)
	return FlowOfFunds{
		Issued:        m,
		Settled:       m,
		Gumroad:       m,
		MerchantGross: m,
		MerchantNet:   m,
	}
}
