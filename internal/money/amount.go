package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	PEN Currency = "PEN"
	USD Currency = "USD"
)

func (c Currency) Valid() bool { return c == PEN || c == USD }

// Amount is a decimal value tagged with its currency.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

func New(value decimal.Decimal, c Currency) Amount { return Amount{Value: value, Currency: c} }

// MustParse is meant for constants and tests.
func MustParse(s string, c Currency) Amount {
	return Amount{Value: decimal.RequireFromString(s), Currency: c}
}

func Zero(c Currency) Amount { return Amount{Value: decimal.Zero, Currency: c} }

func (a Amount) Add(b Amount) Amount {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", a.Currency, b.Currency))
	}
	return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}
}

func (a Amount) Mul(qty int) Amount {
	return Amount{Value: a.Value.Mul(decimal.NewFromInt(int64(qty))), Currency: a.Currency}
}

// Round returns the amount at 2 decimals, half-to-even.
func (a Amount) Round() Amount {
	return Amount{Value: RoundHalfToEven(a.Value, 2), Currency: a.Currency}
}

// String always renders 2 decimals, e.g. "200.00 PEN".
func (a Amount) String() string {
	return RoundHalfToEven(a.Value, 2).StringFixed(2) + " " + string(a.Currency)
}
