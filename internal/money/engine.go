// Package money is the monetary engine: banker's rounding, tax decomposition of
// tax-inclusive totals, fixed-rate currency conversion and display formatting.
//
// All arithmetic runs on shopspring/decimal. Floats only enter through
// RoundFloat; Format renders from the decimal digits.
package money

import (
	"math"

	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/shopspring/decimal"
)

// Config is passed explicitly to NewEngine so tests can use alternate rates.
type Config struct {
	TaxRate      decimal.Decimal // 0.18 = IGV 18%
	ExchangeRate decimal.Decimal // PEN per 1 USD
	BaseCurrency Currency
}

func DefaultConfig() Config {
	return Config{
		TaxRate:      decimal.RequireFromString("0.18"),
		ExchangeRate: decimal.RequireFromString("3.75"),
		BaseCurrency: PEN,
	}
}

// TaxBreakdown holds Base + Tax == Total at 2 decimals.
type TaxBreakdown struct {
	Base     decimal.Decimal `json:"base"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Currency Currency        `json:"currency"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.TaxRate.IsNegative() {
		return nil, apperr.Invalid("money.NewEngine", "negative tax rate %s", cfg.TaxRate)
	}
	if !cfg.ExchangeRate.IsPositive() {
		return nil, apperr.Invalid("money.NewEngine", "exchange rate must be positive, got %s", cfg.ExchangeRate)
	}
	if !cfg.BaseCurrency.Valid() {
		return nil, apperr.Invalid("money.NewEngine", "unsupported currency %q", cfg.BaseCurrency)
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// RoundHalfToEven is banker's rounding; idempotent on already rounded values.
func RoundHalfToEven(v decimal.Decimal, decimals int32) decimal.Decimal {
	return v.RoundBank(decimals)
}

// RoundFloat converts via the shortest decimal representation of f, so
// 0.125 -> 0.12 and 0.135 -> 0.14.
func RoundFloat(f float64, decimals int32) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, apperr.Invalid("money.RoundFloat", "non-finite value %v", f)
	}
	return RoundHalfToEven(decimal.NewFromFloat(f), decimals), nil
}

// DecomposeTax splits a tax-inclusive total. Tax is derived from the rounded
// base, never rounded on its own.
func DecomposeTax(total, rate decimal.Decimal) (TaxBreakdown, error) {
	if total.IsNegative() {
		return TaxBreakdown{}, apperr.Invalid("money.DecomposeTax", "negative total %s", total)
	}
	if rate.IsNegative() {
		return TaxBreakdown{}, apperr.Invalid("money.DecomposeTax", "negative rate %s", rate)
	}
	roundedTotal := RoundHalfToEven(total, 2)
	base := RoundHalfToEven(total.Div(decimal.NewFromInt(1).Add(rate)), 2)
	tax := roundedTotal.Sub(base)

	if !base.Add(tax).Equal(roundedTotal) || tax.IsNegative() {
		panic("money: tax breakdown invariant violated for total " + total.String())
	}
	return TaxBreakdown{Base: base, Tax: tax, Total: roundedTotal}, nil
}

// Decompose uses the engine's configured tax rate.
func (e *Engine) Decompose(total Amount) (TaxBreakdown, error) {
	tb, err := DecomposeTax(total.Value, e.cfg.TaxRate)
	if err != nil {
		return TaxBreakdown{}, err
	}
	tb.Currency = total.Currency
	return tb, nil
}

// Convert applies the fixed rate without rounding; callers round for display.
func Convert(a Amount, target Currency, rate decimal.Decimal) (Amount, error) {
	if !target.Valid() || !a.Currency.Valid() {
		return Amount{}, apperr.Invalid("money.Convert", "unsupported currency %s -> %s", a.Currency, target)
	}
	if !rate.IsPositive() {
		return Amount{}, apperr.Invalid("money.Convert", "exchange rate must be positive, got %s", rate)
	}
	switch {
	case a.Currency == target:
		return a, nil
	case a.Currency == USD && target == PEN:
		return Amount{Value: a.Value.Mul(rate), Currency: PEN}, nil
	default: // PEN -> USD
		return Amount{Value: a.Value.Div(rate), Currency: USD}, nil
	}
}

func (e *Engine) Convert(a Amount, target Currency) (Amount, error) {
	return Convert(a, target, e.cfg.ExchangeRate)
}

// LineTotal prices a single order line (unit prices are tax-inclusive).
func (e *Engine) LineTotal(unit Amount, qty int) (Amount, error) {
	if unit.Value.IsNegative() {
		return Amount{}, apperr.Invalid("money.LineTotal", "negative unit price %s", unit.Value)
	}
	if qty <= 0 {
		return Amount{}, apperr.Invalid("money.LineTotal", "quantity must be positive, got %d", qty)
	}
	return unit.Mul(qty), nil
}

// Totals sums line totals and decomposes the result. Lines in a foreign
// currency are converted into the base currency first.
func (e *Engine) Totals(lines []Amount) (TaxBreakdown, error) {
	sum := Zero(e.cfg.BaseCurrency)
	for _, l := range lines {
		conv, err := e.Convert(l, e.cfg.BaseCurrency)
		if err != nil {
			return TaxBreakdown{}, err
		}
		sum = sum.Add(conv)
	}
	return e.Decompose(sum)
}
