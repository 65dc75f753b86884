package money

import (
	"errors"
	"math"
	"testing"

	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundFloat_NearestEvenTies(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.125, "0.12"},
		{0.135, "0.14"},
		{2.5, "2.5"},
		{1.005, "1"},
		{10.555, "10.56"},
		{-0.125, "-0.12"},
	}
	for _, tt := range tests {
		got, err := RoundFloat(tt.in, 2)
		require.NoError(t, err)
		assert.True(t, got.Equal(d(tt.want)), "RoundFloat(%v) = %s, want %s", tt.in, got, tt.want)
	}
}

func TestRoundFloat_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := RoundFloat(f, 2)
		var ie *apperr.InvalidOperationError
		assert.True(t, errors.As(err, &ie), "expected InvalidOperationError for %v", f)
	}
}

func TestRoundHalfToEven_Idempotent(t *testing.T) {
	for _, s := range []string{"0.125", "0.135", "169.491525", "99.995", "0.005", "1234.5678"} {
		once := RoundHalfToEven(d(s), 2)
		twice := RoundHalfToEven(once, 2)
		assert.True(t, once.Equal(twice), "round(round(%s)) = %s, round(%s) = %s", s, twice, s, once)
	}
}

func TestDecomposeTax_AdditiveInvariant(t *testing.T) {
	rate := d("0.18")
	for cents := int64(1); cents <= 20000; cents += 7 {
		total := decimal.New(cents, -2)
		tb, err := DecomposeTax(total, rate)
		require.NoError(t, err)
		assert.True(t, tb.Base.Add(tb.Tax).Equal(total), "base+tax != total for %s", total)
		assert.True(t, tb.Base.Equal(tb.Base.Round(2)))
	}
}

func TestDecomposeTax_TwoHundredSoles(t *testing.T) {
	tb, err := DecomposeTax(d("200.00"), d("0.18"))
	require.NoError(t, err)
	assert.Equal(t, "169.49", tb.Base.StringFixed(2))
	assert.Equal(t, "30.51", tb.Tax.StringFixed(2))
	assert.Equal(t, "200.00", tb.Total.StringFixed(2))
}

func TestDecomposeTax_InvalidInput(t *testing.T) {
	_, err := DecomposeTax(d("-1"), d("0.18"))
	assert.Error(t, err)
	_, err = DecomposeTax(d("10"), d("-0.18"))
	assert.Error(t, err)

	tb, err := DecomposeTax(decimal.Zero, d("0.18"))
	require.NoError(t, err)
	assert.True(t, tb.Tax.IsZero())
}

func TestConvert(t *testing.T) {
	rate := d("3.75")

	pen, err := Convert(MustParse("10", USD), PEN, rate)
	require.NoError(t, err)
	assert.Equal(t, PEN, pen.Currency)
	assert.True(t, pen.Value.Equal(d("37.5")))

	usd, err := Convert(MustParse("37.5", PEN), USD, rate)
	require.NoError(t, err)
	assert.True(t, usd.Value.Equal(d("10")))

	same, err := Convert(MustParse("5", PEN), PEN, rate)
	require.NoError(t, err)
	assert.True(t, same.Value.Equal(d("5")))

	_, err = Convert(MustParse("5", PEN), USD, decimal.Zero)
	assert.Error(t, err)
	_, err = Convert(MustParse("5", "EUR"), USD, rate)
	assert.Error(t, err)
}

func TestEngine_Totals(t *testing.T) {
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)

	line, err := e.LineTotal(MustParse("100.00", PEN), 2)
	require.NoError(t, err)
	tb, err := e.Totals([]Amount{line})
	require.NoError(t, err)
	assert.Equal(t, PEN, tb.Currency)
	assert.Equal(t, "169.49", tb.Base.StringFixed(2))
	assert.Equal(t, "30.51", tb.Tax.StringFixed(2))

	// USD line converted into PEN before decomposition
	tb, err = e.Totals([]Amount{MustParse("10", USD), MustParse("2.50", PEN)})
	require.NoError(t, err)
	assert.Equal(t, "40.00", tb.Total.StringFixed(2))

	_, err = e.LineTotal(MustParse("1", PEN), 0)
	assert.Error(t, err)
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExchangeRate = decimal.Zero
	_, err := NewEngine(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.TaxRate = d("-0.1")
	_, err = NewEngine(cfg)
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "$1,234.50", Format(MustParse("1234.5", USD)))
	assert.Equal(t, "-$0.12", Format(MustParse("-0.125", USD)))
	assert.Equal(t, "S/ 200.00", Format(MustParse("200", PEN)))
	assert.Equal(t, "S/ 1,234,567.88", Format(MustParse("1234567.885", PEN)), "half to even")
	assert.Equal(t, "-S/ 1,000.07", Format(MustParse("-1000.07", PEN)))
	// above 2^53 a float64 can no longer hold every cent
	assert.Equal(t, "S/ 90,071,992,547,409.93", Format(MustParse("90071992547409.93", PEN)))
	assert.Equal(t, "$0.00", Format(MustParse("0", USD)))
	assert.Equal(t, "200.00 PEN", MustParse("200", PEN).String())
}
