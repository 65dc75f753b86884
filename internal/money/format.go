package money

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var currencyLocale = map[Currency]struct {
	symbol string
	tag    language.Tag
}{
	PEN: {symbol: "S/ ", tag: language.MustParse("es-PE")},
	USD: {symbol: "$", tag: language.AmericanEnglish},
}

// Format is presentation only: symbol plus locale grouping, 2 decimals. The
// digits come from the decimal itself; the printer only groups and separates.
func Format(a Amount) string {
	loc, ok := currencyLocale[a.Currency]
	if !ok {
		loc.symbol = string(a.Currency) + " "
		loc.tag = language.English
	}
	v := RoundHalfToEven(a.Value, 2)
	sign := ""
	if v.IsNegative() {
		sign = "-"
	}
	cents := v.Abs().Shift(2).BigInt()
	if !cents.IsInt64() {
		// di luar int64 tanpa grouping
		return sign + loc.symbol + v.Abs().StringFixed(2)
	}
	units, frac := cents.Int64()/100, cents.Int64()%100
	p := message.NewPrinter(loc.tag)
	// "0.07" -> ".07" dengan separator desimal locale
	fraction := p.Sprintf("%.2f", float64(frac)/100)[1:]
	return sign + loc.symbol + p.Sprintf("%d", units) + fraction
}

func (e *Engine) Format(a Amount) string { return Format(a) }
