package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// sqrtDecimal approximates the square root of a non-negative decimal via
// Newton's method, adapted from the teacher's Bollinger-band helper.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}
	x := d
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(decimal.NewFromInt(2))
	}
	return x
}

// meanStdDev returns the sample mean and population standard deviation of
// a non-empty decimal slice.
func meanStdDev(values []decimal.Decimal) (mean, stdDev decimal.Decimal) {
	n := decimal.NewFromInt(int64(len(values)))
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	mean = sum.Div(n)

	variance := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(n)
	stdDev = sqrtDecimal(variance)
	return mean, stdDev
}

// symbolFor derives the strategy-facing symbol from a token address, in
// the "MEME_<first 6 chars>" convention used across the strategy roster.
func symbolFor(tokenAddress string) string {
	if len(tokenAddress) < 6 {
		return "MEME_" + tokenAddress
	}
	return "MEME_" + tokenAddress[:6]
}

// dptr returns a pointer to a decimal.Decimal value, for the optional
// fields in types.RiskMetrics/Position.
func dptr(d decimal.Decimal) *decimal.Decimal { return &d }

// cooldownPassed reports whether at least window has elapsed since last,
// treating a zero last as "no prior signal".
func cooldownPassed(last time.Time, now time.Time, window time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= window
}
