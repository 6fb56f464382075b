package matching

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	disallowedRunes = regexp.MustCompile(`[^A-Z0-9\s]`)
	whitespaceRuns  = regexp.MustCompile(`\s+`)
)

// Normalize upper-cases a merchant name, drops everything outside
// [A-Z0-9 ], collapses whitespace and trims.
func Normalize(name string) string {
	upper := strings.ToUpper(name)
	upper = disallowedRunes.ReplaceAllString(upper, "")
	upper = whitespaceRuns.ReplaceAllString(upper, " ")
	return strings.TrimSpace(upper)
}

var one = decimal.NewFromInt(1)

// RoundUp returns the distance to the next whole dollar (a full dollar when
// the amount is already whole) scaled by multiplier, rounded half-up to cents.
func RoundUp(amount, multiplier decimal.Decimal) decimal.Decimal {
	amount = amount.Abs()
	fraction := amount.Ceil().Sub(amount)
	if fraction.IsZero() {
		fraction = one
	}
	if multiplier.LessThanOrEqual(decimal.Zero) {
		multiplier = one
	}
	return fraction.Mul(multiplier).Round(2)
}
