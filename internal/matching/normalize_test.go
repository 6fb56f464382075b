package matching

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Chick-fil-A #1234":    "CHICKFILA 1234",
		"  whole   foods\tmkt ": "WHOLE FOODS MKT",
		"Trader Joe's":         "TRADER JOES",
		"STARBUCKS":            "STARBUCKS",
		"***":                  "",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), in)
	}
}

func TestRoundUp(t *testing.T) {
	cases := []struct {
		amount     string
		multiplier string
		want       string
	}{
		{"4.50", "1", "0.50"},
		{"10.00", "1", "1.00"},
		{"0.01", "1", "0.99"},
		{"3.27", "2", "1.46"},
		{"7.67", "1.5", "0.50"},
		{"12.00", "2", "2.00"},
		{"-4.25", "1", "0.75"},
		{"4.25", "0", "0.75"},
	}
	for _, tc := range cases {
		got := RoundUp(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.multiplier))
		require.True(t, got.Equal(decimal.RequireFromString(tc.want)), "%s x %s = %s", tc.amount, tc.multiplier, got)
	}
}
