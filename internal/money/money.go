// Package money holds the rounding and conversion primitives every total in
// the settlement engine is built from. USD rounds up to the cent so the shop
// never under-collects; SOS has no subunit and rounds to the nearest shilling.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

func RoundUSD(x decimal.Decimal) decimal.Decimal {
	return x.RoundCeil(2)
}

func RoundSOS(x decimal.Decimal) decimal.Decimal {
	return x.Round(0)
}

// ToUSDEquivalent converts shillings to dollars at rate (SOS per USD).
// A non-positive rate yields zero rather than a division error.
func ToUSDEquivalent(sos decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return RoundUSD(sos.Div(rate))
}

func ToSOSEquivalent(usd decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return RoundSOS(usd.Mul(rate))
}

// ParseAmount reads operator input such as " 1,250.50" or "$12". It reports
// false when the input is not a number.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

// NonNegative clamps x to zero from below.
func NonNegative(x decimal.Decimal) decimal.Decimal {
	if x.IsNegative() {
		return decimal.Zero
	}
	return x
}
