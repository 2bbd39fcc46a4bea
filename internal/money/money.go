// Package money converts between the gateway's minor currency units and the
// major-unit totals stored on orders.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitsPerMajor is the number of minor units (kobo, cents) in one major unit
const MinorUnitsPerMajor = 100

// MinTransactableMinor is the smallest amount the gateway accepts, in minor units
const MinTransactableMinor int64 = 100

var minorFactor = decimal.NewFromInt(MinorUnitsPerMajor)

// ToMinor converts a major-unit amount to minor units. Amounts with more
// precision than one minor unit are rejected rather than rounded.
func ToMinor(major decimal.Decimal) (int64, error) {
	minor := major.Mul(minorFactor)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-minor-unit precision", major.String())
	}
	return minor.IntPart(), nil
}

// FromMinor converts minor units reported by the gateway to a major-unit amount
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Equal compares a gateway amount in minor units with a major-unit total exactly
func Equal(minor int64, major decimal.Decimal) bool {
	return FromMinor(minor).Equal(major)
}

// Transactable reports whether a major-unit amount meets the gateway minimum
func Transactable(major decimal.Decimal) bool {
	minor, err := ToMinor(major)
	if err != nil {
		return false
	}
	return minor >= MinTransactableMinor
}
