package models

import (
	"github.com/shopspring/decimal"
)

// AmountScale is the number of minor-unit digits money is kept at
const AmountScale = 2

// ValidateAmount checks that d is a strictly positive amount with at most
// AmountScale fractional digits.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return Validation("amount must be a positive number")
	}
	if !d.Equal(d.Round(AmountScale)) {
		return Validation("amount must not have more than 2 decimal places")
	}
	return nil
}
