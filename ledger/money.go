package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits kept on every money field.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// IsMoney reports whether d has at most MoneyPlaces fractional digits.
func IsMoney(d decimal.Decimal) bool { return d.Equal(d.Truncate(MoneyPlaces)) }

// ParseMoney parses a decimal string and rejects sub-cent precision.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("not a decimal: %q", s)}
	}
	if !IsMoney(d) {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("more than %d decimal places: %s", MoneyPlaces, s)}
	}
	return d, nil
}

// MustMoney is ParseMoney for literals in tests and fixtures.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ToMinorUnits converts an amount to the integer smallest currency unit
// expected by card gateways (cents, paisa).
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(MoneyPlaces).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -MoneyPlaces)
}

func sumInstallments(insts []Installment, keep func(Installment) bool) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range insts {
		if keep == nil || keep(inst) {
			total = total.Add(inst.Amount)
		}
	}
	return total
}
