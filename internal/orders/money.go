package orders

import (
	"github.com/shopspring/decimal"
)

// Cents is a currency amount in minor units. All arithmetic stays integral;
// decimal is used only at the API edge.
type Cents int64

func (c Cents) Decimal() decimal.Decimal { return decimal.New(int64(c), -2) }

func (c Cents) String() string { return c.Decimal().StringFixed(2) }

// ParseAmount converts a decimal amount to Cents, rejecting negatives and sub-cent precision.
func ParseAmount(d decimal.Decimal) (Cents, error) {
	if d.IsNegative() {
		return 0, InvalidInput("negative amount %s", d.String())
	}
	shifted := d.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, InvalidInput("amount %s has sub-cent precision", d.String())
	}
	return Cents(shifted.IntPart()), nil
}
