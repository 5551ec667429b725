package instrument

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Status defines the trading status of an instrument.
type Status int8

const (
	Active  Status = iota // Trading enabled
	Paused                // Trading halted (emergency)
	Settled               // Contract expired, terminal
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Instrument defines the contract parameters for a tradable future.
//
// MarginRate is the fraction of order notional frozen as margin when a
// position is opened (margin = price x volume x rate). CommissionRate is
// charged on traded notional for both counterparties at settlement.
type Instrument struct {
	ID             string
	MarginRate     decimal.Decimal
	CommissionRate decimal.Decimal

	// PriceTick: minimum price increment. Zero disables the tick check.
	PriceTick decimal.Decimal

	// MinVolume: minimum order volume. Zero disables the check.
	MinVolume decimal.Decimal

	Status Status
}

// New creates an instrument with validated parameters.
func New(id string, marginRate, commissionRate decimal.Decimal) (*Instrument, error) {
	ins := &Instrument{
		ID:             id,
		MarginRate:     marginRate,
		CommissionRate: commissionRate,
		Status:         Active,
	}
	if err := ins.Validate(); err != nil {
		return nil, fmt.Errorf("invalid instrument params: %w", err)
	}
	return ins, nil
}

// Validate checks parameter sanity.
func (i *Instrument) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("instrument id cannot be empty")
	}
	if !i.MarginRate.IsPositive() || i.MarginRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("margin rate must be in (0, 1]: %s", i.MarginRate)
	}
	if i.CommissionRate.IsNegative() {
		return fmt.Errorf("commission rate cannot be negative: %s", i.CommissionRate)
	}
	if i.PriceTick.IsNegative() {
		return fmt.Errorf("price tick cannot be negative: %s", i.PriceTick)
	}
	if i.MinVolume.IsNegative() {
		return fmt.Errorf("min volume cannot be negative: %s", i.MinVolume)
	}
	return nil
}

// ValidateOrder checks an order's price and volume against contract rules.
func (i *Instrument) ValidateOrder(price, volume decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive: %s", price)
	}
	if !volume.IsPositive() {
		return fmt.Errorf("volume must be positive: %s", volume)
	}
	if i.PriceTick.IsPositive() && !price.Mod(i.PriceTick).IsZero() {
		return fmt.Errorf("price %s not a multiple of tick %s", price, i.PriceTick)
	}
	if i.MinVolume.IsPositive() && volume.LessThan(i.MinVolume) {
		return fmt.Errorf("volume %s below minimum %s", volume, i.MinVolume)
	}
	return nil
}

// Margin returns the margin required to open volume at price.
func (i *Instrument) Margin(price, volume decimal.Decimal) decimal.Decimal {
	return price.Mul(volume).Mul(i.MarginRate)
}

// Commission returns the fee charged on a trade of volume at price.
func (i *Instrument) Commission(price, volume decimal.Decimal) decimal.Decimal {
	return price.Mul(volume).Mul(i.CommissionRate)
}
