package orders

import (
	"github.com/shopspring/decimal"
)

// Direction is the side of an order.
type Direction int8

const (
	Buy Direction = iota
	Sell
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Offset marks whether an order opens new exposure or closes existing
// opposite-direction exposure.
type Offset int8

const (
	Open Offset = iota
	Close
)

func (o Offset) String() string {
	switch o {
	case Open:
		return "OPEN"
	case Close:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Status is the lifecycle state of an order.
//
// Transitions:
//
//	PENDING -> PARTIALLY_FILLED -> FILLED
//	PENDING -> FILLED                       (full immediate match)
//	PENDING | PARTIALLY_FILLED -> CANCELLED
//	PENDING -> REJECTED                     (admission failure, never booked)
//
// FILLED, CANCELLED and REJECTED are terminal.
type Status int8

const (
	Pending Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// Order is a limit order tracked by the registry.
type Order struct {
	ID           string
	AccountID    string
	InstrumentID string
	Direction    Direction
	Offset       Offset

	Price  decimal.Decimal
	Volume decimal.Decimal // original volume
	Filled decimal.Decimal

	Status Status

	// Timestamps (Unix milliseconds)
	CreatedAt int64
	UpdatedAt int64
}

// Left returns the unfilled volume: Volume - Filled.
func (o *Order) Left() decimal.Decimal {
	return o.Volume.Sub(o.Filled)
}

// Active reports whether the order can still trade or be cancelled.
func (o *Order) Active() bool {
	return !o.Status.Terminal()
}
