package book

import (
	"github.com/shopspring/decimal"
)

// Trade is the record of one match, consumed immediately by settlement.
type Trade struct {
	ID           string
	InstrumentID string
	BuyOrderID   string
	SellOrderID  string
	Price        decimal.Decimal
	Volume       decimal.Decimal
	Timestamp    int64 // Unix milliseconds
}
