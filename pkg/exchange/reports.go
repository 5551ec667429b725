package exchange

import (
	"github.com/shopspring/decimal"
)

// ReportType distinguishes the execution reports pushed to accounts.
type ReportType string

const (
	ReportAccepted  ReportType = "accepted"
	ReportTrade     ReportType = "trade"
	ReportCancelled ReportType = "cancelled"
)

// ExecutionReport is the private per-account event emitted on order
// acceptance, each fill, and cancellation. The API layer forwards these
// over the account's WebSocket channel.
type ExecutionReport struct {
	Type         ReportType      `json:"type"`
	AccountID    string          `json:"account_id"`
	OrderID      string          `json:"order_id"`
	InstrumentID string          `json:"instrument_id"`
	Status       string          `json:"status"`
	Price        decimal.Decimal `json:"price,omitempty"`
	Volume       decimal.Decimal `json:"volume,omitempty"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	VolumeLeft   decimal.Decimal `json:"volume_left"`
	Timestamp    int64           `json:"timestamp"`
}
