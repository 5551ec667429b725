package api

import (
	"github.com/shopspring/decimal"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// InstrumentInfo represents an instrument's static configuration
type InstrumentInfo struct {
	ID             string          `json:"id"`             // e.g., "IX2401"
	Status         string          `json:"status"`         // "ACTIVE", "PAUSED", "SETTLED"
	MarginRate     decimal.Decimal `json:"marginRate"`     // Fraction of notional frozen on open
	CommissionRate decimal.Decimal `json:"commissionRate"` // Fraction of traded notional charged
	PriceTick      decimal.Decimal `json:"priceTick"`      // Minimum price increment
	MinVolume      decimal.Decimal `json:"minVolume"`      // Minimum order volume
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	InstrumentID string       `json:"instrumentId"`
	Bids         []PriceLevel `json:"bids"`      // Sorted high to low
	Asks         []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp    int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel represents aggregated volume at one price
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// TradeInfo represents a recent trade
type TradeInfo struct {
	ID           string          `json:"id"`
	InstrumentID string          `json:"instrumentId"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	Timestamp    int64           `json:"timestamp"` // Unix milliseconds
}

// AccountInfo represents account cash state
type AccountInfo struct {
	AccountID string          `json:"accountId"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Balance   decimal.Decimal `json:"balance"`   // Total equity
	Frozen    decimal.Decimal `json:"frozen"`    // Margin locked by open orders and positions
	Available decimal.Decimal `json:"available"` // Balance - Frozen
	Active    bool            `json:"active"`
}

// PositionInfo represents one instrument's position
type PositionInfo struct {
	InstrumentID string          `json:"instrumentId"`
	VolumeLong   decimal.Decimal `json:"volumeLong"`
	VolumeShort  decimal.Decimal `json:"volumeShort"`
	FrozenLong   decimal.Decimal `json:"frozenLong"`  // Long volume promised to pending closes
	FrozenShort  decimal.Decimal `json:"frozenShort"` // Short volume promised to pending closes
	Margin       decimal.Decimal `json:"margin"`      // Settled margin held for the position
}

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"accountId"`
	InstrumentID string          `json:"instrumentId"`
	Direction    string          `json:"direction"` // "BUY" or "SELL"
	Offset       string          `json:"offset"`    // "OPEN" or "CLOSE"
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	Filled       decimal.Decimal `json:"filled"`
	Left         decimal.Decimal `json:"left"`
	Status       string          `json:"status"`
	CreatedAt    int64           `json:"createdAt"` // Unix milliseconds
	UpdatedAt    int64           `json:"updatedAt"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:IX2401", "account:<id>"]
}

// OrderbookUpdate is broadcast on the instrument's orderbook channel
type OrderbookUpdate struct {
	Type         string       `json:"type"` // "orderbook"
	InstrumentID string       `json:"instrumentId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    int64        `json:"timestamp"`
}

// ==============================
// REST Request Types
// ==============================

// OpenAccountRequest is the payload for POST /api/v1/accounts
type OpenAccountRequest struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
	InitCash decimal.Decimal `json:"initCash"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	UserID       string          `json:"userId"`
	AccountID    string          `json:"accountId"`
	InstrumentID string          `json:"instrumentId"`
	Direction    string          `json:"direction"` // "BUY" or "SELL"
	Offset       string          `json:"offset"`    // "OPEN" or "CLOSE"
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string `json:"status"` // "accepted"
	OrderID string `json:"orderId"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
