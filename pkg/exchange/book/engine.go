package book

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/qfex/qfex/pkg/exchange/orders"
)

// Engine owns one order book per instrument. Books are independently
// locked, so order flow on different instruments never interferes.
type Engine struct {
	mu    sync.RWMutex
	books map[string]*Book // instrument id -> book
}

func NewEngine() *Engine {
	return &Engine{
		books: make(map[string]*Book),
	}
}

// Register creates an empty book for an instrument.
func (e *Engine) Register(instrumentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.books[instrumentID]; !exists {
		e.books[instrumentID] = NewBook(instrumentID)
	}
}

// Book returns the instrument's book, or nil when not registered.
func (e *Engine) Book(instrumentID string) *Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[instrumentID]
}

// Submit routes an order to its instrument's book and returns the fills.
func (e *Engine) Submit(instrumentID, orderID string, dir orders.Direction, price, volume decimal.Decimal) ([]Fill, error) {
	b := e.Book(instrumentID)
	if b == nil {
		return nil, fmt.Errorf("no order book for instrument %s", instrumentID)
	}
	return b.Submit(orderID, dir, price, volume), nil
}

// Cancel removes a resting order from its instrument's book.
func (e *Engine) Cancel(instrumentID, orderID string) (decimal.Decimal, bool) {
	b := e.Book(instrumentID)
	if b == nil {
		return decimal.Zero, false
	}
	return b.Cancel(orderID)
}
