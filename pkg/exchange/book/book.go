package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/qfex/qfex/pkg/exchange/orders"
)

// Fill is one match between the incoming (taker) order and a resting
// (maker) order. Price is always the maker's price: price improvement
// goes to the incoming order.
type Fill struct {
	TakerOrderID string
	MakerOrderID string
	Price        decimal.Decimal
	Volume       decimal.Decimal
}

// Level is an aggregated depth entry for snapshots.
type Level struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// resting is a booked order awaiting a match.
type resting struct {
	orderID   string
	direction orders.Direction
	price     decimal.Decimal
	left      decimal.Decimal
}

// level is one price with its FIFO queue of resting orders.
type level struct {
	price decimal.Decimal
	queue []*resting
}

// Book is the price-time-priority order book for one instrument.
//
// Bids are kept sorted by price descending, asks ascending; ties at a
// price fill strictly in arrival order. The book's mutex is the single-
// writer discipline for this instrument: Submit and Cancel serialize on
// it, and no I/O happens while it is held.
type Book struct {
	mu sync.Mutex

	instrumentID string
	bids         []*level // price descending
	asks         []*level // price ascending
	index        map[string]*resting

	lastPrice decimal.Decimal
}

func NewBook(instrumentID string) *Book {
	return &Book{
		instrumentID: instrumentID,
		index:        make(map[string]*resting),
	}
}

// Submit matches an incoming limit order against the opposite side and
// rests any remainder on its own side. Returns the fills in execution
// order; multiple resting orders may be hit by one submission.
func (b *Book) Submit(orderID string, dir orders.Direction, price, volume decimal.Decimal) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fills []Fill
	left := volume

	if dir == orders.Buy {
		// Walk asks from the lowest price while it crosses.
		for left.IsPositive() && len(b.asks) > 0 && b.asks[0].price.LessThanOrEqual(price) {
			left = b.matchLevel(orderID, b.asks[0], left, &fills)
			if len(b.asks[0].queue) == 0 {
				b.asks = b.asks[1:]
			}
		}
	} else {
		// Walk bids from the highest price while it crosses.
		for left.IsPositive() && len(b.bids) > 0 && b.bids[0].price.GreaterThanOrEqual(price) {
			left = b.matchLevel(orderID, b.bids[0], left, &fills)
			if len(b.bids[0].queue) == 0 {
				b.bids = b.bids[1:]
			}
		}
	}

	if left.IsPositive() {
		b.rest(&resting{orderID: orderID, direction: dir, price: price, left: left})
	}
	return fills
}

// matchLevel fills the incoming order against one price level's FIFO
// queue. Returns the incoming volume still unmatched.
func (b *Book) matchLevel(takerID string, lvl *level, left decimal.Decimal, fills *[]Fill) decimal.Decimal {
	for left.IsPositive() && len(lvl.queue) > 0 {
		maker := lvl.queue[0]
		match := decimal.Min(left, maker.left)

		left = left.Sub(match)
		maker.left = maker.left.Sub(match)
		b.lastPrice = lvl.price
		*fills = append(*fills, Fill{
			TakerOrderID: takerID,
			MakerOrderID: maker.orderID,
			Price:        lvl.price,
			Volume:       match,
		})

		if maker.left.IsZero() {
			lvl.queue = lvl.queue[1:]
			delete(b.index, maker.orderID)
		}
	}
	return left
}

// Cancel removes a resting order and returns its unfilled volume.
// Returns false when the order is not on the book (already fully filled,
// cancelled, or never rested).
func (b *Book) Cancel(orderID string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.index[orderID]
	if !ok {
		return decimal.Zero, false
	}
	delete(b.index, orderID)

	side := &b.asks
	if r.direction == orders.Buy {
		side = &b.bids
	}

	for i, lvl := range *side {
		if !lvl.price.Equal(r.price) {
			continue
		}
		for j, q := range lvl.queue {
			if q.orderID == orderID {
				lvl.queue = append(lvl.queue[:j], lvl.queue[j+1:]...)
				break
			}
		}
		if len(lvl.queue) == 0 {
			*side = append((*side)[:i], (*side)[i+1:]...)
		}
		break
	}
	return r.left, true
}

// rest inserts a remainder into its side, keeping price order and FIFO
// within a level. Caller holds b.mu.
func (b *Book) rest(r *resting) {
	b.index[r.orderID] = r

	side := &b.asks
	before := func(i int) bool { return b.asks[i].price.GreaterThanOrEqual(r.price) }
	if r.direction == orders.Buy {
		side = &b.bids
		before = func(i int) bool { return b.bids[i].price.LessThanOrEqual(r.price) }
	}

	i := sort.Search(len(*side), before)
	if i < len(*side) && (*side)[i].price.Equal(r.price) {
		(*side)[i].queue = append((*side)[i].queue, r)
		return
	}

	lvl := &level{price: r.price, queue: []*resting{r}}
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = lvl
}

// Depth returns aggregated bid and ask levels, best price first.
func (b *Book) Depth() (bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, lvl := range b.bids {
		bids = append(bids, Level{Price: lvl.price, Volume: levelVolume(lvl)})
	}
	for _, lvl := range b.asks {
		asks = append(asks, Level{Price: lvl.price, Volume: levelVolume(lvl)})
	}
	return bids, asks
}

// LastPrice returns the most recent fill price, zero before any trade.
func (b *Book) LastPrice() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

func levelVolume(lvl *level) decimal.Decimal {
	total := decimal.Zero
	for _, r := range lvl.queue {
		total = total.Add(r.left)
	}
	return total
}
