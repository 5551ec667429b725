package orders

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an order ID is unknown.
	ErrNotFound = errors.New("order not found")

	// ErrNotCancellable is returned when cancelling an order that already
	// reached a terminal state.
	ErrNotCancellable = errors.New("order not cancellable")

	// ErrInvalidFillVolume signals a fill that would exceed the order's
	// original volume. It indicates an internal consistency fault: the
	// matching engine never emits such fills in correct operation.
	ErrInvalidFillVolume = errors.New("fill volume exceeds order volume")

	// ErrDuplicateOrder is returned when registering an already known ID.
	ErrDuplicateOrder = errors.New("duplicate order id")
)

// Registry owns the lifecycle state of every order ever submitted.
// Fills and cancels go through transition methods that enforce the
// status state machine; terminal orders are immutable.
type Registry struct {
	mu        sync.RWMutex
	orders    map[string]*Order            // id -> order
	byAccount map[string]map[string]struct{} // account id -> active order ids
}

func NewRegistry() *Registry {
	return &Registry{
		orders:    make(map[string]*Order),
		byAccount: make(map[string]map[string]struct{}),
	}
}

// Register adds a new order with status PENDING.
func (r *Registry) Register(o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	o.Status = Pending
	o.Filled = decimal.Zero
	r.orders[o.ID] = o

	active, ok := r.byAccount[o.AccountID]
	if !ok {
		active = make(map[string]struct{})
		r.byAccount[o.AccountID] = active
	}
	active[o.ID] = struct{}{}
	return nil
}

// ApplyFill records a fill of volume at price, moving the order to
// PARTIALLY_FILLED or FILLED. now is the fill time in Unix milliseconds.
func (r *Registry) ApplyFill(id string, volume decimal.Decimal, now int64) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, exists := r.orders[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidFillVolume, id, o.Status)
	}

	filled := o.Filled.Add(volume)
	if filled.GreaterThan(o.Volume) {
		return nil, fmt.Errorf("%w: order %s filled %s of %s", ErrInvalidFillVolume, id, filled, o.Volume)
	}

	o.Filled = filled
	o.UpdatedAt = now
	if filled.Equal(o.Volume) {
		o.Status = Filled
		r.dropActive(o)
	} else {
		o.Status = PartiallyFilled
	}

	snap := *o
	return &snap, nil
}

// Cancel transitions a PENDING or PARTIALLY_FILLED order to CANCELLED and
// returns the volume that was still unfilled. Terminal orders fail with
// ErrNotCancellable; the caller observes the race loser cleanly.
func (r *Registry) Cancel(id string, now int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, exists := r.orders[id]
	if !exists {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o.Status.Terminal() {
		return decimal.Zero, fmt.Errorf("%w: order %s is %s", ErrNotCancellable, id, o.Status)
	}

	left := o.Left()
	o.Status = Cancelled
	o.UpdatedAt = now
	r.dropActive(o)
	return left, nil
}

// Lookup returns a snapshot copy of the order.
func (r *Registry) Lookup(id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, exists := r.orders[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := *o
	return &snap, nil
}

// ActiveByAccount returns snapshots of the account's non-terminal orders.
func (r *Registry) ActiveByAccount(accountID string) []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byAccount[accountID]
	out := make([]*Order, 0, len(ids))
	for id := range ids {
		if o, ok := r.orders[id]; ok {
			snap := *o
			out = append(out, &snap)
		}
	}
	return out
}

// Restore seeds the registry from persisted orders at startup. Active
// orders re-enter the per-account index.
func (r *Registry) Restore(list []*Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range list {
		r.orders[o.ID] = o
		if o.Status.Terminal() {
			continue
		}
		active, ok := r.byAccount[o.AccountID]
		if !ok {
			active = make(map[string]struct{})
			r.byAccount[o.AccountID] = active
		}
		active[o.ID] = struct{}{}
	}
}

// Count returns the total number of registered orders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// dropActive removes a terminal order from the per-account active index.
// Caller holds r.mu.
func (r *Registry) dropActive(o *Order) {
	if active, ok := r.byAccount[o.AccountID]; ok {
		delete(active, o.ID)
		if len(active) == 0 {
			delete(r.byAccount, o.AccountID)
		}
	}
}
