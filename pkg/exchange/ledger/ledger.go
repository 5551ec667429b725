package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateAccount is returned when a user already has an account.
	ErrDuplicateAccount = errors.New("account already open for user")

	// ErrInsufficientFunds is returned when a freeze exceeds available funds.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound is returned for unknown account IDs.
	ErrNotFound = errors.New("account not found")

	// ErrInactive is returned for operations on deactivated accounts.
	ErrInactive = errors.New("account deactivated")

	// ErrInvariant signals a cash invariant violation (negative available
	// after a settle). The affected account must stop processing; callers
	// treat this as fatal, not as a user error.
	ErrInvariant = errors.New("ledger invariant violated")
)

// InvariantError identifies which account a settle would drive into
// negative available. It unwraps to ErrInvariant.
type InvariantError struct {
	AccountID string
	Available decimal.Decimal
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated: account %s available %s", e.AccountID, e.Available)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Delta is the net cash effect of one trade on one account, applied
// atomically: Freeze adjusts reserved margin (negative releases), Balance
// adjusts equity (realized P&L and fees).
type Delta struct {
	Freeze  decimal.Decimal
	Balance decimal.Decimal
}

// Ledger is the source of truth for account cash state.
//
// Each account carries its own mutex so concurrent operations on different
// accounts proceed independently. Two-account settlement locks both
// accounts in ascending ID order to rule out deadlock.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account // account id -> account
	byUser   map[string]string   // user id -> account id
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		byUser:   make(map[string]string),
	}
}

// OpenAccount creates an account with balance = initCash and zero frozen
// margin. A user may hold at most one account.
func (l *Ledger) OpenAccount(userID, userName string, initCash decimal.Decimal, now int64) (Snapshot, error) {
	if initCash.IsNegative() {
		return Snapshot{}, fmt.Errorf("initial cash cannot be negative: %s", initCash)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, exists := l.byUser[userID]; exists {
		return Snapshot{}, fmt.Errorf("%w: user %s has account %s", ErrDuplicateAccount, userID, id)
	}

	acc := &Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserName:  userName,
		Balance:   initCash,
		Frozen:    decimal.Zero,
		Active:    true,
		CreatedAt: now,
	}
	l.accounts[acc.ID] = acc
	l.byUser[userID] = acc.ID
	return acc.snapshotLocked(), nil
}

// Get returns a snapshot of the account.
func (l *Ledger) Get(accountID string) (Snapshot, error) {
	acc, err := l.lookup(accountID)
	if err != nil {
		return Snapshot{}, err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.snapshotLocked(), nil
}

// Freeze reserves amount of margin. Fails with ErrInsufficientFunds when
// available < amount; no partial freeze is observable.
func (l *Ledger) Freeze(accountID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("freeze amount cannot be negative: %s", amount)
	}

	acc, err := l.lookup(accountID)
	if err != nil {
		return err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if !acc.Active {
		return fmt.Errorf("%w: %s", ErrInactive, accountID)
	}
	available := acc.Balance.Sub(acc.Frozen)
	if available.LessThan(amount) {
		return fmt.Errorf("%w: account %s available %s, need %s", ErrInsufficientFunds, accountID, available, amount)
	}
	acc.Frozen = acc.Frozen.Add(amount)
	return nil
}

// Release returns amount of reserved margin, clamped at zero frozen.
// Used on cancellation and when provisional margin exceeds settled margin.
func (l *Ledger) Release(accountID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("release amount cannot be negative: %s", amount)
	}

	acc, err := l.lookup(accountID)
	if err != nil {
		return err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.Frozen = acc.Frozen.Sub(amount)
	if acc.Frozen.IsNegative() {
		acc.Frozen = decimal.Zero
	}
	return nil
}

// Settle adjusts realized P&L and fees into balance.
func (l *Ledger) Settle(accountID string, deltaBalance decimal.Decimal) error {
	acc, err := l.lookup(accountID)
	if err != nil {
		return err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	frozen, balance, err := previewLocked(acc, acc.Frozen, acc.Balance, Delta{Balance: deltaBalance})
	if err != nil {
		return err
	}
	acc.Frozen, acc.Balance = frozen, balance
	return nil
}

// SettleTrade applies one trade's cash deltas to both counterparties
// atomically: both sides are validated against the invariants before
// either is committed, so a faulting trade leaves no trace. Locks are
// taken in ascending account-ID order; a trade within one account
// (self-match) locks once and chains both deltas.
func (l *Ledger) SettleTrade(aID, bID string, aDelta, bDelta Delta) error {
	a, err := l.lookup(aID)
	if err != nil {
		return err
	}
	b, err := l.lookup(bID)
	if err != nil {
		return err
	}

	if aID == bID {
		a.mu.Lock()
		defer a.mu.Unlock()

		frozen, balance, err := previewLocked(a, a.Frozen, a.Balance, aDelta)
		if err != nil {
			return err
		}
		frozen, balance, err = previewLocked(a, frozen, balance, bDelta)
		if err != nil {
			return err
		}
		a.Frozen, a.Balance = frozen, balance
		return nil
	}

	first, second := a, b
	firstDelta, secondDelta := aDelta, bDelta
	if bID < aID {
		first, second = b, a
		firstDelta, secondDelta = bDelta, aDelta
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	fFrozen, fBalance, err := previewLocked(first, first.Frozen, first.Balance, firstDelta)
	if err != nil {
		return err
	}
	sFrozen, sBalance, err := previewLocked(second, second.Frozen, second.Balance, secondDelta)
	if err != nil {
		return err
	}
	first.Frozen, first.Balance = fFrozen, fBalance
	second.Frozen, second.Balance = sFrozen, sBalance
	return nil
}

// Deactivate marks the account inactive. Existing state is kept; new
// freezes are refused. Used when an invariant fault halts an account.
func (l *Ledger) Deactivate(accountID string) error {
	acc, err := l.lookup(accountID)
	if err != nil {
		return err
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.Active = false
	return nil
}

// Restore seeds the ledger from persisted snapshots at startup.
func (l *Ledger) Restore(snaps []Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range snaps {
		acc := &Account{
			ID:        s.ID,
			UserID:    s.UserID,
			UserName:  s.UserName,
			Balance:   s.Balance,
			Frozen:    s.Frozen,
			Active:    s.Active,
			CreatedAt: s.CreatedAt,
		}
		l.accounts[acc.ID] = acc
		l.byUser[acc.UserID] = acc.ID
	}
}

// Count returns the number of accounts.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

func (l *Ledger) lookup(accountID string) (*Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, exists := l.accounts[accountID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	return acc, nil
}

// previewLocked computes the frozen/balance that a delta would produce
// without committing it. Frozen is clamped at zero on release; a negative
// available is reported as *InvariantError and nothing changes. Caller
// holds acc.mu.
func previewLocked(acc *Account, frozen, balance decimal.Decimal, d Delta) (decimal.Decimal, decimal.Decimal, error) {
	frozen = frozen.Add(d.Freeze)
	if frozen.IsNegative() {
		frozen = decimal.Zero
	}
	balance = balance.Add(d.Balance)
	if available := balance.Sub(frozen); available.IsNegative() {
		return decimal.Zero, decimal.Zero, &InvariantError{AccountID: acc.ID, Available: available}
	}
	return frozen, balance, nil
}
