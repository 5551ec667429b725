package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Account holds the cash side of one trading account.
//
// Invariant: Frozen >= 0 and Available = Balance - Frozen >= 0. Frozen is
// margin reserved by open orders and held positions. Accounts are never
// deleted, only deactivated.
type Account struct {
	mu sync.Mutex

	ID       string
	UserID   string
	UserName string

	Balance decimal.Decimal // total equity
	Frozen  decimal.Decimal // reserved margin

	Active    bool
	CreatedAt int64 // Unix milliseconds
}

// Snapshot is an immutable read of an account's cash state.
type Snapshot struct {
	ID        string
	UserID    string
	UserName  string
	Balance   decimal.Decimal
	Frozen    decimal.Decimal
	Available decimal.Decimal
	Active    bool
	CreatedAt int64
}

// snapshotLocked copies the account state. Caller holds a.mu.
func (a *Account) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        a.ID,
		UserID:    a.UserID,
		UserName:  a.UserName,
		Balance:   a.Balance,
		Frozen:    a.Frozen,
		Available: a.Balance.Sub(a.Frozen),
		Active:    a.Active,
		CreatedAt: a.CreatedAt,
	}
}
