package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/qfex/qfex/pkg/exchange/book"
	"github.com/qfex/qfex/pkg/exchange/ledger"
	"github.com/qfex/qfex/pkg/exchange/orders"
	"github.com/qfex/qfex/pkg/exchange/position"
)

// Store provides Pebble-based persistence for accounts, positions, orders
// and trades. Thread safety comes from the exchange's own serialization;
// the store itself only guarantees atomicity of batch commits.
type Store struct {
	db *pebble.DB
}

// Open opens a Pebble database at the given path.
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAccount persists an account snapshot.
func (s *Store) SaveAccount(snap ledger.Snapshot) error {
	return s.put(accountKey(snap.ID), snap, pebble.Sync)
}

// LoadAccounts loads every persisted account snapshot.
func (s *Store) LoadAccounts() ([]ledger.Snapshot, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var snaps []ledger.Snapshot
	for iter.First(); iter.Valid(); iter.Next() {
		var snap ledger.Snapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			continue // skip corrupt entries
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// SavePosition persists a position; empty positions are deleted.
func (s *Store) SavePosition(pos *position.Position) error {
	return s.put(positionKey(pos.AccountID, pos.InstrumentID), pos, pebble.Sync)
}

// DeletePosition removes a pruned (flat) position.
func (s *Store) DeletePosition(accountID, instrumentID string) error {
	return s.db.Delete(positionKey(accountID, instrumentID), pebble.Sync)
}

// LoadPositions loads every persisted position.
func (s *Store) LoadPositions() ([]*position.Position, error) {
	prefix := []byte(prefixPosition)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*position.Position
	for iter.First(); iter.Valid(); iter.Next() {
		var pos position.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			continue
		}
		out = append(out, &pos)
	}
	return out, nil
}

// SaveOrder persists an order.
func (s *Store) SaveOrder(o *orders.Order) error {
	return s.put(orderKey(o.ID), o, pebble.Sync)
}

// LoadOrders loads every persisted order.
func (s *Store) LoadOrders() ([]*orders.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*orders.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o orders.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		out = append(out, &o)
	}
	return out, nil
}

// RecentTrades returns up to limit trades for an instrument, newest first.
func (s *Store) RecentTrades(instrumentID string, limit int) ([]*book.Trade, error) {
	prefix := tradePrefix(instrumentID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*book.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var tr book.Trade
		if err := json.Unmarshal(iter.Value(), &tr); err != nil {
			continue
		}
		trades = append(trades, &tr)
	}
	return trades, nil
}

func (s *Store) put(key []byte, v any, sync *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Batch groups the writes of one settlement so a trade, its orders, both
// accounts and both positions commit atomically: a crash mid-settlement
// is never observable as a torn state after restart.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SaveAccount(snap ledger.Snapshot) error {
	return b.set(accountKey(snap.ID), snap)
}

func (b *Batch) SavePosition(pos *position.Position) error {
	return b.set(positionKey(pos.AccountID, pos.InstrumentID), pos)
}

func (b *Batch) DeletePosition(accountID, instrumentID string) error {
	return b.batch.Delete(positionKey(accountID, instrumentID), nil)
}

func (b *Batch) SaveOrder(o *orders.Order) error {
	return b.set(orderKey(o.ID), o)
}

func (b *Batch) SaveTrade(tr *book.Trade) error {
	return b.set(tradeKey(tr.InstrumentID, tr.Timestamp, tr.ID), tr)
}

// Commit writes the batch atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}

func (b *Batch) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.batch.Set(key, data, nil)
}
