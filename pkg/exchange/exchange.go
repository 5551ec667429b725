package exchange

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qfex/qfex/pkg/exchange/book"
	"github.com/qfex/qfex/pkg/exchange/instrument"
	"github.com/qfex/qfex/pkg/exchange/ledger"
	"github.com/qfex/qfex/pkg/exchange/orders"
	"github.com/qfex/qfex/pkg/exchange/position"
	"github.com/qfex/qfex/pkg/storage"
	"github.com/qfex/qfex/pkg/util"
)

// SubmitRequest is a validated-at-the-boundary order submission.
type SubmitRequest struct {
	UserID       string
	AccountID    string
	InstrumentID string
	Direction    orders.Direction
	Offset       orders.Offset
	Price        decimal.Decimal
	Volume       decimal.Decimal
}

// Exchange coordinates admission, matching and settlement.
//
// Flow of a submission: margin/affordability check against the ledger
// (or close-volume reservation against the position book), registration,
// then the instrument's order book produces zero or more trades, each of
// which settles into registry, positions and ledger in order. Rejections
// short-circuit before any book mutation.
//
// Registration, matching and settlement run as one critical section per
// instrument (locks below), so a concurrent cancel sees either no order
// or fully settled fills, never a matched-but-unsettled trade.
type Exchange struct {
	log         *zap.SugaredLogger
	clock       util.Clock
	instruments *instrument.Registry
	ledger      *ledger.Ledger
	positions   *position.Book
	registry    *orders.Registry
	engine      *book.Engine
	store       *storage.Store // nil disables persistence

	lockMu sync.RWMutex
	locks  map[string]*sync.Mutex // instrument id -> submit/cancel section

	orderSeq atomic.Int64

	// OnExecution, when set, receives execution reports synchronously
	// after each accepted/trade/cancel event. Must not block.
	OnExecution func(ExecutionReport)
}

// New creates an exchange. store may be nil for a memory-only instance.
func New(log *zap.SugaredLogger, clock util.Clock, store *storage.Store) *Exchange {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Exchange{
		log:         log,
		clock:       clock,
		instruments: instrument.NewRegistry(),
		ledger:      ledger.New(),
		positions:   position.NewBook(),
		registry:    orders.NewRegistry(),
		engine:      book.NewEngine(),
		store:       store,
		locks:       make(map[string]*sync.Mutex),
	}
}

// ListInstrument registers an instrument and opens its order book.
func (e *Exchange) ListInstrument(ins *instrument.Instrument) error {
	if err := e.instruments.Register(ins); err != nil {
		return err
	}
	e.engine.Register(ins.ID)
	e.lockMu.Lock()
	e.locks[ins.ID] = &sync.Mutex{}
	e.lockMu.Unlock()
	e.log.Infow("instrument_listed", "instrument", ins.ID,
		"margin_rate", ins.MarginRate, "commission_rate", ins.CommissionRate)
	return nil
}

// Instruments returns all listed instruments.
func (e *Exchange) Instruments() []*instrument.Instrument {
	return e.instruments.List()
}

// OpenAccount creates a trading account with the given initial cash.
func (e *Exchange) OpenAccount(userID, userName string, initCash decimal.Decimal) (ledger.Snapshot, error) {
	snap, err := e.ledger.OpenAccount(userID, userName, initCash, e.clock.Now().UnixMilli())
	if err != nil {
		return ledger.Snapshot{}, err
	}
	e.persistAccount(snap.ID)
	e.log.Infow("account_opened", "account", snap.ID, "user", userID, "init_cash", initCash)
	return snap, nil
}

// GetAccount returns the account's cash snapshot.
func (e *Exchange) GetAccount(accountID string) (ledger.Snapshot, error) {
	return e.ledger.Get(accountID)
}

// GetPositions returns the account's per-instrument positions.
func (e *Exchange) GetPositions(accountID string) []position.Snapshot {
	return e.positions.Query(accountID)
}

// GetOrder returns an order snapshot.
func (e *Exchange) GetOrder(orderID string) (*orders.Order, error) {
	return e.registry.Lookup(orderID)
}

// OpenOrders returns the account's non-terminal orders, newest first.
func (e *Exchange) OpenOrders(accountID string) []*orders.Order {
	list := e.registry.ActiveByAccount(accountID)
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt > list[j].CreatedAt })
	return list
}

// Depth returns the aggregated order book for an instrument.
func (e *Exchange) Depth(instrumentID string) (bids, asks []book.Level, err error) {
	b := e.engine.Book(instrumentID)
	if b == nil {
		return nil, nil, fmt.Errorf("%w: %s", instrument.ErrNotFound, instrumentID)
	}
	bids, asks = b.Depth()
	return bids, asks, nil
}

// RecentTrades returns up to limit persisted trades, newest first.
func (e *Exchange) RecentTrades(instrumentID string, limit int) ([]*book.Trade, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.RecentTrades(instrumentID, limit)
}

// SubmitOrder validates and admits a limit order, matches it, and settles
// any resulting trades. Returns the new order's ID.
//
// Admission failures (insufficient funds, insufficient position, invalid
// request) leave no trace: no margin frozen, no book entry, no order.
func (e *Exchange) SubmitOrder(req SubmitRequest) (string, error) {
	ins, err := e.instruments.Get(req.InstrumentID)
	if err != nil {
		return "", err
	}
	if ins.Status != instrument.Active {
		return "", fmt.Errorf("%w: %s is %s", ErrInstrumentNotTradable, ins.ID, ins.Status)
	}
	if err := ins.ValidateOrder(req.Price, req.Volume); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	acc, err := e.ledger.Get(req.AccountID)
	if err != nil {
		return "", err
	}
	if acc.UserID != req.UserID {
		return "", fmt.Errorf("%w: account %s", ErrNotOwner, req.AccountID)
	}

	now := e.clock.Now().UnixMilli()

	// Admission guards: freeze the full hold (worst-case margin plus
	// commission) for opens, reserve close volume for closes. Both happen
	// before the order exists anywhere.
	if req.Offset == orders.Close {
		if err := e.positions.Reserve(req.AccountID, req.InstrumentID, req.Direction, req.Volume); err != nil {
			return "", err
		}
	} else {
		if err := e.ledger.Freeze(req.AccountID, openHold(ins, req.Price, req.Volume)); err != nil {
			return "", err
		}
	}

	// Registration through settlement is one critical section per
	// instrument: a concurrent cancel never observes a registered order
	// whose fills are still being settled.
	lock := e.instrumentLock(req.InstrumentID)
	lock.Lock()
	defer lock.Unlock()

	o := &orders.Order{
		ID:           e.nextOrderID(),
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Direction:    req.Direction,
		Offset:       req.Offset,
		Price:        req.Price,
		Volume:       req.Volume,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.registry.Register(o); err != nil {
		// Roll back the admission guard; a duplicate generated ID would be
		// an internal fault.
		e.rollbackAdmission(ins, req)
		return "", err
	}

	e.persistOrder(o.ID)
	e.persistAccount(o.AccountID)
	if o.Offset == orders.Close {
		e.persistPosition(o.AccountID, o.InstrumentID)
	}
	e.emit(ExecutionReport{
		Type: ReportAccepted, AccountID: o.AccountID, OrderID: o.ID,
		InstrumentID: o.InstrumentID, Status: o.Status.String(),
		FilledVolume: decimal.Zero, VolumeLeft: o.Volume, Timestamp: now,
	})
	e.log.Infow("order_accepted", "order", o.ID, "account", o.AccountID,
		"instrument", o.InstrumentID, "direction", o.Direction.String(),
		"offset", o.Offset.String(), "price", o.Price, "volume", o.Volume)

	fills, err := e.engine.Submit(o.InstrumentID, o.ID, o.Direction, o.Price, o.Volume)
	if err != nil {
		return o.ID, err
	}
	for _, f := range fills {
		if err := e.settleFill(ins, o.ID, f); err != nil {
			// Settlement faults are internal invariant violations; halt
			// processing of this order rather than corrupt the ledger.
			e.log.Errorw("settlement_halted", "order", o.ID, "err", err)
			return o.ID, err
		}
	}
	return o.ID, nil
}

// CancelOrder removes a resting order and releases its remaining hold or
// close reservation. It takes the instrument's submit section, so the
// race against concurrent fills resolves cleanly: either the fills are
// fully settled (cancel loses with ErrNotCancellable) or the order still
// rests with its final unfilled volume.
func (e *Exchange) CancelOrder(userID, accountID, orderID string) error {
	snap, err := e.registry.Lookup(orderID)
	if err != nil {
		return err
	}
	if snap.AccountID != accountID {
		return fmt.Errorf("%w: order %s", ErrNotOwner, orderID)
	}
	if acc, err := e.ledger.Get(accountID); err != nil || acc.UserID != userID {
		return fmt.Errorf("%w: order %s", ErrNotOwner, orderID)
	}

	lock := e.instrumentLock(snap.InstrumentID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now().UnixMilli()
	left, err := e.registry.Cancel(orderID, now)
	if err != nil {
		return err
	}
	e.engine.Cancel(snap.InstrumentID, orderID)

	ins, err := e.instruments.Get(snap.InstrumentID)
	if err != nil {
		return err
	}
	if snap.Offset == orders.Open {
		if err := e.ledger.Release(accountID, openHold(ins, snap.Price, left)); err != nil {
			return err
		}
	} else {
		e.positions.Unreserve(accountID, snap.InstrumentID, snap.Direction, left)
		e.persistPosition(accountID, snap.InstrumentID)
	}

	e.persistOrder(orderID)
	e.persistAccount(accountID)
	e.emit(ExecutionReport{
		Type: ReportCancelled, AccountID: accountID, OrderID: orderID,
		InstrumentID: snap.InstrumentID, Status: orders.Cancelled.String(),
		FilledVolume: snap.Volume.Sub(left), VolumeLeft: left, Timestamp: now,
	})
	e.log.Infow("order_cancelled", "order", orderID, "account", accountID, "released_volume", left)
	return nil
}

// settleFill applies one trade to registry, positions and ledger as one
// unit, then persists all touched state in a single atomic batch.
//
// Deltas are computed without side effects and the ledger commits both
// sides atomically or not at all, so a faulting settlement mutates
// nothing and halts only the account whose cash broke.
func (e *Exchange) settleFill(ins *instrument.Instrument, takerID string, f book.Fill) error {
	now := e.clock.Now().UnixMilli()

	maker, err := e.registry.Lookup(f.MakerOrderID)
	if err != nil {
		return err
	}
	taker, err := e.registry.Lookup(takerID)
	if err != nil {
		return err
	}

	buy, sell := taker, maker
	if taker.Direction == orders.Sell {
		buy, sell = maker, taker
	}

	buyDelta, err := e.sideDelta(ins, buy, f)
	if err != nil {
		return err
	}
	sellDelta, err := e.sideDelta(ins, sell, f)
	if err != nil {
		return err
	}

	if err := e.ledger.SettleTrade(buy.AccountID, sell.AccountID, buyDelta, sellDelta); err != nil {
		// Cash invariants broke: nothing was committed. Freeze the
		// faulting account rather than let the ledger drift; the
		// counterparty keeps trading.
		var inv *ledger.InvariantError
		if errors.As(err, &inv) {
			_ = e.ledger.Deactivate(inv.AccountID)
		}
		return err
	}

	if buy, err = e.registry.ApplyFill(buy.ID, f.Volume, now); err != nil {
		return err
	}
	if sell, err = e.registry.ApplyFill(sell.ID, f.Volume, now); err != nil {
		return err
	}
	if err := e.applyPosition(ins, buy, f); err != nil {
		return err
	}
	if err := e.applyPosition(ins, sell, f); err != nil {
		return err
	}

	tr := &book.Trade{
		ID:           uuid.NewString(),
		InstrumentID: ins.ID,
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		Price:        f.Price,
		Volume:       f.Volume,
		Timestamp:    now,
	}
	e.persistTrade(tr, buy, sell)

	for _, o := range []*orders.Order{buy, sell} {
		e.emit(ExecutionReport{
			Type: ReportTrade, AccountID: o.AccountID, OrderID: o.ID,
			InstrumentID: ins.ID, Status: o.Status.String(),
			Price: f.Price, Volume: f.Volume,
			FilledVolume: o.Filled, VolumeLeft: o.Left(), Timestamp: now,
		})
	}
	e.log.Infow("trade_settled", "trade", tr.ID, "instrument", ins.ID,
		"price", f.Price, "volume", f.Volume, "buy_order", buy.ID, "sell_order", sell.ID)
	return nil
}

// sideDelta computes one side's cash effect without touching any state.
// Each side settles at its cash basis min(trade price, own limit price):
// for opens, margin at the basis replaces the hold frozen at admission
// (excess released on price improvement, never more than was held); for
// closes, the pro-rata position margin is released and P&L realized.
// Commission at the basis is charged to both sides.
func (e *Exchange) sideDelta(ins *instrument.Instrument, o *orders.Order, f book.Fill) (ledger.Delta, error) {
	basis := cashBasis(o.Price, f.Price)
	commission := ins.Commission(basis, f.Volume)

	if o.Offset == orders.Open {
		held := openHold(ins, o.Price, f.Volume)
		settled := ins.Margin(basis, f.Volume)
		return ledger.Delta{
			Freeze:  settled.Sub(held),
			Balance: commission.Neg(),
		}, nil
	}

	res, err := e.positions.CloseQuote(o.AccountID, o.InstrumentID, o.Direction, f.Volume, f.Price)
	if err != nil {
		return ledger.Delta{}, err
	}
	return ledger.Delta{
		Freeze:  res.ReleasedMargin.Neg(),
		Balance: res.RealizedPnL.Sub(commission),
	}, nil
}

// applyPosition commits one side's position change for a settled fill.
func (e *Exchange) applyPosition(ins *instrument.Instrument, o *orders.Order, f book.Fill) error {
	if o.Offset == orders.Open {
		basis := cashBasis(o.Price, f.Price)
		margin := ins.Margin(basis, f.Volume)
		e.positions.ApplyOpen(o.AccountID, o.InstrumentID, o.Direction, f.Volume, f.Price, margin)
		return nil
	}
	_, err := e.positions.ApplyClose(o.AccountID, o.InstrumentID, o.Direction, f.Volume, f.Price)
	return err
}

// rollbackAdmission undoes the freeze/reserve of a failed registration.
func (e *Exchange) rollbackAdmission(ins *instrument.Instrument, req SubmitRequest) {
	if req.Offset == orders.Close {
		e.positions.Unreserve(req.AccountID, req.InstrumentID, req.Direction, req.Volume)
		return
	}
	if err := e.ledger.Release(req.AccountID, openHold(ins, req.Price, req.Volume)); err != nil {
		e.log.Errorw("rollback_release_failed", "account", req.AccountID, "err", err)
	}
}

// openHold is the cash reserved at admission for an OPEN order: margin
// plus commission at the limit price. Settlement at the cash basis can
// never draw more than this, so a funded order always settles.
func openHold(ins *instrument.Instrument, price, volume decimal.Decimal) decimal.Decimal {
	return ins.Margin(price, volume).Add(ins.Commission(price, volume))
}

// cashBasis is the price a side's margin and commission settle at:
// min(trade price, own limit price).
func cashBasis(limit, trade decimal.Decimal) decimal.Decimal {
	if trade.LessThan(limit) {
		return trade
	}
	return limit
}

// instrumentLock returns the instrument's submit/cancel section,
// creating one for IDs the engine knows but the map does not (restore
// paths register through ListInstrument, so this is a fallback).
func (e *Exchange) instrumentLock(instrumentID string) *sync.Mutex {
	e.lockMu.RLock()
	lock := e.locks[instrumentID]
	e.lockMu.RUnlock()
	if lock != nil {
		return lock
	}

	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if lock = e.locks[instrumentID]; lock == nil {
		lock = &sync.Mutex{}
		e.locks[instrumentID] = lock
	}
	return lock
}

// Restore reloads persisted state and rebuilds the order books by
// re-resting active orders in submission order. Resting orders never
// cross (they would have matched already), so replay produces no fills.
func (e *Exchange) Restore() error {
	if e.store == nil {
		return nil
	}

	accounts, err := e.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	e.ledger.Restore(accounts)

	positions, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	e.positions.Restore(positions)

	all, err := e.store.LoadOrders()
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	e.registry.Restore(all)

	var active []*orders.Order
	var maxSeq int64
	for _, o := range all {
		if seq := parseOrderSeq(o.ID); seq > maxSeq {
			maxSeq = seq
		}
		if !o.Status.Terminal() {
			active = append(active, o)
		}
	}
	e.orderSeq.Store(maxSeq)

	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt < active[j].CreatedAt })
	for _, o := range active {
		fills, err := e.engine.Submit(o.InstrumentID, o.ID, o.Direction, o.Price, o.Left())
		if err != nil {
			e.log.Warnw("restore_skip_order", "order", o.ID, "err", err)
			continue
		}
		if len(fills) > 0 {
			e.log.Errorw("restore_unexpected_fills", "order", o.ID, "fills", len(fills))
		}
	}

	e.log.Infow("state_restored", "accounts", len(accounts),
		"positions", len(positions), "orders", len(all), "resting", len(active))
	return nil
}

func (e *Exchange) nextOrderID() string {
	return fmt.Sprintf("EX-%d", e.orderSeq.Add(1))
}

func parseOrderSeq(id string) int64 {
	var seq int64
	if _, err := fmt.Sscanf(id, "EX-%d", &seq); err != nil {
		return 0
	}
	return seq
}

func (e *Exchange) emit(r ExecutionReport) {
	if e.OnExecution != nil {
		e.OnExecution(r)
	}
}

// persistAccount writes the account snapshot through, best effort.
func (e *Exchange) persistAccount(accountID string) {
	if e.store == nil {
		return
	}
	snap, err := e.ledger.Get(accountID)
	if err != nil {
		return
	}
	if err := e.store.SaveAccount(snap); err != nil {
		e.log.Errorw("persist_account_failed", "account", accountID, "err", err)
	}
}

func (e *Exchange) persistOrder(orderID string) {
	if e.store == nil {
		return
	}
	o, err := e.registry.Lookup(orderID)
	if err != nil {
		return
	}
	if err := e.store.SaveOrder(o); err != nil {
		e.log.Errorw("persist_order_failed", "order", orderID, "err", err)
	}
}

// persistPosition writes one position through, deleting pruned entries.
func (e *Exchange) persistPosition(accountID, instrumentID string) {
	if e.store == nil {
		return
	}
	if pos, ok := e.positions.Get(accountID, instrumentID); ok {
		if err := e.store.SavePosition(&pos); err != nil {
			e.log.Errorw("persist_position_failed", "account", accountID, "err", err)
		}
		return
	}
	if err := e.store.DeletePosition(accountID, instrumentID); err != nil {
		e.log.Errorw("persist_position_failed", "account", accountID, "err", err)
	}
}

// persistTrade commits the trade with both orders, accounts and positions
// in one batch so a crash mid-settlement is never observable as torn
// state after restart.
func (e *Exchange) persistTrade(tr *book.Trade, buy, sell *orders.Order) {
	if e.store == nil {
		return
	}

	batch := e.store.NewBatch()
	defer batch.Close()

	fail := func(err error) {
		e.log.Errorw("persist_trade_failed", "trade", tr.ID, "err", err)
	}

	if err := batch.SaveTrade(tr); err != nil {
		fail(err)
		return
	}
	for _, o := range []*orders.Order{buy, sell} {
		if err := batch.SaveOrder(o); err != nil {
			fail(err)
			return
		}
		snap, err := e.ledger.Get(o.AccountID)
		if err == nil {
			if err := batch.SaveAccount(snap); err != nil {
				fail(err)
				return
			}
		}
		if pos, ok := e.positions.Get(o.AccountID, o.InstrumentID); ok {
			if err := batch.SavePosition(&pos); err != nil {
				fail(err)
				return
			}
		} else if err := batch.DeletePosition(o.AccountID, o.InstrumentID); err != nil {
			fail(err)
			return
		}
	}
	if err := batch.Commit(); err != nil {
		fail(err)
	}
}
