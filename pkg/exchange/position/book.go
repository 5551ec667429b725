package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/qfex/qfex/pkg/exchange/orders"
)

var (
	// ErrInsufficient is returned when a close would exceed the held
	// opposite-side volume. Admission-time reservation makes this
	// unreachable at settlement in correct operation.
	ErrInsufficient = errors.New("position insufficient")
)

// Book owns per-instrument long/short volume for every account. Entries
// are keyed by account; each account's entry carries its own mutex so
// different accounts never contend.
type Book struct {
	mu       sync.RWMutex
	accounts map[string]*accountPositions // account id -> positions
}

type accountPositions struct {
	mu           sync.Mutex
	byInstrument map[string]*Position
}

func NewBook() *Book {
	return &Book{
		accounts: make(map[string]*accountPositions),
	}
}

// Reserve marks close volume as promised by a pending CLOSE order: a SELL
// close reserves long volume, a BUY close reserves short volume. Fails
// with ErrInsufficient when unreserved volume on that side is too small.
func (b *Book) Reserve(accountID, instrumentID string, dir orders.Direction, volume decimal.Decimal) error {
	ap := b.entry(accountID)
	ap.mu.Lock()
	defer ap.mu.Unlock()

	pos := ap.byInstrument[instrumentID]
	if pos == nil {
		return fmt.Errorf("%w: account %s holds no %s", ErrInsufficient, accountID, instrumentID)
	}

	if dir == orders.Sell { // closing long
		free := pos.VolumeLong.Sub(pos.FrozenLong)
		if free.LessThan(volume) {
			return fmt.Errorf("%w: account %s long %s free, close %s", ErrInsufficient, accountID, free, volume)
		}
		pos.FrozenLong = pos.FrozenLong.Add(volume)
	} else { // closing short
		free := pos.VolumeShort.Sub(pos.FrozenShort)
		if free.LessThan(volume) {
			return fmt.Errorf("%w: account %s short %s free, close %s", ErrInsufficient, accountID, free, volume)
		}
		pos.FrozenShort = pos.FrozenShort.Add(volume)
	}
	return nil
}

// Unreserve returns close volume reserved by a cancelled or rejected CLOSE
// order. Clamped at zero.
func (b *Book) Unreserve(accountID, instrumentID string, dir orders.Direction, volume decimal.Decimal) {
	ap := b.entry(accountID)
	ap.mu.Lock()
	defer ap.mu.Unlock()

	pos := ap.byInstrument[instrumentID]
	if pos == nil {
		return
	}

	if dir == orders.Sell {
		pos.FrozenLong = pos.FrozenLong.Sub(volume)
		if pos.FrozenLong.IsNegative() {
			pos.FrozenLong = decimal.Zero
		}
	} else {
		pos.FrozenShort = pos.FrozenShort.Sub(volume)
		if pos.FrozenShort.IsNegative() {
			pos.FrozenShort = decimal.Zero
		}
	}
	b.prune(accountID, instrumentID, ap, pos)
}

// ApplyOpen settles an OPEN fill: a BUY increases long volume, a SELL
// increases short volume. margin is the settled margin for the filled
// volume; the side's average open price is volume-weighted.
func (b *Book) ApplyOpen(accountID, instrumentID string, dir orders.Direction, volume, price, margin decimal.Decimal) {
	ap := b.entry(accountID)
	ap.mu.Lock()
	defer ap.mu.Unlock()

	pos := ap.byInstrument[instrumentID]
	if pos == nil {
		pos = &Position{AccountID: accountID, InstrumentID: instrumentID}
		ap.byInstrument[instrumentID] = pos
	}

	if dir == orders.Buy {
		pos.AvgOpenLong = weightedAvg(pos.AvgOpenLong, pos.VolumeLong, price, volume)
		pos.VolumeLong = pos.VolumeLong.Add(volume)
		pos.MarginLong = pos.MarginLong.Add(margin)
	} else {
		pos.AvgOpenShort = weightedAvg(pos.AvgOpenShort, pos.VolumeShort, price, volume)
		pos.VolumeShort = pos.VolumeShort.Add(volume)
		pos.MarginShort = pos.MarginShort.Add(margin)
	}
}

// CloseResult is the cash effect of settling a CLOSE fill.
type CloseResult struct {
	// ReleasedMargin is the pro-rata share of the side's settled margin.
	ReleasedMargin decimal.Decimal
	// RealizedPnL is (price - avg open) x volume for closing long,
	// (avg open - price) x volume for closing short.
	RealizedPnL decimal.Decimal
}

// CloseQuote computes the cash effect a CLOSE fill would have without
// settling it. Read-only; used to build a trade's ledger deltas before
// anything is committed.
func (b *Book) CloseQuote(accountID, instrumentID string, dir orders.Direction, volume, price decimal.Decimal) (CloseResult, error) {
	ap := b.entry(accountID)
	ap.mu.Lock()
	defer ap.mu.Unlock()

	pos := ap.byInstrument[instrumentID]
	if pos == nil {
		return CloseResult{}, fmt.Errorf("%w: account %s holds no %s", ErrInsufficient, accountID, instrumentID)
	}
	return closeEffect(pos, accountID, dir, volume, price)
}

// ApplyClose settles a CLOSE fill, consuming volume reserved at admission.
// A SELL close reduces long volume, a BUY close reduces short volume.
// Volumes never go negative; a shortfall here is an internal fault since
// admission reserved the volume.
func (b *Book) ApplyClose(accountID, instrumentID string, dir orders.Direction, volume, price decimal.Decimal) (CloseResult, error) {
	ap := b.entry(accountID)
	ap.mu.Lock()
	defer ap.mu.Unlock()

	pos := ap.byInstrument[instrumentID]
	if pos == nil {
		return CloseResult{}, fmt.Errorf("%w: account %s holds no %s", ErrInsufficient, accountID, instrumentID)
	}

	res, err := closeEffect(pos, accountID, dir, volume, price)
	if err != nil {
		return CloseResult{}, err
	}

	if dir == orders.Sell { // closing long
		pos.VolumeLong = pos.VolumeLong.Sub(volume)
		pos.FrozenLong = pos.FrozenLong.Sub(volume)
		pos.MarginLong = pos.MarginLong.Sub(res.ReleasedMargin)
		if pos.VolumeLong.IsZero() {
			pos.MarginLong = decimal.Zero
			pos.AvgOpenLong = decimal.Zero
		}
	} else { // closing short
		pos.VolumeShort = pos.VolumeShort.Sub(volume)
		pos.FrozenShort = pos.FrozenShort.Sub(volume)
		pos.MarginShort = pos.MarginShort.Sub(res.ReleasedMargin)
		if pos.VolumeShort.IsZero() {
			pos.MarginShort = decimal.Zero
			pos.AvgOpenShort = decimal.Zero
		}
	}

	b.prune(accountID, instrumentID, ap, pos)
	return res, nil
}

// closeEffect computes released margin and realized P&L for a close
// against the current position state. Caller holds the entry mutex.
func closeEffect(pos *Position, accountID string, dir orders.Direction, volume, price decimal.Decimal) (CloseResult, error) {
	var res CloseResult
	if dir == orders.Sell { // closing long
		if pos.VolumeLong.LessThan(volume) || pos.FrozenLong.LessThan(volume) {
			return CloseResult{}, fmt.Errorf("%w: account %s long %s (frozen %s), close %s",
				ErrInsufficient, accountID, pos.VolumeLong, pos.FrozenLong, volume)
		}
		res.ReleasedMargin = prorate(pos.MarginLong, volume, pos.VolumeLong)
		res.RealizedPnL = price.Sub(pos.AvgOpenLong).Mul(volume)
	} else { // closing short
		if pos.VolumeShort.LessThan(volume) || pos.FrozenShort.LessThan(volume) {
			return CloseResult{}, fmt.Errorf("%w: account %s short %s (frozen %s), close %s",
				ErrInsufficient, accountID, pos.VolumeShort, pos.FrozenShort, volume)
		}
		res.ReleasedMargin = prorate(pos.MarginShort, volume, pos.VolumeShort)
		res.RealizedPnL = pos.AvgOpenShort.Sub(price).Mul(volume)
	}
	return res, nil
}

// Query returns a snapshot of all non-empty positions for an account,
// sorted by instrument ID. Read-only, no side effects.
func (b *Book) Query(accountID string) []Snapshot {
	b.mu.RLock()
	ap := b.accounts[accountID]
	b.mu.RUnlock()
	if ap == nil {
		return nil
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	out := make([]Snapshot, 0, len(ap.byInstrument))
	for _, pos := range ap.byInstrument {
		out = append(out, pos.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// Get returns a copy of one position for persistence, and whether it
// still exists (empty positions are pruned).
func (b *Book) Get(accountID, instrumentID string) (Position, bool) {
	b.mu.RLock()
	ap := b.accounts[accountID]
	b.mu.RUnlock()
	if ap == nil {
		return Position{}, false
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	pos := ap.byInstrument[instrumentID]
	if pos == nil {
		return Position{}, false
	}
	return *pos, true
}

// Restore seeds the book from persisted positions at startup.
func (b *Book) Restore(positions []*Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pos := range positions {
		ap, ok := b.accounts[pos.AccountID]
		if !ok {
			ap = &accountPositions{byInstrument: make(map[string]*Position)}
			b.accounts[pos.AccountID] = ap
		}
		ap.byInstrument[pos.InstrumentID] = pos
	}
}

// entry returns the account's position set, creating it if needed.
func (b *Book) entry(accountID string) *accountPositions {
	b.mu.RLock()
	ap := b.accounts[accountID]
	b.mu.RUnlock()
	if ap != nil {
		return ap
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ap = b.accounts[accountID]; ap == nil {
		ap = &accountPositions{byInstrument: make(map[string]*Position)}
		b.accounts[accountID] = ap
	}
	return ap
}

// prune drops an empty position entry. Caller holds ap.mu.
func (b *Book) prune(accountID, instrumentID string, ap *accountPositions, pos *Position) {
	if pos.empty() {
		delete(ap.byInstrument, instrumentID)
	}
}

// weightedAvg folds a new fill into a side's average open price.
func weightedAvg(avg, oldVol, price, addVol decimal.Decimal) decimal.Decimal {
	total := oldVol.Add(addVol)
	if total.IsZero() {
		return decimal.Zero
	}
	return avg.Mul(oldVol).Add(price.Mul(addVol)).Div(total)
}

// prorate returns margin x part / whole.
func prorate(margin, part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	if part.Equal(whole) {
		return margin
	}
	return margin.Mul(part).Div(whole)
}
