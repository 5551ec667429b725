package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qfex/qfex/pkg/exchange/instrument"
	"github.com/qfex/qfex/pkg/exchange/ledger"
	"github.com/qfex/qfex/pkg/exchange/orders"
	"github.com/qfex/qfex/pkg/exchange/position"
	"github.com/qfex/qfex/pkg/storage"
	"github.com/qfex/qfex/pkg/util"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestExchange(t *testing.T, store *storage.Store) *Exchange {
	t.Helper()

	clock := util.NewStepClock(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	ex := New(zap.NewNop().Sugar(), clock, store)

	ins, err := instrument.New("IX2401", d("0.10"), d("0.0003"))
	require.NoError(t, err)
	require.NoError(t, ex.ListInstrument(ins))
	return ex
}

func openAccount(t *testing.T, ex *Exchange, user, cash string) string {
	t.Helper()
	snap, err := ex.OpenAccount(user, user, d(cash))
	require.NoError(t, err)
	return snap.ID
}

func submit(t *testing.T, ex *Exchange, user, acc string, dir orders.Direction, off orders.Offset, price, volume string) string {
	t.Helper()
	id, err := ex.SubmitOrder(SubmitRequest{
		UserID: user, AccountID: acc, InstrumentID: "IX2401",
		Direction: dir, Offset: off, Price: d(price), Volume: d(volume),
	})
	require.NoError(t, err)
	return id
}

func TestSubmitFreezesMargin(t *testing.T) {
	ex := newTestExchange(t, nil)
	acc := openAccount(t, ex, "alice", "100000")

	id := submit(t, ex, "alice", acc, orders.Buy, orders.Open, "100", "10")

	// hold = 100 x 10 x (0.10 margin + 0.0003 commission)
	snap, err := ex.GetAccount(acc)
	require.NoError(t, err)
	require.True(t, snap.Frozen.Equal(d("100.3")), "frozen = %s", snap.Frozen)
	require.True(t, snap.Balance.Equal(d("100000")))

	o, err := ex.GetOrder(id)
	require.NoError(t, err)
	require.Equal(t, orders.Pending, o.Status)

	bids, asks, err := ex.Depth("IX2401")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Empty(t, asks)
	require.True(t, bids[0].Volume.Equal(d("10")))
}

func TestRejectInsufficientFunds(t *testing.T) {
	ex := newTestExchange(t, nil)
	acc := openAccount(t, ex, "alice", "50")

	_, err := ex.SubmitOrder(SubmitRequest{
		UserID: "alice", AccountID: acc, InstrumentID: "IX2401",
		Direction: orders.Buy, Offset: orders.Open, Price: d("100"), Volume: d("10"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// Rejection leaves no trace.
	snap, _ := ex.GetAccount(acc)
	require.True(t, snap.Frozen.IsZero())
	bids, _, _ := ex.Depth("IX2401")
	require.Empty(t, bids)
	require.Empty(t, ex.OpenOrders(acc))
}

func TestRejectCloseWithoutPosition(t *testing.T) {
	ex := newTestExchange(t, nil)
	acc := openAccount(t, ex, "alice", "100000")

	_, err := ex.SubmitOrder(SubmitRequest{
		UserID: "alice", AccountID: acc, InstrumentID: "IX2401",
		Direction: orders.Sell, Offset: orders.Close, Price: d("100"), Volume: d("1"),
	})
	require.ErrorIs(t, err, position.ErrInsufficient)

	snap, _ := ex.GetAccount(acc)
	require.True(t, snap.Frozen.IsZero())
	require.Empty(t, ex.OpenOrders(acc))
}

func TestRejectInvalidRequest(t *testing.T) {
	ex := newTestExchange(t, nil)
	acc := openAccount(t, ex, "alice", "100000")

	cases := []struct {
		name   string
		price  string
		volume string
	}{
		{"zero price", "0", "1"},
		{"negative price", "-1", "1"},
		{"zero volume", "100", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ex.SubmitOrder(SubmitRequest{
				UserID: "alice", AccountID: acc, InstrumentID: "IX2401",
				Direction: orders.Buy, Offset: orders.Open, Price: d(tc.price), Volume: d(tc.volume),
			})
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRejectNotOwner(t *testing.T) {
	ex := newTestExchange(t, nil)
	acc := openAccount(t, ex, "alice", "100000")

	_, err := ex.SubmitOrder(SubmitRequest{
		UserID: "mallory", AccountID: acc, InstrumentID: "IX2401",
		Direction: orders.Buy, Offset: orders.Open, Price: d("100"), Volume: d("1"),
	})
	require.ErrorIs(t, err, ErrNotOwner)

	id := submit(t, ex, "alice", acc, orders.Buy, orders.Open, "100", "1")
	require.ErrorIs(t, ex.CancelOrder("mallory", acc, id), ErrNotOwner)
}

func TestRejectPausedInstrument(t *testing.T) {
	ex := newTestExchange(t, nil)
	acc := openAccount(t, ex, "alice", "100000")

	ins, err := ex.instruments.Get("IX2401")
	require.NoError(t, err)
	ins.Status = instrument.Paused

	_, err = ex.SubmitOrder(SubmitRequest{
		UserID: "alice", AccountID: acc, InstrumentID: "IX2401",
		Direction: orders.Buy, Offset: orders.Open, Price: d("100"), Volume: d("1"),
	})
	require.ErrorIs(t, err, ErrInstrumentNotTradable)
}

func TestPartialFillSettlement(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	buyID := submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "10")
	sellID := submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")

	// Taker fully filled, maker partial.
	buy, err := ex.GetOrder(buyID)
	require.NoError(t, err)
	require.Equal(t, orders.PartiallyFilled, buy.Status)
	require.True(t, buy.Filled.Equal(d("3")))
	require.True(t, buy.Left().Equal(d("7")))

	sell, err := ex.GetOrder(sellID)
	require.NoError(t, err)
	require.Equal(t, orders.Filled, sell.Status)

	// Commission = 100 x 3 x 0.0003 = 0.09 per side, paid out of the hold.
	// alice: held 100.3, settled margin 30 for the filled 3 plus the hold
	// 70.21 for the open 7 stays frozen.
	snapA, _ := ex.GetAccount(a)
	require.True(t, snapA.Balance.Equal(d("99999.91")), "balance = %s", snapA.Balance)
	require.True(t, snapA.Frozen.Equal(d("100.21")), "frozen = %s", snapA.Frozen)

	snapB, _ := ex.GetAccount(b)
	require.True(t, snapB.Balance.Equal(d("99999.91")))
	require.True(t, snapB.Frozen.Equal(d("30")), "frozen = %s", snapB.Frozen)

	// Both sides hold positions.
	posA := ex.GetPositions(a)
	require.Len(t, posA, 1)
	require.True(t, posA[0].VolumeLong.Equal(d("3")))
	require.True(t, posA[0].Margin.Equal(d("30")))

	posB := ex.GetPositions(b)
	require.Len(t, posB, 1)
	require.True(t, posB[0].VolumeShort.Equal(d("3")))

	// The unfilled 7 stays on the bid.
	bids, _, _ := ex.Depth("IX2401")
	require.Len(t, bids, 1)
	require.True(t, bids[0].Volume.Equal(d("7")))
}

func TestCancelRestoresMargin(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	buyID := submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "10")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")

	require.NoError(t, ex.CancelOrder("alice", a, buyID))

	// The hold for the unfilled 7 (70.21) is released; the settled 30
	// stays frozen against the open position.
	snapA, _ := ex.GetAccount(a)
	require.True(t, snapA.Frozen.Equal(d("30")), "frozen = %s", snapA.Frozen)

	o, _ := ex.GetOrder(buyID)
	require.Equal(t, orders.Cancelled, o.Status)

	// Cancelling a terminal order loses cleanly.
	require.ErrorIs(t, ex.CancelOrder("alice", a, buyID), orders.ErrNotCancellable)

	bids, _, _ := ex.Depth("IX2401")
	require.Empty(t, bids)
}

func TestCancelCloseUnreservesVolume(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "3")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")

	closeID := submit(t, ex, "alice", a, orders.Sell, orders.Close, "105", "3")

	pos, ok := ex.positions.Get(a, "IX2401")
	require.True(t, ok)
	require.True(t, pos.FrozenLong.Equal(d("3")))

	require.NoError(t, ex.CancelOrder("alice", a, closeID))

	pos, ok = ex.positions.Get(a, "IX2401")
	require.True(t, ok)
	require.True(t, pos.FrozenLong.IsZero())
}

func TestCloseRoundTrip(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "3")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")

	submit(t, ex, "alice", a, orders.Sell, orders.Close, "99", "3")
	submit(t, ex, "bob", b, orders.Buy, orders.Close, "99", "3")

	// alice: -0.09 open fee, -3 realized, -0.0891 close fee
	snapA, _ := ex.GetAccount(a)
	require.True(t, snapA.Balance.Equal(d("99996.8209")), "balance = %s", snapA.Balance)
	require.True(t, snapA.Frozen.IsZero(), "frozen = %s", snapA.Frozen)

	// bob mirrors alice's loss before fees
	snapB, _ := ex.GetAccount(b)
	require.True(t, snapB.Balance.Equal(d("100002.8209")), "balance = %s", snapB.Balance)
	require.True(t, snapB.Frozen.IsZero())

	// Flat positions are gone.
	require.Empty(t, ex.GetPositions(a))
	require.Empty(t, ex.GetPositions(b))
}

func TestPriceImprovementReleasesExcessMargin(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	// Maker rests at 100; taker bids 102 but trades at 100.
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "5")
	submit(t, ex, "alice", a, orders.Buy, orders.Open, "102", "5")

	// The hold was 102 x 5 x 0.1003 = 51.153; settled margin is 50 at the
	// improved price and the commission is charged at 100, not 102.
	snapA, _ := ex.GetAccount(a)
	require.True(t, snapA.Frozen.Equal(d("50")), "frozen = %s", snapA.Frozen)

	posA := ex.GetPositions(a)
	require.Len(t, posA, 1)
	require.True(t, posA[0].Margin.Equal(d("50")))
}

func TestExactlyFundedOrderSettles(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "1000000")
	b := openAccount(t, ex, "bob", "100.3")

	submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "10")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "10")

	// bob held exactly margin + commission; settlement leaves zero
	// available and never dips below it.
	snapB, _ := ex.GetAccount(b)
	require.True(t, snapB.Balance.Equal(d("100")), "balance = %s", snapB.Balance)
	require.True(t, snapB.Frozen.Equal(d("100")), "frozen = %s", snapB.Frozen)
	require.True(t, snapB.Available.IsZero(), "available = %s", snapB.Available)
	require.True(t, snapB.Active)

	// Margin alone is not enough once the commission is part of the hold.
	c := openAccount(t, ex, "carol", "100")
	_, err := ex.SubmitOrder(SubmitRequest{
		UserID: "carol", AccountID: c, InstrumentID: "IX2401",
		Direction: orders.Sell, Offset: orders.Open, Price: d("100"), Volume: d("10"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestSellFilledAboveLimitStaysWithinHold(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "50.15")
	b := openAccount(t, ex, "bob", "100000")

	// bob bids 110; alice's ask at 100 trades at 110, above her limit.
	submit(t, ex, "bob", b, orders.Buy, orders.Open, "110", "5")
	submit(t, ex, "alice", a, orders.Sell, orders.Open, "100", "5")

	// alice settles at her own limit: margin 50 plus commission 0.15,
	// exactly the hold she was admitted with.
	snapA, _ := ex.GetAccount(a)
	require.True(t, snapA.Balance.Equal(d("50")), "balance = %s", snapA.Balance)
	require.True(t, snapA.Frozen.Equal(d("50")), "frozen = %s", snapA.Frozen)
	require.True(t, snapA.Available.IsZero())
	require.True(t, snapA.Active)

	// bob settles at the trade price he bid.
	snapB, _ := ex.GetAccount(b)
	require.True(t, snapB.Frozen.Equal(d("55")), "frozen = %s", snapB.Frozen)
	require.True(t, snapB.Balance.Equal(d("99999.835")), "balance = %s", snapB.Balance)
}

func TestConcurrentCancelAndFill(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	fills := 0
	const rounds = 100
	for i := 0; i < rounds; i++ {
		buyID := submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "1")

		var cancelErr error
		done := make(chan struct{})
		go func() {
			cancelErr = ex.CancelOrder("alice", a, buyID)
			close(done)
		}()
		sellID := submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "1")
		<-done

		buy, err := ex.GetOrder(buyID)
		require.NoError(t, err)
		switch {
		case cancelErr == nil:
			// Cancel won: no fill happened and bob's ask rests.
			require.Equal(t, orders.Cancelled, buy.Status)
			require.True(t, buy.Filled.IsZero(), "filled = %s", buy.Filled)
			require.NoError(t, ex.CancelOrder("bob", b, sellID))
		case errors.Is(cancelErr, orders.ErrNotCancellable):
			// Fill won: the cancel lost cleanly and fully.
			require.Equal(t, orders.Filled, buy.Status)
			fills++
		default:
			t.Fatalf("cancel err = %v", cancelErr)
		}
	}

	// Cash reflects exactly the fills that settled: 10 margin frozen and
	// 0.03 commission per side per lot, nothing torn or leaked.
	filled := decimal.NewFromInt(int64(fills))
	wantFrozen := d("10").Mul(filled)
	wantBalance := d("100000").Sub(d("0.03").Mul(filled))

	snapA, _ := ex.GetAccount(a)
	require.True(t, snapA.Frozen.Equal(wantFrozen), "frozen = %s, fills = %d", snapA.Frozen, fills)
	require.True(t, snapA.Balance.Equal(wantBalance), "balance = %s", snapA.Balance)
	require.True(t, snapA.Active)

	snapB, _ := ex.GetAccount(b)
	require.True(t, snapB.Frozen.Equal(wantFrozen), "frozen = %s", snapB.Frozen)
	require.True(t, snapB.Balance.Equal(wantBalance), "balance = %s", snapB.Balance)
	require.True(t, snapB.Active)

	bids, asks, err := ex.Depth("IX2401")
	require.NoError(t, err)
	require.Empty(t, bids)
	require.Empty(t, asks)
}

func TestCloseLossBeyondMarginHaltsOnlyLoser(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "30.09")
	b := openAccount(t, ex, "bob", "100000")

	submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "3")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")

	// Closing at 1 realizes a loss far beyond alice's held margin.
	submit(t, ex, "alice", a, orders.Sell, orders.Close, "1", "3")
	_, err := ex.SubmitOrder(SubmitRequest{
		UserID: "bob", AccountID: b, InstrumentID: "IX2401",
		Direction: orders.Buy, Offset: orders.Close, Price: d("1"), Volume: d("3"),
	})
	require.ErrorIs(t, err, ledger.ErrInvariant)

	// Nothing committed: alice keeps her cash and position but is halted.
	snapA, _ := ex.GetAccount(a)
	require.False(t, snapA.Active)
	require.True(t, snapA.Balance.Equal(d("30")), "balance = %s", snapA.Balance)
	require.True(t, snapA.Frozen.Equal(d("30")), "frozen = %s", snapA.Frozen)

	// The counterparty is untouched and keeps trading.
	snapB, _ := ex.GetAccount(b)
	require.True(t, snapB.Active)
	require.True(t, snapB.Balance.Equal(d("99999.91")), "balance = %s", snapB.Balance)

	posB := ex.GetPositions(b)
	require.Len(t, posB, 1)
	require.True(t, posB[0].VolumeShort.Equal(d("3")))
}

func TestSelfMatchSettles(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")

	submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "2")
	submit(t, ex, "alice", a, orders.Sell, orders.Open, "100", "2")

	// Both sides opened: long 2 and short 2, two commissions of 0.06.
	snap, _ := ex.GetAccount(a)
	require.True(t, snap.Balance.Equal(d("99999.88")), "balance = %s", snap.Balance)
	require.True(t, snap.Frozen.Equal(d("40")), "frozen = %s", snap.Frozen)

	pos := ex.GetPositions(a)
	require.Len(t, pos, 1)
	require.True(t, pos[0].VolumeLong.Equal(d("2")))
	require.True(t, pos[0].VolumeShort.Equal(d("2")))
}

func TestExecutionReports(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	var reports []ExecutionReport
	ex.OnExecution = func(r ExecutionReport) { reports = append(reports, r) }

	submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "3")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")

	// accepted(a), accepted(b), trade(a), trade(b)
	require.Len(t, reports, 4)
	require.Equal(t, ReportAccepted, reports[0].Type)
	require.Equal(t, ReportAccepted, reports[1].Type)

	var tradeReports []ExecutionReport
	for _, r := range reports {
		if r.Type == ReportTrade {
			tradeReports = append(tradeReports, r)
		}
	}
	require.Len(t, tradeReports, 2)
	for _, r := range tradeReports {
		require.True(t, r.Price.Equal(d("100")))
		require.True(t, r.Volume.Equal(d("3")))
		require.Equal(t, "FILLED", r.Status)
	}
}

func TestOrderIDsAreSequential(t *testing.T) {
	ex := newTestExchange(t, nil)
	a := openAccount(t, ex, "alice", "100000")

	id1 := submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "1")
	id2 := submit(t, ex, "alice", a, orders.Buy, orders.Open, "99", "1")
	require.Equal(t, "EX-1", id1)
	require.Equal(t, "EX-2", id2)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.Open(dir)
	require.NoError(t, err)

	ex := newTestExchange(t, store)
	a := openAccount(t, ex, "alice", "100000")
	b := openAccount(t, ex, "bob", "100000")

	restingID := submit(t, ex, "alice", a, orders.Buy, orders.Open, "100", "10")
	submit(t, ex, "bob", b, orders.Sell, orders.Open, "100", "3")
	require.NoError(t, store.Close())

	// Fresh process: reload everything and replay the resting remainder.
	store2, err := storage.Open(dir)
	require.NoError(t, err)
	defer store2.Close()

	ex2 := newTestExchange(t, store2)
	require.NoError(t, ex2.Restore())

	snapA, err := ex2.GetAccount(a)
	require.NoError(t, err)
	require.True(t, snapA.Balance.Equal(d("99999.91")), "balance = %s", snapA.Balance)
	require.True(t, snapA.Frozen.Equal(d("100.21")))

	o, err := ex2.GetOrder(restingID)
	require.NoError(t, err)
	require.Equal(t, orders.PartiallyFilled, o.Status)
	require.True(t, o.Filled.Equal(d("3")))

	// The unfilled 7 is back on the book.
	bids, _, err := ex2.Depth("IX2401")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.True(t, bids[0].Volume.Equal(d("7")))

	// New order IDs continue after the restored sequence.
	id := submit(t, ex2, "alice", a, orders.Buy, orders.Open, "90", "1")
	require.Equal(t, "EX-3", id)

	// Trades survived too.
	trades, err := ex2.RecentTrades("IX2401", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].Price.Equal(d("100")))

	pos := ex2.GetPositions(a)
	require.Len(t, pos, 1)
	require.True(t, pos[0].VolumeLong.Equal(d("3")))
}

func TestDuplicateAccountPerUser(t *testing.T) {
	ex := newTestExchange(t, nil)
	openAccount(t, ex, "alice", "100000")

	_, err := ex.OpenAccount("alice", "alice", d("5"))
	require.ErrorIs(t, err, ledger.ErrDuplicateAccount)
}
