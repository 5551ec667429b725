package position

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/qfex/qfex/pkg/exchange/orders"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestReserveWithoutPositionFails(t *testing.T) {
	b := NewBook()
	err := b.Reserve("acc1", "IX2401", orders.Sell, d("1"))
	if !errors.Is(err, ErrInsufficient) {
		t.Errorf("err = %v, want ErrInsufficient", err)
	}
}

func TestOpenThenReserveAndClose(t *testing.T) {
	b := NewBook()

	// Long 10 at avg 100, margin 100.
	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("100"), d("100"))

	// Reserve 6 for a pending close; only 4 free afterwards.
	if err := b.Reserve("acc1", "IX2401", orders.Sell, d("6")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := b.Reserve("acc1", "IX2401", orders.Sell, d("5")); !errors.Is(err, ErrInsufficient) {
		t.Errorf("over-reserve err = %v, want ErrInsufficient", err)
	}

	// Close 6 at 110: P&L = (110-100)*6 = 60, margin released 60.
	res, err := b.ApplyClose("acc1", "IX2401", orders.Sell, d("6"), d("110"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.RealizedPnL.Equal(d("60")) {
		t.Errorf("pnl = %s, want 60", res.RealizedPnL)
	}
	if !res.ReleasedMargin.Equal(d("60")) {
		t.Errorf("released = %s, want 60", res.ReleasedMargin)
	}

	pos, ok := b.Get("acc1", "IX2401")
	if !ok {
		t.Fatal("position should remain")
	}
	if !pos.VolumeLong.Equal(d("4")) || !pos.FrozenLong.IsZero() {
		t.Errorf("after close: %+v", pos)
	}
	if !pos.MarginLong.Equal(d("40")) {
		t.Errorf("margin = %s, want 40", pos.MarginLong)
	}
}

func TestCloseShortRealizesInverse(t *testing.T) {
	b := NewBook()

	// Short 5 at avg 200, margin 100.
	b.ApplyOpen("acc1", "IX2401", orders.Sell, d("5"), d("200"), d("100"))
	if err := b.Reserve("acc1", "IX2401", orders.Buy, d("5")); err != nil {
		t.Fatal(err)
	}

	// Buy back at 190: profit (200-190)*5 = 50.
	res, err := b.ApplyClose("acc1", "IX2401", orders.Buy, d("5"), d("190"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.RealizedPnL.Equal(d("50")) {
		t.Errorf("pnl = %s, want 50", res.RealizedPnL)
	}
	if !res.ReleasedMargin.Equal(d("100")) {
		t.Errorf("released = %s, want full 100", res.ReleasedMargin)
	}

	// Flat position is pruned.
	if _, ok := b.Get("acc1", "IX2401"); ok {
		t.Error("flat position should be pruned")
	}
	if got := b.Query("acc1"); len(got) != 0 {
		t.Errorf("query = %+v, want empty", got)
	}
}

func TestWeightedAverageOpenPrice(t *testing.T) {
	b := NewBook()

	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("100"), d("100"))
	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("110"), d("110"))

	pos, _ := b.Get("acc1", "IX2401")
	if !pos.AvgOpenLong.Equal(d("105")) {
		t.Errorf("avg = %s, want 105", pos.AvgOpenLong)
	}
	if !pos.MarginLong.Equal(d("210")) {
		t.Errorf("margin = %s, want 210", pos.MarginLong)
	}
}

func TestUnreserveClampsAtZero(t *testing.T) {
	b := NewBook()

	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("100"), d("100"))
	if err := b.Reserve("acc1", "IX2401", orders.Sell, d("3")); err != nil {
		t.Fatal(err)
	}

	b.Unreserve("acc1", "IX2401", orders.Sell, d("5"))

	pos, _ := b.Get("acc1", "IX2401")
	if !pos.FrozenLong.IsZero() {
		t.Errorf("frozen = %s, want 0", pos.FrozenLong)
	}
}

func TestLongAndShortCoexist(t *testing.T) {
	b := NewBook()

	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("100"), d("100"))
	b.ApplyOpen("acc1", "IX2401", orders.Sell, d("4"), d("100"), d("40"))

	pos, _ := b.Get("acc1", "IX2401")
	if !pos.VolumeLong.Equal(d("10")) || !pos.VolumeShort.Equal(d("4")) {
		t.Errorf("sides: %+v", pos)
	}

	snaps := b.Query("acc1")
	if len(snaps) != 1 || !snaps[0].Margin.Equal(d("140")) {
		t.Errorf("snapshot margin: %+v", snaps)
	}
}

func TestCloseQuoteMatchesApply(t *testing.T) {
	b := NewBook()

	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("100"), d("100"))
	if err := b.Reserve("acc1", "IX2401", orders.Sell, d("6")); err != nil {
		t.Fatal(err)
	}

	quote, err := b.CloseQuote("acc1", "IX2401", orders.Sell, d("6"), d("110"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	// Quoting mutates nothing.
	pos, _ := b.Get("acc1", "IX2401")
	if !pos.VolumeLong.Equal(d("10")) || !pos.FrozenLong.Equal(d("6")) || !pos.MarginLong.Equal(d("100")) {
		t.Errorf("position mutated by quote: %+v", pos)
	}

	res, err := b.ApplyClose("acc1", "IX2401", orders.Sell, d("6"), d("110"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !quote.RealizedPnL.Equal(res.RealizedPnL) || !quote.ReleasedMargin.Equal(res.ReleasedMargin) {
		t.Errorf("quote %+v != applied %+v", quote, res)
	}

	// A quote without the position fails like the close would.
	if _, err := b.CloseQuote("acc2", "IX2401", orders.Sell, d("1"), d("100")); !errors.Is(err, ErrInsufficient) {
		t.Errorf("err = %v, want ErrInsufficient", err)
	}
}

func TestCloseBeyondFrozenFails(t *testing.T) {
	b := NewBook()

	b.ApplyOpen("acc1", "IX2401", orders.Buy, d("10"), d("100"), d("100"))

	// No reservation was made; settlement-time close is an internal fault.
	if _, err := b.ApplyClose("acc1", "IX2401", orders.Sell, d("1"), d("100")); !errors.Is(err, ErrInsufficient) {
		t.Errorf("err = %v, want ErrInsufficient", err)
	}
}

func TestRestore(t *testing.T) {
	b := NewBook()
	b.Restore([]*Position{
		{AccountID: "acc1", InstrumentID: "IX2401", VolumeLong: d("5"), MarginLong: d("50"), AvgOpenLong: d("100")},
	})

	pos, ok := b.Get("acc1", "IX2401")
	if !ok || !pos.VolumeLong.Equal(d("5")) {
		t.Errorf("restored: %+v ok=%v", pos, ok)
	}
}
