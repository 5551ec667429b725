package position

import (
	"github.com/shopspring/decimal"
)

// Position is one account's exposure in one instrument.
//
// Long and short volume are tracked separately and never go negative.
// FrozenLong/FrozenShort is volume reserved by pending CLOSE orders, so a
// close can never promise more volume than the account holds.
// MarginLong/MarginShort is the settled margin attributable to each side,
// released pro rata as the side is closed. AvgOpenLong/AvgOpenShort is the
// volume-weighted average open price used to realize P&L on close.
type Position struct {
	AccountID    string
	InstrumentID string

	VolumeLong  decimal.Decimal
	VolumeShort decimal.Decimal

	FrozenLong  decimal.Decimal
	FrozenShort decimal.Decimal

	MarginLong  decimal.Decimal
	MarginShort decimal.Decimal

	AvgOpenLong  decimal.Decimal
	AvgOpenShort decimal.Decimal
}

// Snapshot is the externally visible position state.
type Snapshot struct {
	InstrumentID string
	VolumeLong   decimal.Decimal
	VolumeShort  decimal.Decimal
	FrozenLong   decimal.Decimal
	FrozenShort  decimal.Decimal
	Margin       decimal.Decimal
}

func (p *Position) snapshot() Snapshot {
	return Snapshot{
		InstrumentID: p.InstrumentID,
		VolumeLong:   p.VolumeLong,
		VolumeShort:  p.VolumeShort,
		FrozenLong:   p.FrozenLong,
		FrozenShort:  p.FrozenShort,
		Margin:       p.MarginLong.Add(p.MarginShort),
	}
}

// empty reports whether the position carries no volume or reservations.
func (p *Position) empty() bool {
	return p.VolumeLong.IsZero() && p.VolumeShort.IsZero() &&
		p.FrozenLong.IsZero() && p.FrozenShort.IsZero()
}
