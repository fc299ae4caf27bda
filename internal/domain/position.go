package domain

// PositionSide is the position slot mode. Merged is one-way mode (a single
// slot per symbol keyed by order side); Long/Short are the two independent
// slots of hedge mode.
type PositionSide string

const (
	PosSideMerged PositionSide = "Merged"
	PosSideLong   PositionSide = "Long"
	PosSideShort  PositionSide = "Short"
)

// Position is one position slot for a symbol. A Size of zero means the slot
// is flat; flat slots stay in the authoritative list but are excluded from
// PnL recomputation and from active-position queries.
type Position struct {
	Symbol           string
	Side             Side
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	Leverage         float64
	UnrealizedPnl    float64
	RealizedPnl      float64
	Margin           float64
	PosSide          PositionSide

	// PnlFactor is Size times the direction multiplier, precomputed once per
	// position-set update so PnL-on-tick is a single multiply-add.
	PnlFactor float64
}

// DirectionMultiplier resolves long/short exposure: +1 when the slot is Long,
// or Merged with a Buy side; -1 otherwise. Both hedge mode (separate
// Long/Short slots) and one-way mode (Merged slot keyed by order side) must
// resolve through this rule.
func DirectionMultiplier(posSide PositionSide, side Side) float64 {
	if posSide == PosSideLong || (posSide == PosSideMerged && side == SideBuy) {
		return 1
	}
	return -1
}

// IsFlat reports whether the slot holds no exposure.
func (p Position) IsFlat() bool { return p.Size == 0 }
