package market

import (
	"sync"

	"github.com/tradewire/phemexlink/internal/domain"
)

// PositionTracker keeps the per-symbol position list current and recomputes
// unrealized PnL on every price update. The tick path is a tight index loop
// over preallocated state: no allocation, one multiply-add per position.
type PositionTracker struct {
	mu        sync.RWMutex
	positions []domain.Position
	bySymbol  map[string][]int // indices into positions
}

// NewPositionTracker creates an empty tracker.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{
		bySymbol: make(map[string][]int),
	}
}

// ReplaceAll installs a full position set from an authoritative account push.
// The PnL factor (size × direction) is precomputed here, once per update, and
// the symbol index is rebuilt. Flat slots are retained.
func (t *PositionTracker) ReplaceAll(positions []domain.Position) {
	next := make([]domain.Position, len(positions))
	copy(next, positions)

	index := make(map[string][]int, len(next))
	for i := range next {
		p := &next[i]
		p.PnlFactor = p.Size * domain.DirectionMultiplier(p.PosSide, p.Side)
		index[p.Symbol] = append(index[p.Symbol], i)
	}

	t.mu.Lock()
	t.positions = next
	t.bySymbol = index
	t.mu.Unlock()
}

// MarkPrice applies a price update to every position of symbol:
// unrealizedPnl = (price − entryPrice) × pnlFactor. Flat slots are skipped.
func (t *PositionTracker) MarkPrice(symbol string, price float64) {
	t.mu.Lock()
	for _, i := range t.bySymbol[symbol] {
		p := &t.positions[i]
		if p.Size == 0 {
			continue
		}
		p.MarkPrice = price
		p.UnrealizedPnl = (price - p.EntryPrice) * p.PnlFactor
	}
	t.mu.Unlock()
}

// All returns a copy of the full position list, flat slots included.
func (t *PositionTracker) All() []domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Position, len(t.positions))
	copy(out, t.positions)
	return out
}

// Active returns copies of the non-flat positions.
func (t *PositionTracker) Active() []domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Position, 0, len(t.positions))
	for i := range t.positions {
		if t.positions[i].Size != 0 {
			out = append(out, t.positions[i])
		}
	}
	return out
}

// BySymbol returns copies of the non-flat positions for one symbol.
func (t *PositionTracker) BySymbol(symbol string) []domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []domain.Position
	for _, i := range t.bySymbol[symbol] {
		if t.positions[i].Size != 0 {
			out = append(out, t.positions[i])
		}
	}
	return out
}
