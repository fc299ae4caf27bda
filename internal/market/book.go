// Package market holds the in-memory market state: the L2 orderbook mirror,
// the bounded candle store, and the position tracker. All types are safe for
// concurrent use by the stream worker and caller threads.
package market

import (
	"math"
	"sort"
	"sync"

	"github.com/tradewire/phemexlink/internal/domain"
)

// Book reconstructs a consistent L2 ladder from a feed that sends either full
// snapshots or incremental deltas. Each side is a price→size map plus a
// sorted price slice maintained incrementally: deltas locate their insertion
// point by binary search instead of re-sorting the side.
//
// The sorted level views handed out by Snapshot are rebuilt lazily behind a
// dirty flag; mutation only touches the maps and price slices.
type Book struct {
	mu     sync.RWMutex
	symbol string

	asks map[float64]float64
	bids map[float64]float64

	// Both slices are kept ascending; the best bid is the last element.
	askPrices []float64
	bidPrices []float64

	timestamp int64

	dirty  bool
	cached domain.OrderbookSnapshot
}

// NewBook creates an empty book for symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		asks:   make(map[float64]float64),
		bids:   make(map[float64]float64),
		dirty:  true,
	}
}

// ApplySnapshot replaces both sides wholesale. Zero-size and malformed
// entries are filtered; each side is sorted once.
func (b *Book) ApplySnapshot(asks, bids []domain.PriceLevel, timestamp int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.asks = make(map[float64]float64, len(asks))
	b.bids = make(map[float64]float64, len(bids))
	b.askPrices = b.askPrices[:0]
	b.bidPrices = b.bidPrices[:0]

	for _, lvl := range asks {
		if !validLevel(lvl) || lvl.Size == 0 {
			continue
		}
		if _, ok := b.asks[lvl.Price]; !ok {
			b.askPrices = append(b.askPrices, lvl.Price)
		}
		b.asks[lvl.Price] = lvl.Size
	}
	for _, lvl := range bids {
		if !validLevel(lvl) || lvl.Size == 0 {
			continue
		}
		if _, ok := b.bids[lvl.Price]; !ok {
			b.bidPrices = append(b.bidPrices, lvl.Price)
		}
		b.bids[lvl.Price] = lvl.Size
	}

	sort.Float64s(b.askPrices)
	sort.Float64s(b.bidPrices)

	b.timestamp = timestamp
	b.dirty = true
}

// ApplyDelta merges incremental level updates: size zero removes the price
// (a no-op when absent), any other size inserts or updates. A malformed pair
// is skipped on its own; it does not abort the rest of the update or the
// timestamp advance.
func (b *Book) ApplyDelta(asks, bids []domain.PriceLevel, timestamp int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, lvl := range asks {
		if !validLevel(lvl) {
			continue
		}
		b.askPrices = applyLevel(b.asks, b.askPrices, lvl)
	}
	for _, lvl := range bids {
		if !validLevel(lvl) {
			continue
		}
		b.bidPrices = applyLevel(b.bids, b.bidPrices, lvl)
	}

	b.timestamp = timestamp
	b.dirty = true
}

// applyLevel updates one side's map and sorted price slice for a single
// (price, size) pair and returns the possibly-reallocated slice.
func applyLevel(side map[float64]float64, prices []float64, lvl domain.PriceLevel) []float64 {
	if lvl.Size == 0 {
		if _, ok := side[lvl.Price]; !ok {
			return prices
		}
		delete(side, lvl.Price)
		i := sort.SearchFloat64s(prices, lvl.Price)
		return append(prices[:i], prices[i+1:]...)
	}

	if _, ok := side[lvl.Price]; ok {
		side[lvl.Price] = lvl.Size
		return prices
	}
	side[lvl.Price] = lvl.Size
	i := sort.SearchFloat64s(prices, lvl.Price)
	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = lvl.Price
	return prices
}

// BestAsk returns the lowest ask price, or zero when the side is empty.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.askPrices) == 0 {
		return 0
	}
	return b.askPrices[0]
}

// BestBid returns the highest bid price, or zero when the side is empty.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bidPrices) == 0 {
		return 0
	}
	return b.bidPrices[len(b.bidPrices)-1]
}

// VolumeAt returns the resting size at price on the given side, or zero when
// the price is not in the book.
func (b *Book) VolumeAt(price float64, side domain.Side) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if side == domain.SideBuy {
		return b.bids[price]
	}
	return b.asks[price]
}

// Snapshot returns a fully-formed copy of the book: asks ascending, bids
// descending. The level views are rebuilt only when the book changed since
// the last call.
func (b *Book) Snapshot() domain.OrderbookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dirty {
		asks := make([]domain.PriceLevel, len(b.askPrices))
		for i, p := range b.askPrices {
			asks[i] = domain.PriceLevel{Price: p, Size: b.asks[p]}
		}
		bids := make([]domain.PriceLevel, len(b.bidPrices))
		for i := range b.bidPrices {
			p := b.bidPrices[len(b.bidPrices)-1-i]
			bids[i] = domain.PriceLevel{Price: p, Size: b.bids[p]}
		}
		b.cached = domain.OrderbookSnapshot{
			Symbol: b.symbol,
			Asks:   asks,
			Bids:   bids,
		}
		b.dirty = false
	}

	snap := b.cached
	snap.Timestamp = b.timestamp
	return snap
}

// Reset clears both sides, e.g. when switching the active symbol.
func (b *Book) Reset(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbol = symbol
	b.asks = make(map[float64]float64)
	b.bids = make(map[float64]float64)
	b.askPrices = nil
	b.bidPrices = nil
	b.timestamp = 0
	b.dirty = true
}

func validLevel(lvl domain.PriceLevel) bool {
	if lvl.Price <= 0 || lvl.Size < 0 {
		return false
	}
	if math.IsNaN(lvl.Price) || math.IsInf(lvl.Price, 0) {
		return false
	}
	if math.IsNaN(lvl.Size) || math.IsInf(lvl.Size, 0) {
		return false
	}
	return true
}
