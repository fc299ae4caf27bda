package market

import (
	"sort"
	"sync"

	"github.com/tradewire/phemexlink/internal/domain"
)

const (
	// evictHighWater is the candle count that triggers eviction.
	evictHighWater = 2100
	// evictLowWater is the count eviction trims down to.
	evictLowWater = 2000
)

// CandleStore is a bounded OHLCV series keyed by bucket time. Inserts are
// amortized O(1) map upserts; the ascending series view is rebuilt lazily
// behind a dirty flag, so callers may poll it on every tick.
type CandleStore struct {
	mu      sync.Mutex
	candles map[int64]domain.Candle

	dirty  bool
	sorted []domain.Candle
}

// NewCandleStore creates an empty store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		candles: make(map[int64]domain.Candle),
	}
}

// Upsert applies a batch of candles. A candle whose bucket time is already
// present replaces the stored one; the exchange re-sends the still-open
// bucket repeatedly as it updates. The sorted view is invalidated once per
// batch, not per candle.
func (s *CandleStore) Upsert(candles []domain.Candle) {
	if len(candles) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range candles {
		if c.Time <= 0 {
			continue
		}
		s.candles[c.Time] = c
	}
	s.dirty = true

	if len(s.candles) > evictHighWater {
		s.evictLocked()
	}
}

// evictLocked removes the oldest candles until evictLowWater remain.
// Caller must hold s.mu.
func (s *CandleStore) evictLocked() {
	times := make([]int64, 0, len(s.candles))
	for t := range s.candles {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	for _, t := range times[:len(times)-evictLowWater] {
		delete(s.candles, t)
	}
}

// Sorted returns the series ascending by bucket time. The returned slice is
// a shared immutable view: it is recomputed only when the store changed since
// the last call, and a fresh slice is swapped in on every rebuild.
func (s *CandleStore) Sorted() []domain.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		out := make([]domain.Candle, 0, len(s.candles))
		for _, c := range s.candles {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
		s.sorted = out
		s.dirty = false
	}
	return s.sorted
}

// LatestClose returns the close of the most recent candle, or zero when the
// store is empty. Used to seed the current price before any tick arrives.
func (s *CandleStore) LatestClose() float64 {
	sorted := s.Sorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1].Close
}

// Len returns the number of stored candles.
func (s *CandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

// Reset drops all candles, e.g. when the symbol or timeframe changes.
func (s *CandleStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = make(map[int64]domain.Candle)
	s.sorted = nil
	s.dirty = false
}
