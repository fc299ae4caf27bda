package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/phemexlink/internal/domain"
)

func TestMarkPriceLongAndShort(t *testing.T) {
	tr := NewPositionTracker()
	tr.ReplaceAll([]domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideBuy, PosSide: domain.PosSideLong, Size: 2, EntryPrice: 100},
		{Symbol: "BTCUSDT", Side: domain.SideSell, PosSide: domain.PosSideShort, Size: 2, EntryPrice: 100},
	})

	tr.MarkPrice("BTCUSDT", 110)

	positions := tr.All()
	require.Len(t, positions, 2)
	assert.Equal(t, 20.0, positions[0].UnrealizedPnl)
	assert.Equal(t, -20.0, positions[1].UnrealizedPnl)
	assert.Equal(t, 110.0, positions[0].MarkPrice)
}

func TestMergedModeDirectionFollowsOrderSide(t *testing.T) {
	tr := NewPositionTracker()
	tr.ReplaceAll([]domain.Position{
		{Symbol: "ETHUSDT", Side: domain.SideBuy, PosSide: domain.PosSideMerged, Size: 1, EntryPrice: 2000},
		{Symbol: "SOLUSDT", Side: domain.SideSell, PosSide: domain.PosSideMerged, Size: 3, EntryPrice: 100},
	})

	tr.MarkPrice("ETHUSDT", 2010)
	tr.MarkPrice("SOLUSDT", 90)

	eth := tr.BySymbol("ETHUSDT")
	sol := tr.BySymbol("SOLUSDT")
	require.Len(t, eth, 1)
	require.Len(t, sol, 1)
	assert.Equal(t, 10.0, eth[0].UnrealizedPnl)
	assert.Equal(t, 30.0, sol[0].UnrealizedPnl, "short profits when price falls")
}

func TestFlatSlotsRetainedButExcluded(t *testing.T) {
	tr := NewPositionTracker()
	tr.ReplaceAll([]domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideBuy, PosSide: domain.PosSideLong, Size: 0, EntryPrice: 100},
		{Symbol: "BTCUSDT", Side: domain.SideSell, PosSide: domain.PosSideShort, Size: 1, EntryPrice: 100},
	})

	tr.MarkPrice("BTCUSDT", 120)

	all := tr.All()
	require.Len(t, all, 2, "flat slot stays in the authoritative list")
	assert.Zero(t, all[0].UnrealizedPnl, "flat slot excluded from PnL recompute")

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, domain.PosSideShort, active[0].PosSide)
	assert.Equal(t, -20.0, active[0].UnrealizedPnl)
}

func TestReplaceAllRebuildsIndex(t *testing.T) {
	tr := NewPositionTracker()
	tr.ReplaceAll([]domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideBuy, PosSide: domain.PosSideLong, Size: 1, EntryPrice: 100},
	})
	tr.ReplaceAll([]domain.Position{
		{Symbol: "ETHUSDT", Side: domain.SideBuy, PosSide: domain.PosSideLong, Size: 1, EntryPrice: 2000},
	})

	tr.MarkPrice("BTCUSDT", 150) // stale symbol, no effect
	assert.Empty(t, tr.BySymbol("BTCUSDT"))

	tr.MarkPrice("ETHUSDT", 2100)
	eth := tr.BySymbol("ETHUSDT")
	require.Len(t, eth, 1)
	assert.Equal(t, 100.0, eth[0].UnrealizedPnl)
}

func TestPnlFactorPrecomputed(t *testing.T) {
	tr := NewPositionTracker()
	tr.ReplaceAll([]domain.Position{
		{Symbol: "BTCUSDT", Side: domain.SideSell, PosSide: domain.PosSideMerged, Size: 4, EntryPrice: 50},
	})
	all := tr.All()
	require.Len(t, all, 1)
	assert.Equal(t, -4.0, all[0].PnlFactor)
}
