package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/phemexlink/internal/domain"
	"github.com/tradewire/phemexlink/internal/platform/phemex"
)

type fakeMarketData struct {
	mu       sync.Mutex
	products []domain.Product
	ticker   domain.Ticker
	candles  []domain.Candle

	tickerErr error

	productCalls int
}

func (f *fakeMarketData) FetchProducts(context.Context) ([]domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productCalls++
	return f.products, nil
}

func (f *fakeMarketData) FetchTicker(context.Context, string) (domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return domain.Ticker{}, f.tickerErr
	}
	return f.ticker, nil
}

func (f *fakeMarketData) FetchHistoricalCandles(context.Context, string, int, int, int64) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles, nil
}

type cancelSweep struct {
	posSide     domain.PositionSide
	untriggered bool
}

type fakeExecution struct {
	mu      sync.Mutex
	account domain.AccountInfo
	orders  []domain.Order

	placeErr map[string]error // keyed by ClOrdID

	accountBlock  bool       // GetAccountInfo waits for context cancellation
	accountCtxErr chan error // receives the context error once unblocked

	accountCalls   int
	orderCalls     int
	placed         []domain.PlaceOrderRequest
	cancelSweeps   []cancelSweep
	productsSet    []domain.Product
	leverageSet    int
	switchedMode   string
	assignedAmount float64
}

func (f *fakeExecution) SetProducts(p []domain.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productsSet = p
}

func (f *fakeExecution) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if err := f.placeErr[req.ClOrdID]; err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{OrderID: "oid", ClOrdID: req.ClOrdID, Status: domain.OrderStatusNew}, nil
}

func (f *fakeExecution) AmendOrder(context.Context, domain.AmendOrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, nil
}

func (f *fakeExecution) CancelOrder(context.Context, domain.CancelOrderRequest) error { return nil }

func (f *fakeExecution) CancelOrders(context.Context, string, []string, domain.PositionSide) error {
	return nil
}

func (f *fakeExecution) CancelAll(_ context.Context, _ string, untriggered bool, posSide domain.PositionSide) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelSweeps = append(f.cancelSweeps, cancelSweep{posSide: posSide, untriggered: untriggered})
	if posSide == domain.PosSideShort {
		return &domain.APIError{Code: 10002, Message: "no matching orders"}
	}
	return nil
}

func (f *fakeExecution) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	f.mu.Lock()
	f.accountCalls++
	account, block := f.account, f.accountBlock
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		f.accountCtxErr <- ctx.Err()
		return domain.AccountInfo{}, ctx.Err()
	}
	return account, nil
}

func (f *fakeExecution) QueryOpenOrders(context.Context, string) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	return f.orders, nil
}

func (f *fakeExecution) QueryOrderHistory(context.Context, string, int, int, int64, int64) ([]domain.Order, error) {
	return nil, nil
}

func (f *fakeExecution) QueryTradesHistory(context.Context, string, int, int, int64, int64) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeExecution) QueryFundingFees(context.Context, string, int, int) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeExecution) QueryClosedPositions(context.Context, string, int, int) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeExecution) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageSet = leverage
	return nil
}

func (f *fakeExecution) SwitchPositionMode(_ context.Context, _, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switchedMode = mode
	return nil
}

func (f *fakeExecution) AssignPositionBalance(_ context.Context, _ string, _ domain.PositionSide, balance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignedAmount = balance
	return nil
}

type fakeStream struct {
	mu        sync.Mutex
	handlers  phemex.StreamHandlers
	connected bool
	connectN  int
	switched  []string

	connectErr error
}

func (f *fakeStream) Connect(context.Context, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connectN++
	return nil
}

func (f *fakeStream) Switch(symbol string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, symbol)
	return nil
}

func (f *fakeStream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeMarketData, *fakeExecution, *fakeStream) {
	t.Helper()
	md := &fakeMarketData{
		products: []domain.Product{
			{Symbol: "BTCUSDT", TickSize: 0.5, QtyStep: 0.001},
			{Symbol: "ETHUSDT", TickSize: 0.05, QtyStep: 0.01},
		},
		ticker:   domain.Ticker{Symbol: "BTCUSDT", LastPrice: 100},
		candles: []domain.Candle{
			{Time: 1700000000, Close: 98},
			{Time: 1700000060, Close: 99},
		},
	}
	exec := &fakeExecution{
		account: domain.AccountInfo{
			Balance: domain.Balance{Total: 10000, Available: 7500, Used: 2500},
			Positions: []domain.Position{
				{Symbol: "BTCUSDT", Side: domain.SideBuy, PosSide: domain.PosSideLong, Size: 1, EntryPrice: 100},
			},
		},
		orders: []domain.Order{
			{OrderID: "open-1", Symbol: "BTCUSDT", Side: domain.SideBuy, Status: domain.OrderStatusNew},
		},
	}
	fs := &fakeStream{}
	dial := func(h phemex.StreamHandlers) streamConn {
		fs.handlers = h
		return fs
	}
	e := newEngine(md, exec, dial, "BTCUSDT", 60, 500, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, md, exec, fs
}

func TestBootHydratesState(t *testing.T) {
	e, md, exec, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	assert.True(t, e.Booted())
	assert.True(t, fs.Connected())
	assert.Equal(t, 100.0, e.Price(), "price seeds from the ticker")
	assert.Equal(t, 7500.0, e.Wallet().Available)
	assert.Len(t, e.Orders(), 1)
	assert.Len(t, e.Positions(), 1)
	assert.Len(t, e.Candles(), 2)
	assert.Len(t, exec.productsSet, 2, "precision data reaches the execution client")

	ticker, ok := e.Ticker()
	require.True(t, ok)
	assert.Equal(t, 100.0, ticker.LastPrice)

	// Boot is idempotent.
	require.NoError(t, e.Boot(context.Background()))
	md.mu.Lock()
	defer md.mu.Unlock()
	assert.Equal(t, 1, md.productCalls)
}

func TestBootPriceFallsBackToCandleClose(t *testing.T) {
	e, md, _, _ := newTestEngine(t)
	md.tickerErr = errors.New("venue down")

	require.NoError(t, e.Boot(context.Background()))

	assert.Equal(t, 99.0, e.Price(), "latest candle close seeds the price when the ticker fails")
	_, ok := e.Ticker()
	assert.False(t, ok)
}

func TestBootFailsWhenStreamFails(t *testing.T) {
	e, _, _, fs := newTestEngine(t)
	fs.connectErr = errors.New("dial refused")

	err := e.Boot(context.Background())
	require.Error(t, err)
	assert.False(t, e.Booted())
}

func TestStreamPushesDriveState(t *testing.T) {
	e, _, _, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	fs.handlers.OnOrderbook(phemex.BookUpdate{
		Symbol: "BTCUSDT",
		Type:   "snapshot",
		Asks:   []domain.PriceLevel{{Price: 101, Size: 3}},
		Bids:   []domain.PriceLevel{{Price: 100, Size: 2}},
	})
	assert.Equal(t, 100.0, e.BestBid())
	assert.Equal(t, 101.0, e.BestAsk())
	assert.Equal(t, 2.0, e.VolumeAt(100, domain.SideBuy))

	fs.handlers.OnOrderbook(phemex.BookUpdate{
		Symbol: "BTCUSDT",
		Type:   "incremental",
		Bids:   []domain.PriceLevel{{Price: 100, Size: 0}, {Price: 99.5, Size: 4}},
	})
	assert.Equal(t, 99.5, e.BestBid())

	fs.handlers.OnPrice(105)
	assert.Equal(t, 105.0, e.Price())
	positions := e.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 5.0, positions[0].UnrealizedPnl, "long 1 @ 100 marked at 105")
	assert.Equal(t, 105.0, positions[0].MarkPrice)

	fs.handlers.OnWallet(domain.Wallet{Currency: "USDT", Balance: 10005, Available: 7505, Used: 2500})
	assert.Equal(t, 10005.0, e.Wallet().Balance)

	fs.handlers.OnCandles([]domain.Candle{{Time: 1700000120, Close: 105}})
	assert.Len(t, e.Candles(), 3)

	fs.handlers.OnPositions([]domain.Position{})
	assert.Empty(t, e.Positions(), "position pushes replace state wholesale")
}

func TestReconnectResyncsAccountAndOrders(t *testing.T) {
	e, _, exec, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	exec.mu.Lock()
	accountBefore, ordersBefore := exec.accountCalls, exec.orderCalls
	exec.mu.Unlock()

	fs.handlers.OnConnected(true)

	assert.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.accountCalls > accountBefore && exec.orderCalls > ordersBefore
	}, 2*time.Second, 10*time.Millisecond, "reconnect must refetch account and orders")
}

func TestShutdownCancelsInflightResync(t *testing.T) {
	e, _, exec, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	exec.mu.Lock()
	exec.accountBlock = true
	exec.accountCtxErr = make(chan error, 1)
	accountBefore := exec.accountCalls
	exec.mu.Unlock()

	fs.handlers.OnConnected(true)

	assert.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.accountCalls > accountBefore
	}, 2*time.Second, 10*time.Millisecond, "resync must start after reconnect")

	e.Shutdown()

	select {
	case err := <-exec.accountCtxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not cancel the in-flight resync")
	}
}

func TestFirstConnectDoesNotResync(t *testing.T) {
	e, _, exec, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	exec.mu.Lock()
	before := exec.accountCalls
	exec.mu.Unlock()

	fs.handlers.OnConnected(false)
	time.Sleep(50 * time.Millisecond)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, before, exec.accountCalls)
}

func TestPlaceOrdersBatch(t *testing.T) {
	e, _, exec, _ := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	exec.placeErr = map[string]error{"bad": errors.New("rejected")}

	results, err := e.PlaceOrders(context.Background(), []domain.PlaceOrderRequest{
		{ClOrdID: "a", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: 1},
		{ClOrdID: "bad", Side: domain.SideSell, Type: domain.OrderTypeMarket, Qty: 1},
		{ClOrdID: "c", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: 1, Price: domain.Float64(100)},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ClOrdID)
	assert.Empty(t, results[1].OrderID, "failed slot stays zero")
	assert.Equal(t, "c", results[2].ClOrdID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Len(t, exec.placed, 3, "every submission is attempted")
	for _, req := range exec.placed {
		assert.Equal(t, "BTCUSDT", req.Symbol, "active symbol fills in")
	}
}

func TestMarketAndLimitHelpers(t *testing.T) {
	e, _, exec, _ := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	_, err := e.MarketBuy(context.Background(), 0.5, "")
	require.NoError(t, err)
	_, err = e.LimitSell(context.Background(), 0.5, 120, domain.PosSideMerged)
	require.NoError(t, err)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.placed, 2)
	assert.Equal(t, domain.OrderTypeMarket, exec.placed[0].Type)
	assert.Nil(t, exec.placed[0].Price)
	assert.Equal(t, domain.OrderTypeLimit, exec.placed[1].Type)
	require.NotNil(t, exec.placed[1].Price)
	assert.Equal(t, 120.0, *exec.placed[1].Price)
}

func TestCancelAllSweepsAllModes(t *testing.T) {
	e, _, exec, _ := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	e.CancelAll(context.Background(), "")

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.cancelSweeps, 6, "three modes times two order categories")

	seen := make(map[cancelSweep]bool)
	for _, s := range exec.cancelSweeps {
		seen[s] = true
	}
	assert.True(t, seen[cancelSweep{domain.PosSideMerged, false}])
	assert.True(t, seen[cancelSweep{domain.PosSideLong, true}])
	assert.True(t, seen[cancelSweep{domain.PosSideShort, false}], "sweep continues past per-mode failures")
}

func TestCancelAllSinglePosSide(t *testing.T) {
	e, _, exec, _ := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	e.CancelAll(context.Background(), domain.PosSideLong)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.cancelSweeps, 2)
	for _, s := range exec.cancelSweeps {
		assert.Equal(t, domain.PosSideLong, s.posSide)
	}
}

func TestSwitchSymbol(t *testing.T) {
	e, _, exec, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	fs.handlers.OnOrderbook(phemex.BookUpdate{
		Type: "snapshot",
		Asks: []domain.PriceLevel{{Price: 101, Size: 1}},
	})
	require.Equal(t, 101.0, e.BestAsk())

	exec.mu.Lock()
	ordersBefore := exec.orderCalls
	exec.mu.Unlock()

	require.NoError(t, e.SwitchSymbol(context.Background(), "ETHUSDT"))

	assert.Equal(t, "ETHUSDT", e.ActiveSymbol())
	assert.Zero(t, e.BestAsk(), "book resets on symbol switch")
	assert.Empty(t, e.Candles(), "candle series resets on symbol switch")

	fs.mu.Lock()
	assert.Equal(t, []string{"ETHUSDT"}, fs.switched)
	fs.mu.Unlock()

	exec.mu.Lock()
	assert.Equal(t, ordersBefore+1, exec.orderCalls, "open orders refresh for the new symbol")
	exec.mu.Unlock()

	// Unchanged symbol is a no-op.
	require.NoError(t, e.SwitchSymbol(context.Background(), "ETHUSDT"))
	fs.mu.Lock()
	assert.Len(t, fs.switched, 1)
	fs.mu.Unlock()
}

func TestSwitchSymbolUnknown(t *testing.T) {
	e, _, _, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	err := e.SwitchSymbol(context.Background(), "DOGEUSDT")
	require.ErrorIs(t, err, domain.ErrUnknownSymbol)

	assert.Equal(t, "BTCUSDT", e.ActiveSymbol())
	fs.mu.Lock()
	assert.Empty(t, fs.switched)
	fs.mu.Unlock()
}

func TestSwitchTimeframe(t *testing.T) {
	e, _, _, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	require.NoError(t, e.SwitchTimeframe(300))
	assert.Empty(t, e.Candles(), "candle series resets on timeframe switch")

	require.NoError(t, e.SwitchTimeframe(300))
	fs.mu.Lock()
	assert.Len(t, fs.switched, 1, "unchanged timeframe is a no-op")
	fs.mu.Unlock()
}

func TestShutdownIdempotent(t *testing.T) {
	e, _, _, fs := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	e.Shutdown()
	e.Shutdown()

	assert.False(t, e.Booted())
	assert.False(t, fs.Connected())

	err := e.Boot(context.Background())
	require.ErrorIs(t, err, domain.ErrShutdown)
}

func TestExecutionPassthroughs(t *testing.T) {
	e, _, exec, _ := newTestEngine(t)
	require.NoError(t, e.Boot(context.Background()))

	require.NoError(t, e.SetLeverage(context.Background(), 10))
	require.NoError(t, e.SwitchPositionMode(context.Background(), "Hedged"))
	require.NoError(t, e.AssignPositionBalance(context.Background(), domain.PosSideMerged, 250))

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 10, exec.leverageSet)
	assert.Equal(t, "Hedged", exec.switchedMode)
	assert.Equal(t, 250.0, exec.assignedAmount)
}
