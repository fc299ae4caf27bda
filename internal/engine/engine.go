// Package engine wires the venue clients and the in-memory market stores
// into one stateful connector: live mirrors of the candle series, the L2
// book, positions, orders, and the wallet, plus a synchronous execution
// surface on top of them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradewire/phemexlink/internal/config"
	"github.com/tradewire/phemexlink/internal/crypto"
	"github.com/tradewire/phemexlink/internal/domain"
	"github.com/tradewire/phemexlink/internal/market"
	"github.com/tradewire/phemexlink/internal/platform/phemex"
)

// marketData is the slice of the public REST client the engine uses.
type marketData interface {
	FetchProducts(ctx context.Context) ([]domain.Product, error)
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	FetchHistoricalCandles(ctx context.Context, symbol string, resolution, limit int, end int64) ([]domain.Candle, error)
}

// execution is the slice of the signed client the engine uses.
type execution interface {
	SetProducts(products []domain.Product)
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.OrderResult, error)
	AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, req domain.CancelOrderRequest) error
	CancelOrders(ctx context.Context, symbol string, orderIDs []string, posSide domain.PositionSide) error
	CancelAll(ctx context.Context, symbol string, untriggeredOnly bool, posSide domain.PositionSide) error
	GetAccountInfo(ctx context.Context) (domain.AccountInfo, error)
	QueryOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
	QueryOrderHistory(ctx context.Context, symbol string, limit, offset int, start, end int64) ([]domain.Order, error)
	QueryTradesHistory(ctx context.Context, symbol string, limit, offset int, start, end int64) ([]json.RawMessage, error)
	QueryFundingFees(ctx context.Context, symbol string, limit, offset int) ([]json.RawMessage, error)
	QueryClosedPositions(ctx context.Context, symbol string, limit, offset int) ([]json.RawMessage, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SwitchPositionMode(ctx context.Context, symbol, mode string) error
	AssignPositionBalance(ctx context.Context, symbol string, posSide domain.PositionSide, balance float64) error
}

// streamConn is the slice of the stream session the engine uses.
type streamConn interface {
	Connect(ctx context.Context, symbol string, resolution int) error
	Switch(symbol string, resolution int) error
	Connected() bool
	Close() error
}

// streamDialer builds a stream session around the engine's handlers. Tests
// substitute a fake.
type streamDialer func(handlers phemex.StreamHandlers) streamConn

// Engine is the top-level orchestrator: it boots the REST state, keeps the
// in-memory mirrors current from the stream, and exposes read and execution
// surfaces. All accessors are safe for concurrent use and return copies.
type Engine struct {
	logger *slog.Logger

	// lifeCtx bounds background work spawned by stream callbacks; Shutdown
	// cancels it so an in-flight resync cannot outlive the engine.
	lifeCtx context.Context
	cancel  context.CancelFunc

	md     marketData
	exec   execution
	stream streamConn

	book      *market.Book
	candles   *market.CandleStore
	positions *market.PositionTracker

	mu         sync.RWMutex
	booted     bool
	closed     bool
	symbol     string
	resolution int
	history    int
	price      float64
	ticker     domain.Ticker
	hasTicker  bool
	products   []domain.Product
	wallet     domain.Wallet
	orders     map[string]domain.Order

	closeOnce sync.Once
}

// New constructs an engine from configuration, wiring the real venue clients.
// Credentials are optional: without them the engine serves market data only
// and every execution call fails with ErrNoCredentials.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	var signer *crypto.Signer
	if key, secret := cfg.ActiveCredentials(); key != "" {
		signer = crypto.NewSigner(key, secret)
	} else {
		logger.Warn("no api credentials, execution disabled")
	}

	e := newEngine(
		phemex.NewRestClient(cfg.ActiveRestURL()),
		phemex.NewExecClient(cfg.ActiveRestURL(), signer, logger),
		nil,
		cfg.Trading.Symbol,
		cfg.Trading.Resolution,
		cfg.Trading.CandleHistory,
		logger,
	)
	e.stream = phemex.NewStreamSession(cfg.ActiveWsURL(), signer, e.streamHandlers(), logger)
	return e
}

func newEngine(md marketData, exec execution, dial streamDialer, symbol string, resolution, history int, logger *slog.Logger) *Engine {
	lifeCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:     logger.With(slog.String("component", "engine")),
		lifeCtx:    lifeCtx,
		cancel:     cancel,
		md:         md,
		exec:       exec,
		symbol:     symbol,
		resolution: resolution,
		history:    history,
		book:       market.NewBook(symbol),
		candles:    market.NewCandleStore(),
		positions:  market.NewPositionTracker(),
		orders:     make(map[string]domain.Order),
	}
	if dial != nil {
		e.stream = dial(e.streamHandlers())
	}
	return e
}

// streamHandlers routes stream pushes into the engine's stores.
func (e *Engine) streamHandlers() phemex.StreamHandlers {
	return phemex.StreamHandlers{
		OnConnected: func(reconnected bool) {
			if !reconnected {
				return
			}
			e.mu.RLock()
			booted := e.booted
			e.mu.RUnlock()
			if !booted {
				return
			}
			// Resync off the dispatch worker; account fetches are slow.
			go e.resync(e.lifeCtx)
		},
		OnPrice:     e.onPrice,
		OnCandles:   func(candles []domain.Candle) { e.candles.Upsert(candles) },
		OnTicker:    e.onTicker,
		OnOrderbook: e.onOrderbook,
		OnWallet:    e.onWallet,
		OnPositions: func(positions []domain.Position) { e.positions.ReplaceAll(positions) },
		OnFatal: func(err error) {
			e.logger.Error("stream gave up", slog.String("error", err.Error()))
		},
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Boot hydrates the full state: products, ticker, candle history, account,
// and open orders are fetched in parallel while the stream connects. A failed
// sub-fetch logs a warning and leaves that slice of state at its zero value;
// only a stream connection failure aborts the boot.
func (e *Engine) Boot(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: boot: %w", domain.ErrShutdown)
	}
	if e.booted {
		e.mu.Unlock()
		return nil
	}
	symbol, resolution, history := e.symbol, e.resolution, e.history
	e.mu.Unlock()

	var (
		products []domain.Product
		ticker   domain.Ticker
		tickerOK bool
		candles  []domain.Candle
		account  domain.AccountInfo
		accOK    bool
		orders   []domain.Order
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if products, err = e.md.FetchProducts(gctx); err != nil {
			e.logger.Warn("products fetch failed", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		t, err := e.md.FetchTicker(gctx, symbol)
		if err != nil {
			e.logger.Warn("ticker fetch failed", slog.String("error", err.Error()))
			return nil
		}
		ticker, tickerOK = t, true
		return nil
	})
	g.Go(func() error {
		var err error
		candles, err = e.md.FetchHistoricalCandles(gctx, symbol, resolution, history, time.Now().Unix())
		if err != nil {
			e.logger.Warn("candle backfill failed", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		info, err := e.exec.GetAccountInfo(gctx)
		if err != nil {
			e.logger.Warn("account fetch failed", slog.String("error", err.Error()))
			return nil
		}
		account, accOK = info, true
		return nil
	})
	g.Go(func() error {
		var err error
		if orders, err = e.exec.QueryOpenOrders(gctx, symbol); err != nil {
			e.logger.Warn("open orders fetch failed", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		return e.stream.Connect(gctx, symbol, resolution)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: boot: %w", err)
	}

	e.exec.SetProducts(products)
	e.candles.Upsert(candles)
	if accOK {
		e.positions.ReplaceAll(account.Positions)
	}

	e.mu.Lock()
	e.products = products
	if tickerOK {
		e.ticker = ticker
		e.hasTicker = true
		e.price = ticker.Price()
	}
	if e.price == 0 {
		e.price = e.candles.LatestClose()
	}
	if accOK {
		e.wallet = domain.Wallet{
			Currency:  "USDT",
			Balance:   account.Balance.Total,
			Available: account.Balance.Available,
			Used:      account.Balance.Used,
		}
	}
	e.orders = make(map[string]domain.Order, len(orders))
	for _, o := range orders {
		e.orders[o.OrderID] = o
	}
	e.booted = true
	e.mu.Unlock()

	e.logger.Info("boot complete",
		slog.String("symbol", symbol),
		slog.Int("products", len(products)),
		slog.Int("candles", e.candles.Len()),
		slog.Int("positions", len(account.Positions)),
		slog.Int("orders", len(orders)),
		slog.Float64("balance", account.Balance.Total))
	return nil
}

// Shutdown closes the stream and marks the engine down. Safe to call more
// than once.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		e.cancel()
		_ = e.stream.Close()
		e.mu.Lock()
		e.booted = false
		e.closed = true
		e.mu.Unlock()
		e.logger.Info("shutdown complete")
	})
}

// SwitchSymbol repoints the engine at a new symbol: the book and candle
// series reset, the stream re-subscribes, and open orders are refreshed.
// Symbols are checked against the product catalog when one was fetched.
// A no-op when the symbol is unchanged.
func (e *Engine) SwitchSymbol(ctx context.Context, symbol string) error {
	e.mu.Lock()
	if e.symbol == symbol {
		e.mu.Unlock()
		return nil
	}
	if len(e.products) > 0 && !hasProduct(e.products, symbol) {
		e.mu.Unlock()
		return fmt.Errorf("engine: switch symbol %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	e.symbol = symbol
	resolution := e.resolution
	e.mu.Unlock()

	e.book.Reset(symbol)
	e.candles.Reset()
	if err := e.stream.Switch(symbol, resolution); err != nil {
		return fmt.Errorf("engine: switch symbol: %w", err)
	}
	e.refreshOrders(ctx)
	return nil
}

func hasProduct(products []domain.Product, symbol string) bool {
	for _, p := range products {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

// SwitchTimeframe changes the candle resolution. The candle series resets;
// a no-op when the resolution is unchanged.
func (e *Engine) SwitchTimeframe(resolution int) error {
	e.mu.Lock()
	if e.resolution == resolution {
		e.mu.Unlock()
		return nil
	}
	e.resolution = resolution
	symbol := e.symbol
	e.mu.Unlock()

	e.candles.Reset()
	if err := e.stream.Switch(symbol, resolution); err != nil {
		return fmt.Errorf("engine: switch timeframe: %w", err)
	}
	return nil
}

// resync rebuilds account, position, and order state after a stream
// reconnect; anything pushed while the connection was down is gone.
func (e *Engine) resync(ctx context.Context) {
	e.logger.Info("resyncing after reconnect")
	info, err := e.exec.GetAccountInfo(ctx)
	if err != nil {
		e.logger.Warn("resync account failed", slog.String("error", err.Error()))
	} else {
		e.positions.ReplaceAll(info.Positions)
		e.mu.Lock()
		e.wallet = domain.Wallet{
			Currency:  "USDT",
			Balance:   info.Balance.Total,
			Available: info.Balance.Available,
			Used:      info.Balance.Used,
		}
		e.mu.Unlock()
	}
	e.refreshOrders(ctx)
}

func (e *Engine) refreshOrders(ctx context.Context) {
	e.mu.RLock()
	symbol := e.symbol
	e.mu.RUnlock()

	orders, err := e.exec.QueryOpenOrders(ctx, symbol)
	if err != nil {
		e.logger.Warn("order refresh failed", slog.String("error", err.Error()))
		return
	}
	e.mu.Lock()
	e.orders = make(map[string]domain.Order, len(orders))
	for _, o := range orders {
		e.orders[o.OrderID] = o
	}
	e.mu.Unlock()
}

// --------------------------------------------------------------------------
// Stream handlers
// --------------------------------------------------------------------------

func (e *Engine) onPrice(price float64) {
	e.mu.Lock()
	e.price = price
	symbol := e.symbol
	e.mu.Unlock()
	e.positions.MarkPrice(symbol, price)
}

func (e *Engine) onTicker(ticker domain.Ticker) {
	e.mu.Lock()
	e.ticker = ticker
	e.hasTicker = true
	e.mu.Unlock()
}

func (e *Engine) onWallet(wallet domain.Wallet) {
	e.mu.Lock()
	e.wallet = wallet
	e.mu.Unlock()
}

func (e *Engine) onOrderbook(update phemex.BookUpdate) {
	if update.Type == "snapshot" {
		e.book.ApplySnapshot(update.Asks, update.Bids, update.Timestamp)
		return
	}
	e.book.ApplyDelta(update.Asks, update.Bids, update.Timestamp)
}

// --------------------------------------------------------------------------
// Read surface
// --------------------------------------------------------------------------

// Booted reports whether Boot has completed.
func (e *Engine) Booted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.booted
}

// ActiveSymbol returns the symbol the engine currently tracks.
func (e *Engine) ActiveSymbol() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.symbol
}

// Price returns the latest known price from any source: ticks, trades,
// candle closes, or the boot-time ticker.
func (e *Engine) Price() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.price
}

// Candles returns the candle series in ascending time order.
func (e *Engine) Candles() []domain.Candle {
	return e.candles.Sorted()
}

// Orderbook returns the current L2 mirror.
func (e *Engine) Orderbook() domain.OrderbookSnapshot {
	return e.book.Snapshot()
}

// BestBid returns the highest bid price, zero when the book is empty.
func (e *Engine) BestBid() float64 { return e.book.BestBid() }

// BestAsk returns the lowest ask price, zero when the book is empty.
func (e *Engine) BestAsk() float64 { return e.book.BestAsk() }

// VolumeAt returns the resting size at an exact price level on one side.
func (e *Engine) VolumeAt(price float64, side domain.Side) float64 {
	return e.book.VolumeAt(price, side)
}

// Positions returns the open (non-flat) positions.
func (e *Engine) Positions() []domain.Position {
	return e.positions.Active()
}

// Orders returns the open orders for the active symbol.
func (e *Engine) Orders() []domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	return out
}

// Wallet returns the account margin summary.
func (e *Engine) Wallet() domain.Wallet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wallet
}

// Ticker returns the latest 24h ticker and whether one has been seen.
func (e *Engine) Ticker() (domain.Ticker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ticker, e.hasTicker
}

// Products returns the product reference data loaded at boot.
func (e *Engine) Products() []domain.Product {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.Product(nil), e.products...)
}

// StreamConnected reports whether the live stream is currently up.
func (e *Engine) StreamConnected() bool {
	return e.stream.Connected()
}

// --------------------------------------------------------------------------
// Execution surface
// --------------------------------------------------------------------------

// MarketBuy submits a market buy for the active symbol.
func (e *Engine) MarketBuy(ctx context.Context, qty float64, posSide domain.PositionSide) (domain.OrderResult, error) {
	return e.place(ctx, domain.SideBuy, domain.OrderTypeMarket, qty, nil, posSide)
}

// MarketSell submits a market sell for the active symbol.
func (e *Engine) MarketSell(ctx context.Context, qty float64, posSide domain.PositionSide) (domain.OrderResult, error) {
	return e.place(ctx, domain.SideSell, domain.OrderTypeMarket, qty, nil, posSide)
}

// LimitBuy submits a limit buy for the active symbol.
func (e *Engine) LimitBuy(ctx context.Context, qty, price float64, posSide domain.PositionSide) (domain.OrderResult, error) {
	return e.place(ctx, domain.SideBuy, domain.OrderTypeLimit, qty, &price, posSide)
}

// LimitSell submits a limit sell for the active symbol.
func (e *Engine) LimitSell(ctx context.Context, qty, price float64, posSide domain.PositionSide) (domain.OrderResult, error) {
	return e.place(ctx, domain.SideSell, domain.OrderTypeLimit, qty, &price, posSide)
}

func (e *Engine) place(ctx context.Context, side domain.Side, typ domain.OrderType, qty float64, price *float64, posSide domain.PositionSide) (domain.OrderResult, error) {
	return e.PlaceOrder(ctx, domain.PlaceOrderRequest{
		Symbol:  e.ActiveSymbol(),
		Side:    side,
		Type:    typ,
		Qty:     qty,
		Price:   price,
		PosSide: posSide,
	})
}

// PlaceOrder submits one order.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.OrderResult, error) {
	if req.Symbol == "" {
		req.Symbol = e.ActiveSymbol()
	}
	return e.exec.PlaceOrder(ctx, req)
}

// PlaceOrders submits a batch of orders in parallel. Every submission is
// awaited; results are positional, and the returned error joins all
// individual failures.
func (e *Engine) PlaceOrders(ctx context.Context, reqs []domain.PlaceOrderRequest) ([]domain.OrderResult, error) {
	results := make([]domain.OrderResult, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req domain.PlaceOrderRequest) {
			defer wg.Done()
			results[i], errs[i] = e.PlaceOrder(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// AmendOrder modifies a resting order on the active symbol.
func (e *Engine) AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.OrderResult, error) {
	if req.Symbol == "" {
		req.Symbol = e.ActiveSymbol()
	}
	return e.exec.AmendOrder(ctx, req)
}

// CancelOrder cancels one order by ID on the active symbol.
func (e *Engine) CancelOrder(ctx context.Context, orderID string, posSide domain.PositionSide) error {
	return e.exec.CancelOrder(ctx, domain.CancelOrderRequest{
		Symbol:  e.ActiveSymbol(),
		OrderID: orderID,
		PosSide: posSide,
	})
}

// CancelOrders bulk-cancels specific orders on the active symbol.
func (e *Engine) CancelOrders(ctx context.Context, orderIDs []string, posSide domain.PositionSide) error {
	return e.exec.CancelOrders(ctx, e.ActiveSymbol(), orderIDs, posSide)
}

// CancelAll cancels every open order on the active symbol. With an empty
// posSide it sweeps all position modes and both order categories; sweep
// failures for modes the account is not in are tolerated.
func (e *Engine) CancelAll(ctx context.Context, posSide domain.PositionSide) {
	symbol := e.ActiveSymbol()

	sides := []domain.PositionSide{posSide}
	if posSide == "" {
		sides = []domain.PositionSide{domain.PosSideMerged, domain.PosSideLong, domain.PosSideShort}
	}
	for _, s := range sides {
		for _, untriggered := range []bool{false, true} {
			if err := e.exec.CancelAll(ctx, symbol, untriggered, s); err != nil {
				e.logger.Debug("cancel all sweep",
					slog.String("pos_side", string(s)),
					slog.Bool("untriggered", untriggered),
					slog.String("error", err.Error()))
			}
		}
	}
}

// SetLeverage sets the leverage on the active symbol.
func (e *Engine) SetLeverage(ctx context.Context, leverage int) error {
	return e.exec.SetLeverage(ctx, e.ActiveSymbol(), leverage)
}

// SwitchPositionMode switches the active symbol between OneWay and Hedged.
func (e *Engine) SwitchPositionMode(ctx context.Context, mode string) error {
	return e.exec.SwitchPositionMode(ctx, e.ActiveSymbol(), mode)
}

// AssignPositionBalance adjusts isolated-position margin on the active symbol.
func (e *Engine) AssignPositionBalance(ctx context.Context, posSide domain.PositionSide, balance float64) error {
	return e.exec.AssignPositionBalance(ctx, e.ActiveSymbol(), posSide, balance)
}

// OrderHistory returns historical orders for the active symbol
// (start/end in epoch milliseconds, zero for unbounded).
func (e *Engine) OrderHistory(ctx context.Context, limit, offset int, start, end int64) ([]domain.Order, error) {
	return e.exec.QueryOrderHistory(ctx, e.ActiveSymbol(), limit, offset, start, end)
}

// TradeHistory returns raw fill rows for the active symbol.
func (e *Engine) TradeHistory(ctx context.Context, limit, offset int, start, end int64) ([]json.RawMessage, error) {
	return e.exec.QueryTradesHistory(ctx, e.ActiveSymbol(), limit, offset, start, end)
}

// FundingFees returns raw funding-fee rows for the active symbol.
func (e *Engine) FundingFees(ctx context.Context, limit, offset int) ([]json.RawMessage, error) {
	return e.exec.QueryFundingFees(ctx, e.ActiveSymbol(), limit, offset)
}

// ClosedPositions returns raw closed-position rows for the active symbol.
func (e *Engine) ClosedPositions(ctx context.Context, limit, offset int) ([]json.RawMessage, error) {
	return e.exec.QueryClosedPositions(ctx, e.ActiveSymbol(), limit, offset)
}
