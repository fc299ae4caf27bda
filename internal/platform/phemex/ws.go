package phemex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradewire/phemexlink/internal/crypto"
	"github.com/tradewire/phemexlink/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 30 * time.Second

	// maxReconnects is how many consecutive failed reconnect attempts are
	// tolerated before the session gives up and reports a fatal error.
	maxReconnects = 10

	// queueSize bounds the pending-message queue between the read loop and
	// the dispatch worker.
	queueSize = 1024

	handshakeTimeout = 15 * time.Second
)

// BookUpdate is one orderbook message from the stream, either a full snapshot
// or an incremental delta.
type BookUpdate struct {
	Symbol    string
	Type      string // "snapshot" or "incremental"
	Asks      []domain.PriceLevel
	Bids      []domain.PriceLevel
	Sequence  int64
	Timestamp int64
}

// StreamHandlers holds the callbacks a StreamSession invokes from its dispatch
// worker. Nil entries are skipped. Handlers run on the single worker goroutine,
// so they must not block for long.
type StreamHandlers struct {
	// OnConnected fires after each successful connect, with reconnected set
	// on every connect after the first. Callers use it to resync state that
	// may have changed while the stream was down.
	OnConnected    func(reconnected bool)
	OnDisconnected func()

	// OnPrice fires on every message that carries a usable price: candle
	// closes, ticker updates, index ticks, and trade prints.
	OnPrice func(price float64)

	OnCandles   func(candles []domain.Candle)
	OnTicker    func(ticker domain.Ticker)
	OnTick      func(tick domain.Tick)
	OnTrades    func(trades []domain.Trade)
	OnOrderbook func(update BookUpdate)
	OnWallet    func(wallet domain.Wallet)
	OnPositions func(positions []domain.Position)

	// OnFatal fires when the session exhausts its reconnect attempts.
	OnFatal func(err error)
}

// StreamSession is the live data stream: one WebSocket connection carrying
// candles, ticker, index ticks, trades, the orderbook, and (when credentials
// are set) account and position updates.
//
// Raw frames go through a bounded queue consumed by a single worker
// goroutine, so handler ordering matches wire ordering and a slow handler
// never stalls the read loop's ping/pong keep-alive. On disconnect the
// session reconnects with exponential backoff and replays its subscriptions.
type StreamSession struct {
	wsURL  string
	signer *crypto.Signer
	logger *slog.Logger

	handlers StreamHandlers

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	symbol     string
	resolution int
	reconnects int

	queue         chan []byte
	done          chan struct{}
	workerDone    chan struct{}
	workerStarted bool
	closeOnce     sync.Once

	// Cached field-index map for the packed ticker channel. The fields
	// header rarely changes, so the map is rebuilt only when it does.
	tickerFields []string
	tickerIndex  map[string]int
}

// NewStreamSession creates a stream session for the given WebSocket endpoint.
// signer may be nil for public-data-only sessions; with a signer the session
// authenticates on connect and also receives account and position updates.
func NewStreamSession(wsURL string, signer *crypto.Signer, handlers StreamHandlers, logger *slog.Logger) *StreamSession {
	return &StreamSession{
		wsURL:      wsURL,
		signer:     signer,
		handlers:   handlers,
		logger:     logger.With(slog.String("component", "stream")),
		queue:      make(chan []byte, queueSize),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// Connected reports whether the session currently has a live connection.
func (s *StreamSession) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Connect dials the stream, authenticates when credentials are present, and
// subscribes to market data for symbol at the given candle resolution
// (seconds per bar). Calling Connect on an already connected session is a
// no-op.
func (s *StreamSession) Connect(ctx context.Context, symbol string, resolution int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.symbol = symbol
	s.resolution = resolution
	startWorker := !s.workerStarted
	s.workerStarted = true
	s.mu.Unlock()

	// The worker outlives individual connections; one per session.
	if startWorker {
		go s.worker()
	}

	if err := s.dial(ctx); err != nil {
		return fmt.Errorf("phemex/stream: connect: %w", err)
	}
	return nil
}

// Switch repoints the market subscriptions at a new symbol or resolution.
// The connection stays up; only the subscriptions change. A disconnected
// session keeps its previous target.
func (s *StreamSession) Switch(symbol string, resolution int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.ErrNotConnected
	}
	s.symbol = symbol
	s.resolution = resolution
	return s.subscribeLocked()
}

// Close shuts the session down. Safe to call more than once; later calls are
// no-ops. Close waits briefly for the dispatch worker to drain.
func (s *StreamSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		conn := s.conn
		s.conn = nil
		s.connected = false
		started := s.workerStarted
		s.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			_ = conn.Close()
		}

		if started {
			select {
			case <-s.workerDone:
			case <-time.After(2 * time.Second):
				s.logger.Warn("worker did not drain in time")
			}
		}
	})
	return nil
}

// --------------------------------------------------------------------------
// Connection lifecycle
// --------------------------------------------------------------------------

func (s *StreamSession) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	reconnected := s.reconnects > 0
	s.reconnects = 0

	if s.signer != nil {
		if err := s.authenticateLocked(); err != nil {
			s.mu.Unlock()
			conn.Close()
			return err
		}
	}
	if err := s.subscribeLocked(); err != nil {
		s.mu.Unlock()
		conn.Close()
		return err
	}
	s.mu.Unlock()

	s.logger.Info("stream connected", slog.Bool("reconnected", reconnected))
	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected(reconnected)
	}

	go s.readLoop(conn)
	go s.pingLoop(conn)
	return nil
}

// authenticateLocked sends the user.auth request. Caller must hold s.mu.
func (s *StreamSession) authenticateLocked() error {
	expiry := time.Now().Add(requestExpiry).Unix()
	return s.sendLocked(map[string]any{
		"id":     99,
		"method": "user.auth",
		"params": []any{"API", s.signer.Key, s.signer.SignStreamAuth(expiry), expiry},
	})
}

// subscribeLocked (re)subscribes to the full channel set for the current
// symbol and resolution. Caller must hold s.mu.
func (s *StreamSession) subscribeLocked() error {
	subs := []map[string]any{
		{"id": 101, "method": "kline_p.subscribe", "params": []any{s.symbol, s.resolution}},
		{"id": 102, "method": "perp_market24h_pack_p.subscribe", "params": []any{}},
		{"id": 104, "method": "tick_p.subscribe", "params": []any{"." + s.symbol}},
		{"id": 105, "method": "trade_p.subscribe", "params": []any{s.symbol}},
		{"id": 106, "method": "orderbook_p.subscribe", "params": []any{s.symbol}},
	}
	if s.signer != nil {
		subs = append(subs, map[string]any{"id": 103, "method": "aop_p.subscribe", "params": []any{}})
	}
	for _, sub := range subs {
		if err := s.sendLocked(sub); err != nil {
			return fmt.Errorf("subscribe %v: %w", sub["method"], err)
		}
	}
	s.logger.Info("subscribed",
		slog.String("symbol", s.symbol),
		slog.Int("resolution", s.resolution))
	return nil
}

// sendLocked writes one JSON request. Caller must hold s.mu.
func (s *StreamSession) sendLocked(payload map[string]any) error {
	if s.conn == nil {
		return domain.ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(payload)
}

// readLoop reads frames off one connection and queues them for the worker.
// On read failure it hands off to the reconnect loop and exits.
func (s *StreamSession) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			s.mu.Lock()
			wasCurrent := s.conn == conn
			if wasCurrent {
				s.conn = nil
				s.connected = false
			}
			closed := s.closed
			s.mu.Unlock()

			if closed || !wasCurrent {
				return
			}

			s.logger.Warn("stream disconnected", slog.String("error", err.Error()))
			if s.handlers.OnDisconnected != nil {
				s.handlers.OnDisconnected()
			}
			go s.reconnect()
			return
		}

		select {
		case s.queue <- message:
		case <-s.done:
			return
		default:
			// Queue full: the worker is badly behind. Dropping the oldest
			// frame keeps the stream live at the cost of one update.
			select {
			case <-s.queue:
			default:
			}
			select {
			case s.queue <- message:
			default:
			}
		}
	}
}

// pingLoop sends periodic pings to keep one connection alive.
func (s *StreamSession) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconnect re-establishes the connection with exponential backoff, giving up
// after maxReconnects consecutive failures.
func (s *StreamSession) reconnect() {
	delay := reconnectDelay

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.reconnects++
		attempt := s.reconnects
		s.mu.Unlock()

		if attempt > maxReconnects {
			s.logger.Error("reconnect attempts exhausted")
			if s.handlers.OnFatal != nil {
				s.handlers.OnFatal(domain.ErrReconnectsSpent)
			}
			return
		}

		s.logger.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		s.logger.Warn("reconnect failed", slog.String("error", err.Error()))

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// worker consumes the frame queue and dispatches each message. A malformed or
// unhandled message is dropped; it never takes the session down.
func (s *StreamSession) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.done:
			return
		case message := <-s.queue:
			s.dispatch(message)
		}
	}
}

// streamFrame captures the discriminating fields of every stream message
// shape.
// Routing is by method for the packed ticker channel and by payload key for
// everything else.
type streamFrame struct {
	Method string     `json:"method"`
	Error  *wireError `json:"error"`

	Kline     json.RawMessage `json:"kline_p"`
	Tick      json.RawMessage `json:"tick_p"`
	Trades    json.RawMessage `json:"trades_p"`
	Book      json.RawMessage `json:"orderbook_p"`
	Accounts  json.RawMessage `json:"accounts_p"`
	Positions json.RawMessage `json:"positions_p"`

	// Packed ticker envelope.
	Fields []string          `json:"fields"`
	Data   []json.RawMessage `json:"data"`

	Symbol    string    `json:"symbol"`
	Type      string    `json:"type"`
	Sequence  int64     `json:"sequence"`
	Timestamp flexFloat `json:"timestamp"`
}

func (s *StreamSession) dispatch(raw []byte) {
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	if frame.Error != nil && frame.Error.Code != 0 {
		s.logger.Warn("stream error",
			slog.Int64("code", frame.Error.Code),
			slog.String("message", frame.Error.Message))
		return
	}

	switch {
	case frame.Method == "perp_market24h_pack_p.update":
		s.handleTickerPack(&frame)
	case frame.Kline != nil:
		s.handleKline(&frame)
	case frame.Tick != nil:
		s.handleTick(&frame)
	case frame.Trades != nil:
		s.handleTrades(&frame)
	case frame.Book != nil:
		s.handleOrderbook(&frame)
	case frame.Positions != nil || frame.Accounts != nil:
		s.handleAccountPush(&frame)
	}
}

func (s *StreamSession) handleKline(frame *streamFrame) {
	// kline_p is either a bare row array or {rows: [...]}.
	var rows []json.RawMessage
	if err := json.Unmarshal(frame.Kline, &rows); err != nil {
		var body struct {
			Rows []json.RawMessage `json:"rows"`
		}
		if err := json.Unmarshal(frame.Kline, &body); err != nil {
			return
		}
		rows = body.Rows
	}
	candles := parseKlineRows(rows)
	if len(candles) == 0 {
		return
	}
	if s.handlers.OnCandles != nil {
		s.handlers.OnCandles(candles)
	}
	s.emitPrice(candles[len(candles)-1].Close)
}

// handleTickerPack decodes the packed 24h ticker channel: a fields header
// plus one array-shaped row per symbol. Only the current symbol's row is
// surfaced.
func (s *StreamSession) handleTickerPack(frame *streamFrame) {
	if len(frame.Fields) == 0 || len(frame.Data) == 0 {
		return
	}

	s.mu.Lock()
	if !equalFields(frame.Fields, s.tickerFields) {
		s.tickerFields = append([]string(nil), frame.Fields...)
		s.tickerIndex = make(map[string]int, len(frame.Fields))
		for i, f := range frame.Fields {
			s.tickerIndex[f] = i
		}
	}
	index := s.tickerIndex
	symbol := s.symbol
	s.mu.Unlock()

	si, ok := index["symbol"]
	if !ok {
		return
	}

	for _, rawRow := range frame.Data {
		var row []json.RawMessage
		if err := json.Unmarshal(rawRow, &row); err != nil || si >= len(row) {
			continue
		}
		var rowSymbol string
		if err := json.Unmarshal(row[si], &rowSymbol); err != nil || rowSymbol != symbol {
			continue
		}

		get := func(field string) float64 {
			i, ok := index[field]
			if !ok || i >= len(row) {
				return 0
			}
			var v flexFloat
			if err := json.Unmarshal(row[i], &v); err != nil {
				return 0
			}
			return float64(v)
		}
		ticker := domain.Ticker{
			Symbol:          symbol,
			LastPrice:       get("lastRp"),
			MarkPrice:       get("markRp"),
			IndexPrice:      get("indexRp"),
			High24h:         get("highRp"),
			Low24h:          get("lowRp"),
			Volume24h:       get("volumeRq"),
			OpenInterest:    get("openInterestRv"),
			FundingRate:     normalizeFundingRate(get("fundingRateRr")),
			PredFundingRate: normalizeFundingRate(get("predFundingRateRr")),
			Bid:             get("bidRp"),
			Ask:             get("askRp"),
		}
		if s.handlers.OnTicker != nil {
			s.handlers.OnTicker(ticker)
		}
		s.emitPrice(ticker.Price())
		return
	}
}

func (s *StreamSession) handleTick(frame *streamFrame) {
	var body struct {
		Last      flexFloat `json:"last"`
		Symbol    string    `json:"symbol"`
		Timestamp flexFloat `json:"timestamp"`
	}
	if err := json.Unmarshal(frame.Tick, &body); err != nil {
		return
	}
	tick := domain.Tick{
		// Index-price topics carry a leading dot on the symbol.
		Symbol:    strings.TrimPrefix(body.Symbol, "."),
		Price:     float64(body.Last),
		Timestamp: normalizeSeconds(int64(body.Timestamp)),
	}
	if s.handlers.OnTick != nil {
		s.handlers.OnTick(tick)
	}
	s.emitPrice(tick.Price)
}

func (s *StreamSession) handleTrades(frame *streamFrame) {
	var rows []json.RawMessage
	if err := json.Unmarshal(frame.Trades, &rows); err != nil {
		return
	}
	trades := parseTradeRows(frame.Symbol, rows)
	if len(trades) == 0 {
		return
	}
	if s.handlers.OnTrades != nil {
		s.handlers.OnTrades(trades)
	}
	s.emitPrice(trades[len(trades)-1].Price)
}

func (s *StreamSession) handleOrderbook(frame *streamFrame) {
	if s.handlers.OnOrderbook == nil {
		return
	}
	var body struct {
		Asks []json.RawMessage `json:"asks"`
		Bids []json.RawMessage `json:"bids"`
	}
	if err := json.Unmarshal(frame.Book, &body); err != nil {
		return
	}
	s.handlers.OnOrderbook(BookUpdate{
		Symbol:    frame.Symbol,
		Type:      frame.Type,
		Asks:      parseBookLevels(body.Asks),
		Bids:      parseBookLevels(body.Bids),
		Sequence:  frame.Sequence,
		Timestamp: normalizeSeconds(int64(frame.Timestamp)),
	})
}

// handleAccountPush processes the authed account-order-position channel.
func (s *StreamSession) handleAccountPush(frame *streamFrame) {
	if frame.Positions != nil && s.handlers.OnPositions != nil {
		var rows []wirePosition
		if err := json.Unmarshal(frame.Positions, &rows); err == nil && len(rows) > 0 {
			positions := make([]domain.Position, 0, len(rows))
			for _, w := range rows {
				positions = append(positions, w.toDomain())
			}
			s.handlers.OnPositions(positions)
		}
	}
	if frame.Accounts != nil && s.handlers.OnWallet != nil {
		var rows []wireAccount
		if err := json.Unmarshal(frame.Accounts, &rows); err == nil && len(rows) > 0 {
			bal := rows[0].toBalance()
			s.handlers.OnWallet(domain.Wallet{
				Currency:  "USDT",
				Balance:   bal.Total,
				Available: bal.Available,
				Used:      bal.Used,
			})
		}
	}
}

func (s *StreamSession) emitPrice(price float64) {
	if price > 0 && s.handlers.OnPrice != nil {
		s.handlers.OnPrice(price)
	}
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
