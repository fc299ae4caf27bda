package phemex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/phemexlink/internal/crypto"
	"github.com/tradewire/phemexlink/internal/domain"
)

const (
	// requestExpiry is how long a request signature stays valid.
	requestExpiry = 60 * time.Second

	// pacingThreshold is the rate-limit usage percentage above which the
	// client inserts a pacing delay before the next call. Advisory only: it
	// slows the next call, it never queues or rejects.
	pacingThreshold = 95.0
	pacingDelay     = time.Second
)

// ExecClient is the signed execution client: order placement, amendment,
// cancellation, and private account queries. Every request carries its own
// HMAC signature; there is no session token.
//
// Outgoing quantities are floored to the product's quantity step (a rounded-up
// quantity would be rejected as oversized) and price-like fields are rounded
// half away from zero to the tick size, matching the venue's tick semantics.
type ExecClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	logger     *slog.Logger

	now func() time.Time

	productMu sync.RWMutex
	products  map[string]domain.Product

	rateMu   sync.Mutex
	rateUsed float64 // 0-100%
}

// NewExecClient creates an execution client signing with signer against the
// given API root.
func NewExecClient(baseURL string, signer *crypto.Signer, logger *slog.Logger) *ExecClient {
	return &ExecClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: restTimeout,
		},
		signer:   signer,
		logger:   logger.With(slog.String("component", "exec")),
		now:      time.Now,
		products: make(map[string]domain.Product),
	}
}

// SetProducts installs the product reference data used for precision
// truncation of outgoing orders.
func (c *ExecClient) SetProducts(products []domain.Product) {
	next := make(map[string]domain.Product, len(products))
	for _, p := range products {
		next[p.Symbol] = p
	}
	c.productMu.Lock()
	c.products = next
	c.productMu.Unlock()
}

// RateLimitUsage returns the current rate-limit usage estimate (0-100%).
func (c *ExecClient) RateLimitUsage() float64 {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.rateUsed
}

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

// PlaceOrder submits a new order. The client order ID is generated when the
// request does not carry one. The venue's "Created" status comes back
// normalized to "New".
func (c *ExecClient) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.OrderResult, error) {
	clOrdID := req.ClOrdID
	if clOrdID == "" {
		clOrdID = uuid.New().String()
	}
	posSide := req.PosSide
	if posSide == "" {
		posSide = domain.PosSideMerged
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = domain.TIFGoodTillCancel
	}

	params := url.Values{
		"symbol":      {req.Symbol},
		"clOrdID":     {clOrdID},
		"side":        {string(req.Side)},
		"orderQtyRq":  {c.fmtQty(req.Symbol, req.Qty)},
		"ordType":     {string(req.Type)},
		"timeInForce": {string(tif)},
		"reduceOnly":  {strconv.FormatBool(req.ReduceOnly)},
		"posSide":     {string(posSide)},
	}
	c.setPrice(params, "priceRp", req.Symbol, req.Price)
	c.setPrice(params, "stopLossRp", req.Symbol, req.StopLoss)
	c.setPrice(params, "takeProfitRp", req.Symbol, req.TakeProfit)
	c.setPrice(params, "stopPxRp", req.Symbol, req.TriggerPrice)
	c.setPrice(params, "tpPxRp", req.Symbol, req.TPLimitPrice)
	c.setPrice(params, "slPxRp", req.Symbol, req.SLLimitPrice)
	c.setPrice(params, "pegOffsetValueRp", req.Symbol, req.PegOffsetValue)
	setIf(params, "triggerType", string(req.TriggerType))
	setIf(params, "tpTrigger", string(req.TPTrigger))
	setIf(params, "slTrigger", string(req.SLTrigger))
	setIf(params, "pegPriceType", req.PegPriceType)
	setIf(params, "stpInstruction", req.STPInstruction)
	setIf(params, "text", req.Text)
	if req.CloseOnTrigger {
		params.Set("closeOnTrigger", "true")
	}

	env, err := c.request(ctx, http.MethodPut, "/g-orders/create", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("phemex/exec: place order: %w", err)
	}
	return decodeOrderResult(env.Data)
}

// AmendOrder modifies a resting order. Nil request fields are omitted from
// the call entirely, leaving those attributes unchanged on the exchange.
func (c *ExecClient) AmendOrder(ctx context.Context, req domain.AmendOrderRequest) (domain.OrderResult, error) {
	posSide := req.PosSide
	if posSide == "" {
		posSide = domain.PosSideMerged
	}
	params := url.Values{
		"symbol":  {req.Symbol},
		"posSide": {string(posSide)},
	}
	setIf(params, "orderID", req.OrderID)
	setIf(params, "origClOrdID", req.ClOrdID)
	c.setPrice(params, "priceRp", req.Symbol, req.Price)
	if req.Qty != nil {
		params.Set("orderQtyRq", c.fmtQty(req.Symbol, *req.Qty))
	}
	c.setPrice(params, "stopPxRp", req.Symbol, req.TriggerPrice)
	c.setPrice(params, "takeProfitRp", req.Symbol, req.TakeProfit)
	c.setPrice(params, "stopLossRp", req.Symbol, req.StopLoss)
	c.setPrice(params, "pegOffsetValueRp", req.Symbol, req.PegOffsetValue)
	setIf(params, "pegPriceType", req.PegPriceType)
	setIf(params, "triggerType", string(req.TriggerType))

	env, err := c.request(ctx, http.MethodPut, "/g-orders/replace", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("phemex/exec: amend order: %w", err)
	}
	return decodeOrderResult(env.Data)
}

// CancelOrder cancels a single order by OrderID or ClOrdID.
func (c *ExecClient) CancelOrder(ctx context.Context, req domain.CancelOrderRequest) error {
	posSide := req.PosSide
	if posSide == "" {
		posSide = domain.PosSideMerged
	}
	params := url.Values{
		"symbol":  {req.Symbol},
		"posSide": {string(posSide)},
	}
	setIf(params, "orderID", req.OrderID)
	setIf(params, "clOrdID", req.ClOrdID)

	if _, err := c.request(ctx, http.MethodDelete, "/g-orders/cancel", params); err != nil {
		return fmt.Errorf("phemex/exec: cancel order: %w", err)
	}
	return nil
}

// CancelOrders bulk-cancels specific orders by ID. An empty list is a no-op.
func (c *ExecClient) CancelOrders(ctx context.Context, symbol string, orderIDs []string, posSide domain.PositionSide) error {
	if len(orderIDs) == 0 {
		return nil
	}
	if posSide == "" {
		posSide = domain.PosSideMerged
	}
	params := url.Values{
		"symbol":  {symbol},
		"orderID": {strings.Join(orderIDs, ",")},
		"posSide": {string(posSide)},
	}
	if _, err := c.request(ctx, http.MethodDelete, "/g-orders", params); err != nil {
		return fmt.Errorf("phemex/exec: cancel orders: %w", err)
	}
	return nil
}

// CancelAll cancels every open order for symbol in one order category.
// "Nothing to cancel" comes back from the venue as success, not an error.
func (c *ExecClient) CancelAll(ctx context.Context, symbol string, untriggeredOnly bool, posSide domain.PositionSide) error {
	if posSide == "" {
		posSide = domain.PosSideMerged
	}
	params := url.Values{
		"symbol":      {symbol},
		"untriggered": {strconv.FormatBool(untriggeredOnly)},
		"posSide":     {string(posSide)},
	}
	if _, err := c.request(ctx, http.MethodDelete, "/g-orders/all", params); err != nil {
		return fmt.Errorf("phemex/exec: cancel all: %w", err)
	}
	return nil
}

// SetLeverage sets the leverage for symbol.
func (c *ExecClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":     {symbol},
		"leverageRr": {strconv.Itoa(leverage)},
	}
	if _, err := c.request(ctx, http.MethodPut, "/g-positions/leverage", params); err != nil {
		return fmt.Errorf("phemex/exec: set leverage: %w", err)
	}
	return nil
}

// SwitchPositionMode switches between "OneWay" and "Hedged" position mode.
func (c *ExecClient) SwitchPositionMode(ctx context.Context, symbol, mode string) error {
	if mode != "OneWay" && mode != "Hedged" {
		return fmt.Errorf("phemex/exec: invalid position mode %q: %w", mode, domain.ErrInvalidOrder)
	}
	params := url.Values{
		"symbol":        {symbol},
		"targetPosMode": {mode},
	}
	if _, err := c.request(ctx, http.MethodPut, "/g-positions/switch-pos-mode-sync", params); err != nil {
		return fmt.Errorf("phemex/exec: switch position mode: %w", err)
	}
	return nil
}

// AssignPositionBalance adjusts the margin of an isolated-mode position.
func (c *ExecClient) AssignPositionBalance(ctx context.Context, symbol string, posSide domain.PositionSide, balance float64) error {
	params := url.Values{
		"symbol":       {symbol},
		"posSide":      {string(posSide)},
		"posBalanceRv": {strconv.FormatFloat(balance, 'f', -1, 64)},
	}
	if _, err := c.request(ctx, http.MethodPost, "/g-positions/assign", params); err != nil {
		return fmt.Errorf("phemex/exec: assign position balance: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Private queries
// --------------------------------------------------------------------------

// GetAccountInfo fetches the account balance and the full position list.
func (c *ExecClient) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	env, err := c.request(ctx, http.MethodGet, "/g-accounts/accountPositions", url.Values{"currency": {"USDT"}})
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("phemex/exec: account info: %w", err)
	}

	var data struct {
		Account   wireAccount    `json:"account"`
		Positions []wirePosition `json:"positions"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("phemex/exec: decode account info: %w", err)
	}

	info := domain.AccountInfo{Balance: data.Account.toBalance()}
	for _, p := range data.Positions {
		info.Positions = append(info.Positions, p.toDomain())
	}
	return info, nil
}

// QueryOpenOrders returns all open orders for symbol.
func (c *ExecClient) QueryOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	env, err := c.request(ctx, http.MethodGet, "/g-orders/activeList", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("phemex/exec: open orders: %w", err)
	}
	return decodeOrderRows(env.Data)
}

// QueryOrders returns specific orders by ID.
func (c *ExecClient) QueryOrders(ctx context.Context, symbol string, orderIDs []string) ([]domain.Order, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	params := url.Values{
		"symbol":  {symbol},
		"orderID": {strings.Join(orderIDs, ",")},
	}
	env, err := c.request(ctx, http.MethodGet, "/api-data/g-futures/orders/by-order-id", params)
	if err != nil {
		return nil, fmt.Errorf("phemex/exec: query orders: %w", err)
	}
	return decodeOrderRows(env.Data)
}

// QueryOrderHistory returns historical orders in a time window
// (start/end are epoch milliseconds; zero means unbounded).
func (c *ExecClient) QueryOrderHistory(ctx context.Context, symbol string, limit, offset int, start, end int64) ([]domain.Order, error) {
	env, err := c.request(ctx, http.MethodGet, "/api-data/g-futures/orders", historyParams(symbol, limit, offset, start, end))
	if err != nil {
		return nil, fmt.Errorf("phemex/exec: order history: %w", err)
	}
	return decodeOrderRows(env.Data)
}

// QueryTradesHistory returns raw fill rows in a time window (epoch
// milliseconds, venue caps the range at 90 days). Rows stay in venue format;
// callers needing typed fills decode what they use.
func (c *ExecClient) QueryTradesHistory(ctx context.Context, symbol string, limit, offset int, start, end int64) ([]json.RawMessage, error) {
	env, err := c.request(ctx, http.MethodGet, "/api-data/g-futures/trades", historyParams(symbol, limit, offset, start, end))
	if err != nil {
		return nil, fmt.Errorf("phemex/exec: trades history: %w", err)
	}
	return decodeRawRows(env.Data)
}

// QueryFundingFees returns raw funding-fee payment rows.
func (c *ExecClient) QueryFundingFees(ctx context.Context, symbol string, limit, offset int) ([]json.RawMessage, error) {
	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	env, err := c.request(ctx, http.MethodGet, "/api-data/g-futures/funding-fees", params)
	if err != nil {
		return nil, fmt.Errorf("phemex/exec: funding fees: %w", err)
	}
	return decodeRawRows(env.Data)
}

// QueryClosedPositions returns raw closed-position rows (PnL, ROI, fees).
func (c *ExecClient) QueryClosedPositions(ctx context.Context, symbol string, limit, offset int) ([]json.RawMessage, error) {
	params := url.Values{
		"symbol":   {symbol},
		"currency": {"USDT"},
		"limit":    {strconv.Itoa(limit)},
		"offset":   {strconv.Itoa(offset)},
	}
	env, err := c.request(ctx, http.MethodGet, "/api-data/g-futures/closedPosition", params)
	if err != nil {
		return nil, fmt.Errorf("phemex/exec: closed positions: %w", err)
	}
	return decodeRawRows(env.Data)
}

// --------------------------------------------------------------------------
// Precision
// --------------------------------------------------------------------------

// FloorToStep floors qty down to a whole multiple of step. Quantities are
// never rounded up: an oversized quantity gets the whole order rejected.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// RoundToTick rounds price to the nearest whole multiple of tick, half away
// from zero.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

func (c *ExecClient) fmtQty(symbol string, qty float64) string {
	c.productMu.RLock()
	p, ok := c.products[symbol]
	c.productMu.RUnlock()
	if !ok {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	return strconv.FormatFloat(FloorToStep(qty, p.QtyStep), 'f', p.QtyPrecision, 64)
}

func (c *ExecClient) fmtPrice(symbol string, price float64) string {
	c.productMu.RLock()
	p, ok := c.products[symbol]
	c.productMu.RUnlock()
	if !ok {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	return strconv.FormatFloat(RoundToTick(price, p.TickSize), 'f', p.PricePrecision, 64)
}

func (c *ExecClient) setPrice(params url.Values, key, symbol string, v *float64) {
	if v != nil {
		params.Set(key, c.fmtPrice(symbol, *v))
	}
}

func setIf(params url.Values, key, v string) {
	if v != "" {
		params.Set(key, v)
	}
}

// --------------------------------------------------------------------------
// Signed request plumbing
// --------------------------------------------------------------------------

// request performs one signed call. The signature covers the endpoint path,
// the canonical query string (commas unescaped, as the venue signs them), and
// an expiry timestamp sixty seconds out.
func (c *ExecClient) request(ctx context.Context, method, path string, params url.Values) (*apiEnvelope, error) {
	if c.signer == nil {
		return nil, domain.ErrNoCredentials
	}

	c.paceIfNeeded(ctx)

	query := params.Encode()
	expiry := c.now().Add(requestExpiry).Unix()
	canonical := strings.ReplaceAll(query, "%2C", ",")
	signature := c.signer.SignRequest(path, canonical, expiry)

	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-phemex-access-token", c.signer.Key)
	req.Header.Set("x-phemex-request-expiry", strconv.FormatInt(expiry, 10))
	req.Header.Set("x-phemex-request-signature", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.trackRateLimit(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Some api-data endpoints answer with a bare JSON array.
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		rows := json.RawMessage(fmt.Sprintf(`{"rows":%s}`, trimmed))
		return &apiEnvelope{Data: rows}, nil
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil && env.Error.Code != 0 {
		return nil, &domain.APIError{Code: env.Error.Code, Message: env.Error.Message}
	}
	if env.Code != 0 {
		return nil, &domain.APIError{Code: env.Code, Message: env.Msg}
	}
	return &env, nil
}

// paceIfNeeded sleeps one pacing interval when the previous responses showed
// rate-limit usage above the threshold.
func (c *ExecClient) paceIfNeeded(ctx context.Context) {
	c.rateMu.Lock()
	used := c.rateUsed
	c.rateMu.Unlock()
	if used <= pacingThreshold {
		return
	}

	c.logger.Warn("rate limit pacing", slog.Float64("used_pct", used))
	t := time.NewTimer(pacingDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *ExecClient) trackRateLimit(h http.Header) {
	remaining := h.Get("x-ratelimit-remaining-contract")
	if remaining == "" {
		return
	}
	rem, err := strconv.ParseFloat(remaining, 64)
	if err != nil {
		return
	}
	limit, err := strconv.ParseFloat(h.Get("x-ratelimit-limit-contract"), 64)
	if err != nil || limit <= 0 {
		limit = 500
	}

	used := 100 - rem/limit*100
	if used < 0 {
		used = 0
	}
	c.rateMu.Lock()
	c.rateUsed = used
	c.rateMu.Unlock()

	if rem < 50 {
		c.logger.Warn("rate limit low", slog.Float64("remaining", rem))
	}
}

func decodeOrderResult(data json.RawMessage) (domain.OrderResult, error) {
	var w wireOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.OrderResult{}, fmt.Errorf("phemex/exec: decode order result: %w", err)
	}
	return w.toResult(), nil
}

func decodeOrderRows(data json.RawMessage) ([]domain.Order, error) {
	var body struct {
		Rows []wireOrder `json:"rows"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("phemex/exec: decode order rows: %w", err)
	}
	out := make([]domain.Order, 0, len(body.Rows))
	for _, w := range body.Rows {
		out = append(out, w.toDomain())
	}
	return out, nil
}

func decodeRawRows(data json.RawMessage) ([]json.RawMessage, error) {
	var body struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("phemex/exec: decode rows: %w", err)
	}
	return body.Rows, nil
}

func historyParams(symbol string, limit, offset int, start, end int64) url.Values {
	params := url.Values{
		"symbol":   {symbol},
		"currency": {"USDT"},
		"limit":    {strconv.Itoa(limit)},
		"offset":   {strconv.Itoa(offset)},
	}
	if start > 0 {
		params.Set("start", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("end", strconv.FormatInt(end, 10))
	}
	return params
}
