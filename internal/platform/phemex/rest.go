// Package phemex contains the venue clients: the public market-data REST
// client, the signed execution client, and the streaming session. All wire
// parsing happens here; the rest of the system only sees domain types.
package phemex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tradewire/phemexlink/internal/domain"
)

const restTimeout = 10 * time.Second

// RestClient is the unauthenticated REST client for Phemex market data:
// products, 24h tickers, klines, and orderbook snapshots.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRestClient creates a market-data client for the given API root,
// e.g. "https://api.phemex.com".
func NewRestClient(baseURL string) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: restTimeout,
		},
	}
}

// FetchProducts returns all listed perpetual products. Non-perpetual and
// delisted entries are filtered out.
func (c *RestClient) FetchProducts(ctx context.Context) ([]domain.Product, error) {
	env, err := c.get(ctx, "/public/products", nil)
	if err != nil {
		return nil, fmt.Errorf("phemex/rest: fetch products: %w", err)
	}

	var data struct {
		Products       []wireProduct `json:"products"`
		PerpProductsV2 []wireProduct `json:"perpProductsV2"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("phemex/rest: decode products: %w", err)
	}

	out := make([]domain.Product, 0, len(data.Products)+len(data.PerpProductsV2))
	for _, p := range append(data.Products, data.PerpProductsV2...) {
		if p.Status != "Listed" {
			continue
		}
		if p.Type != "Perpetual" && p.Type != "PerpetualV2" {
			continue
		}
		out = append(out, p.toDomain())
	}
	return out, nil
}

// FetchTicker returns the 24h ticker stats for symbol.
func (c *RestClient) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	env, err := c.get(ctx, "/md/v3/ticker/24hr", url.Values{"symbol": {symbol}})
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("phemex/rest: fetch ticker: %w", err)
	}

	var w wireTicker
	if err := json.Unmarshal(env.Result, &w); err != nil {
		return domain.Ticker{}, fmt.Errorf("phemex/rest: decode ticker: %w", err)
	}
	return w.toDomain(symbol), nil
}

// FetchCandles returns up to limit of the latest candles for symbol at the
// given resolution (seconds per bucket).
func (c *RestClient) FetchCandles(ctx context.Context, symbol string, resolution, limit int, end int64) ([]domain.Candle, error) {
	if end == 0 {
		end = time.Now().Unix()
	}
	env, err := c.get(ctx, "/exchange/public/md/v2/kline/last", url.Values{
		"symbol":     {symbol},
		"to":         {strconv.FormatInt(end, 10)},
		"resolution": {strconv.Itoa(resolution)},
		"limit":      {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, fmt.Errorf("phemex/rest: fetch candles: %w", err)
	}
	return decodeKlineRows(env.Data)
}

// FetchHistoricalCandles returns up to limit candles ending at end, using the
// from/to paginated kline endpoint.
func (c *RestClient) FetchHistoricalCandles(ctx context.Context, symbol string, resolution, limit int, end int64) ([]domain.Candle, error) {
	from := end - int64(limit*resolution)
	env, err := c.get(ctx, "/exchange/public/md/v2/kline/list", url.Values{
		"symbol":     {symbol},
		"from":       {strconv.FormatInt(from, 10)},
		"to":         {strconv.FormatInt(end, 10)},
		"resolution": {strconv.Itoa(resolution)},
	})
	if err != nil {
		return nil, fmt.Errorf("phemex/rest: fetch historical candles: %w", err)
	}
	return decodeKlineRows(env.Data)
}

// FetchOrderbook returns a full L2 snapshot for symbol.
func (c *RestClient) FetchOrderbook(ctx context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	env, err := c.get(ctx, "/md/v2/orderbook", url.Values{"symbol": {symbol}})
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("phemex/rest: fetch orderbook: %w", err)
	}

	var result struct {
		Timestamp int64 `json:"timestamp"`
		Orderbook struct {
			Asks []json.RawMessage `json:"asks"`
			Bids []json.RawMessage `json:"bids"`
		} `json:"orderbook_p"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("phemex/rest: decode orderbook: %w", err)
	}

	return domain.OrderbookSnapshot{
		Symbol:    symbol,
		Asks:      parseBookLevels(result.Orderbook.Asks),
		Bids:      parseBookLevels(result.Orderbook.Bids),
		Timestamp: normalizeSeconds(result.Timestamp),
	}, nil
}

// FormatResolution renders a resolution in seconds as the human label used in
// logs ("1m", "4h", "1d").
func FormatResolution(seconds int) string {
	switch {
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh", seconds/3600)
	default:
		return fmt.Sprintf("%dd", seconds/86400)
	}
}

// --------------------------------------------------------------------------
// Internal
// --------------------------------------------------------------------------

func (c *RestClient) get(ctx context.Context, path string, params url.Values) (*apiEnvelope, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
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

func decodeKlineRows(data json.RawMessage) ([]domain.Candle, error) {
	var body struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("phemex/rest: decode kline rows: %w", err)
	}
	return parseKlineRows(body.Rows), nil
}
