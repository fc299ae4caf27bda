package phemex

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tradewire/phemexlink/internal/domain"
)

// flexFloat is a float64 that unmarshals from both JSON numbers and numeric
// strings. Phemex mixes the two freely across its "Rp"/"Rq"/"Rv" fields.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// apiEnvelope is the common REST response wrapper. Object-style endpoints use
// code/msg/data, market-data endpoints use error/result.
type apiEnvelope struct {
	Code   int64           `json:"code"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
	Error  *wireError      `json:"error"`
	Result json.RawMessage `json:"result"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// wireProduct is one entry of /public/products. Only Listed perpetuals are
// converted; everything else is dropped at this boundary.
type wireProduct struct {
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	Type           string    `json:"type"`
	BaseCurrency   string    `json:"baseCurrency"`
	QuoteCurrency  string    `json:"quoteCurrency"`
	TickSize       flexFloat `json:"tickSize"`
	QtyStepSize    flexFloat `json:"qtyStepSize"`
	PricePrecision *int      `json:"pricePrecision"`
	QtyPrecision   *int      `json:"qtyPrecision"`
	MaxLeverage    flexFloat `json:"maxLeverage"`
	MaxOrderQty    flexFloat `json:"maxOrderQtyRq"`
}

func (p wireProduct) toDomain() domain.Product {
	tick := float64(p.TickSize)
	if tick == 0 {
		tick = 0.01
	}
	step := float64(p.QtyStepSize)
	if step == 0 {
		step = 0.001
	}
	out := domain.Product{
		Symbol:          p.Symbol,
		BaseCurrency:    p.BaseCurrency,
		QuoteCurrency:   p.QuoteCurrency,
		TickSize:        tick,
		QtyStep:         step,
		MaxLeverage:     float64(p.MaxLeverage),
		MaxPositionSize: float64(p.MaxOrderQty),
	}
	if p.PricePrecision != nil {
		out.PricePrecision = *p.PricePrecision
	} else {
		out.PricePrecision = precisionFromStep(tick)
	}
	if p.QtyPrecision != nil {
		out.QtyPrecision = *p.QtyPrecision
	} else {
		out.QtyPrecision = precisionFromStep(step)
	}
	return out
}

// precisionFromStep derives a decimal count from a step size
// (0.1 → 1, 0.01 → 2). Steps of 1 or larger need no decimals.
func precisionFromStep(step float64) int {
	precision := 0
	for step < 1 && precision < 12 {
		step *= 10
		precision++
	}
	return precision
}

// wireTicker is the /md/v3/ticker/24hr result body.
type wireTicker struct {
	Symbol          string    `json:"symbol"`
	LastPrice       flexFloat `json:"lastRp"`
	MarkPrice       flexFloat `json:"markRp"`
	IndexPrice      flexFloat `json:"indexRp"`
	High24h         flexFloat `json:"highRp"`
	Low24h          flexFloat `json:"lowRp"`
	Volume24h       flexFloat `json:"volumeRq"`
	Turnover24h     flexFloat `json:"turnoverRv"`
	OpenInterest    flexFloat `json:"openInterestRv"`
	FundingRate     flexFloat `json:"fundingRateRr"`
	PredFundingRate flexFloat `json:"predFundingRateRr"`
	Bid             flexFloat `json:"bidRp"`
	Ask             flexFloat `json:"askRp"`
}

func (w wireTicker) toDomain(symbol string) domain.Ticker {
	if w.Symbol != "" {
		symbol = w.Symbol
	}
	return domain.Ticker{
		Symbol:          symbol,
		LastPrice:       float64(w.LastPrice),
		MarkPrice:       float64(w.MarkPrice),
		IndexPrice:      float64(w.IndexPrice),
		High24h:         float64(w.High24h),
		Low24h:          float64(w.Low24h),
		Volume24h:       float64(w.Volume24h),
		OpenInterest:    float64(w.OpenInterest),
		FundingRate:     normalizeFundingRate(float64(w.FundingRate)),
		PredFundingRate: normalizeFundingRate(float64(w.PredFundingRate)),
		Bid:             float64(w.Bid),
		Ask:             float64(w.Ask),
	}
}

// normalizeFundingRate scales legacy 1e8-scaled funding values down to a
// plain ratio. Real funding rates are far below 1.
func normalizeFundingRate(v float64) float64 {
	if v > 1 || v < -1 {
		return v / 1e8
	}
	return v
}

// wireOrder is one row of the active-order and order-query endpoints. The
// parse is strict: one canonical field set, resolved here once, so the core
// never deals in field-name variants.
type wireOrder struct {
	OrderID   string    `json:"orderID"`
	ClOrdID   string    `json:"clOrdID"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	OrdType   string    `json:"ordType"`
	OrdStatus string    `json:"ordStatus"`
	Price     flexFloat `json:"priceRp"`
	OrderQty  flexFloat `json:"orderQtyRq"`
	StopPx    flexFloat `json:"stopPxRp"`
	AvgPrice  flexFloat `json:"avgPriceRp"`
	CumQty    flexFloat `json:"cumQtyRq"`
}

func (w wireOrder) toDomain() domain.Order {
	return domain.Order{
		OrderID:      w.OrderID,
		ClOrdID:      w.ClOrdID,
		Symbol:       w.Symbol,
		Side:         domain.Side(w.Side),
		Type:         domain.OrderType(w.OrdType),
		Qty:          float64(w.OrderQty),
		Price:        float64(w.Price),
		TriggerPrice: float64(w.StopPx),
		Status:       domain.NormalizeOrderStatus(w.OrdStatus),
	}
}

func (w wireOrder) toResult() domain.OrderResult {
	return domain.OrderResult{
		OrderID:  w.OrderID,
		ClOrdID:  w.ClOrdID,
		Status:   domain.NormalizeOrderStatus(w.OrdStatus),
		AvgPrice: float64(w.AvgPrice),
		CumQty:   float64(w.CumQty),
	}
}

// wirePosition is one entry of the account-positions endpoint and of the
// positions_p stream push.
type wirePosition struct {
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	PosSide          string    `json:"posSide"`
	Size             flexFloat `json:"size"`
	AvgEntryPrice    flexFloat `json:"avgEntryPriceRp"`
	MarkPrice        flexFloat `json:"markPriceRp"`
	LiquidationPrice flexFloat `json:"liquidationPriceRp"`
	Leverage         flexFloat `json:"leverageRr"`
	UnrealisedPnl    flexFloat `json:"unrealisedPnlRv"`
	RealisedPnl      flexFloat `json:"curTermRealisedPnlRv"`
	UsedBalance      flexFloat `json:"usedBalanceRv"`
}

func (w wirePosition) toDomain() domain.Position {
	side := domain.Side(w.Side)
	if side == "" {
		side = domain.SideBuy
	}
	posSide := domain.PositionSide(w.PosSide)
	if posSide == "" {
		posSide = domain.PosSideMerged
	}
	leverage := float64(w.Leverage)
	if leverage < 0 {
		// Negative leverage encodes cross margin; magnitude is what matters.
		leverage = -leverage
	}
	return domain.Position{
		Symbol:           w.Symbol,
		Side:             side,
		PosSide:          posSide,
		Size:             float64(w.Size),
		EntryPrice:       float64(w.AvgEntryPrice),
		MarkPrice:        float64(w.MarkPrice),
		LiquidationPrice: float64(w.LiquidationPrice),
		Leverage:         leverage,
		UnrealizedPnl:    float64(w.UnrealisedPnl),
		RealizedPnl:      float64(w.RealisedPnl),
		Margin:           float64(w.UsedBalance),
	}
}

// wireAccount is the account body of the account-positions endpoint and of
// the accounts_p stream push.
type wireAccount struct {
	Currency         string    `json:"currency"`
	AccountBalance   flexFloat `json:"accountBalanceRv"`
	TotalUsedBalance flexFloat `json:"totalUsedBalanceRv"`
}

func (w wireAccount) toBalance() domain.Balance {
	total := float64(w.AccountBalance)
	used := float64(w.TotalUsedBalance)
	return domain.Balance{Total: total, Used: used, Available: total - used}
}

// --------------------------------------------------------------------------
// Row parsing
// --------------------------------------------------------------------------

// parseKlineRows converts kline row arrays into candles. Rows are
// [time, interval, lastClose, open, high, low, close, volume, turnover];
// short or malformed rows are skipped individually.
func parseKlineRows(rows []json.RawMessage) []domain.Candle {
	out := make([]domain.Candle, 0, len(rows))
	for _, raw := range rows {
		var row []flexFloat
		if err := json.Unmarshal(raw, &row); err != nil || len(row) < 7 {
			continue
		}
		c := domain.Candle{
			Time:  normalizeSeconds(int64(row[0])),
			Open:  float64(row[3]),
			High:  float64(row[4]),
			Low:   float64(row[5]),
			Close: float64(row[6]),
		}
		if len(row) > 7 {
			c.Volume = float64(row[7])
		}
		out = append(out, c)
	}
	return out
}

// parseBookLevels converts [price, size] pair arrays into levels. A single
// malformed pair is skipped without aborting the rest of the side.
func parseBookLevels(rows []json.RawMessage) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(rows))
	for _, raw := range rows {
		var pair []flexFloat
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: float64(pair[0]), Size: float64(pair[1])})
	}
	return out
}

// parseTradeRows converts trade-print rows [time, side, price, qty].
func parseTradeRows(symbol string, rows []json.RawMessage) []domain.Trade {
	out := make([]domain.Trade, 0, len(rows))
	for _, raw := range rows {
		var row []json.RawMessage
		if err := json.Unmarshal(raw, &row); err != nil || len(row) < 4 {
			continue
		}
		var ts flexFloat
		var side string
		var price, qty flexFloat
		if json.Unmarshal(row[0], &ts) != nil ||
			json.Unmarshal(row[1], &side) != nil ||
			json.Unmarshal(row[2], &price) != nil ||
			json.Unmarshal(row[3], &qty) != nil {
			continue
		}
		out = append(out, domain.Trade{
			Symbol: symbol,
			Side:   domain.Side(side),
			Price:  float64(price),
			Qty:    float64(qty),
			Time:   normalizeSeconds(int64(ts)),
		})
	}
	return out
}

// normalizeSeconds collapses second, millisecond, microsecond, and nanosecond
// epoch timestamps onto seconds.
func normalizeSeconds(ts int64) int64 {
	switch {
	case ts > 2_000_000_000_000_000:
		return ts / 1_000_000_000
	case ts > 2_000_000_000_000:
		return ts / 1_000_000
	case ts > 2_000_000_000:
		return ts / 1_000
	default:
		return ts
	}
}
