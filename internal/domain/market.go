package domain

// Tick is a single price update from the exchange. Ticks are transient: they
// trigger recomputation but are never stored.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp int64
}

// Candle is one OHLCV bar. Time is the epoch second of the bucket start,
// aligned to the series resolution, and is the identity key within a series.
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Trade is a single public trade print.
type Trade struct {
	Symbol string
	Side   Side
	Price  float64
	Qty    float64
	Time   int64
}

// Ticker carries 24h market statistics for one symbol.
type Ticker struct {
	Symbol          string
	LastPrice       float64
	MarkPrice       float64
	IndexPrice      float64
	High24h         float64
	Low24h          float64
	Volume24h       float64
	OpenInterest    float64
	FundingRate     float64
	PredFundingRate float64
	Bid             float64
	Ask             float64
}

// Price returns the best available price from the ticker: last trade price
// when present, mark price otherwise.
func (t Ticker) Price() float64 {
	if t.LastPrice > 0 {
		return t.LastPrice
	}
	return t.MarkPrice
}

// Product is static reference data for one perpetual contract, loaded at boot
// and used to round outgoing order prices and quantities.
type Product struct {
	Symbol        string
	BaseCurrency  string
	QuoteCurrency string

	TickSize       float64 // minimum price increment
	QtyStep        float64 // minimum quantity increment
	PricePrecision int     // decimals for formatted prices
	QtyPrecision   int     // decimals for formatted quantities

	MaxLeverage     float64
	MaxPositionSize float64
}

// Wallet is the account margin summary for one currency.
// Available is always Balance minus Used.
type Wallet struct {
	Currency  string
	Balance   float64 // equity
	Available float64 // free margin
	Used      float64 // margin in use
}

// Balance is the raw account balance triple from the exchange.
type Balance struct {
	Total     float64
	Available float64
	Used      float64
}

// AccountInfo bundles the account balance with its position list as returned
// by the combined account-and-positions endpoint.
type AccountInfo struct {
	Balance   Balance
	Positions []Position
}
