package domain

// Side indicates whether an order buys or sells the base contract.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit           OrderType = "Limit"
	OrderTypeMarket          OrderType = "Market"
	OrderTypeStop            OrderType = "Stop"
	OrderTypeStopLimit       OrderType = "StopLimit"
	OrderTypeMarketIfTouched OrderType = "MarketIfTouched"
	OrderTypeLimitIfTouched  OrderType = "LimitIfTouched"
)

// TimeInForce is the order lifetime policy.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GoodTillCancel"
	TIFImmediateOrCancel TimeInForce = "ImmediateOrCancel"
	TIFFillOrKill        TimeInForce = "FillOrKill"
	TIFPostOnly          TimeInForce = "PostOnly"
)

// TriggerType selects the price source for conditional orders.
type TriggerType string

const (
	TriggerByMarkPrice TriggerType = "ByMarkPrice"
	TriggerByLastPrice TriggerType = "ByLastPrice"
)

// OrderStatus tracks the order lifecycle as reported by the exchange.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCanceled        OrderStatus = "Canceled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// NormalizeOrderStatus maps venue status aliases onto the canonical set.
// Phemex reports freshly accepted orders as "Created"; locally they are "New".
func NormalizeOrderStatus(s string) OrderStatus {
	if s == "Created" || s == "Untriggered" {
		return OrderStatusNew
	}
	return OrderStatus(s)
}

// Order is a resting order in the local cache, keyed by OrderID.
type Order struct {
	OrderID      string
	ClOrdID      string
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64
	TriggerPrice float64
	Status       OrderStatus
}

// PlaceOrderRequest is the standardized order intent. Optional price-like
// fields use pointers so "not set" is distinguishable from zero.
type PlaceOrderRequest struct {
	Symbol string
	Side   Side
	Type   OrderType
	Qty    float64
	Price  *float64 // required for Limit

	// Risk management
	TakeProfit     *float64
	StopLoss       *float64
	TPLimitPrice   *float64
	SLLimitPrice   *float64
	TPTrigger      TriggerType
	SLTrigger      TriggerType
	ReduceOnly     bool
	CloseOnTrigger bool

	// Conditional / advanced
	TimeInForce    TimeInForce
	TriggerPrice   *float64
	TriggerType    TriggerType
	PegOffsetValue *float64 // trailing offset from current price
	PegPriceType   string   // TrailingStopPeg, TrailingTakeProfitPeg, ...
	STPInstruction string   // CancelMaker, CancelTaker, CancelBoth

	// Tracking
	ClOrdID string // generated when empty
	PosSide PositionSide
	Text    string // order comment, e.g. a strategy tag
}

// AmendOrderRequest modifies a resting order. Nil fields are left unchanged
// on the exchange (partial update, not null-as-zero).
type AmendOrderRequest struct {
	Symbol  string
	OrderID string
	ClOrdID string

	Price          *float64
	Qty            *float64
	TakeProfit     *float64
	StopLoss       *float64
	TriggerPrice   *float64
	PegOffsetValue *float64
	PegPriceType   string
	TriggerType    TriggerType
	PosSide        PositionSide
}

// CancelOrderRequest cancels a single order by OrderID or ClOrdID.
type CancelOrderRequest struct {
	Symbol  string
	OrderID string
	ClOrdID string
	PosSide PositionSide
}

// OrderResult is the normalized outcome of a place/amend call.
type OrderResult struct {
	OrderID  string
	ClOrdID  string
	Status   OrderStatus
	AvgPrice float64
	CumQty   float64
}

// Float64 returns a pointer to v, for optional request fields.
func Float64(v float64) *float64 { return &v }
