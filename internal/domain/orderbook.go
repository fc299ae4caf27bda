package domain

// PriceLevel is a single price+size entry in an orderbook. A level with zero
// size is never stored; on the wire it means "remove this price".
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a fully-formed view of the L2 book for one symbol.
// Asks are sorted strictly ascending by price, bids strictly descending.
type OrderbookSnapshot struct {
	Symbol    string
	Asks      []PriceLevel
	Bids      []PriceLevel
	Timestamp int64
}

// BestAsk returns the lowest ask price, or zero when the side is empty.
func (s OrderbookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// BestBid returns the highest bid price, or zero when the side is empty.
func (s OrderbookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}
