package types

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	two            = decimal.NewFromInt(2)
	midpointPlaces = int32(2)
	spreadPlaces   = int32(4)
)

// PriceLevel is a single bid or ask level. The API returns prices and
// sizes as strings to preserve decimal precision; they are parsed into
// decimals at the transport boundary.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a point-in-time view of one token's book. Bids are sorted
// descending by price, asks ascending, so index 0 is top of book.
type OrderBook struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	TickSize  decimal.Decimal
	NegRisk   bool
	Timestamp time.Time
}

// BestBid returns the highest bid price, or false on an empty side.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or false on an empty side.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Midpoint returns (bestBid+bestAsk)/2 quantized to 2 decimals, or false
// when either side is empty.
func (b *OrderBook) Midpoint() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(two).Round(midpointPlaces), true
}

// Spread returns bestAsk-bestBid quantized to 4 decimals, or false when
// either side is empty.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Sub(bid).Round(spreadPlaces), true
}

// rawLevel is the wire form of a price level.
type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST/WS wire format of an order book.
type BookResponse struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
	TickSize  string     `json:"tick_size"`
	NegRisk   bool       `json:"neg_risk"`
	Timestamp string     `json:"timestamp"`
}

// ToOrderBook parses the wire format into decimal levels. Levels that
// fail to parse are dropped rather than failing the whole book.
func (r *BookResponse) ToOrderBook() *OrderBook {
	book := &OrderBook{
		TokenID:   r.AssetID,
		NegRisk:   r.NegRisk,
		Timestamp: time.Now(),
	}
	if ts, err := decimal.NewFromString(r.TickSize); err == nil {
		book.TickSize = ts
	}
	book.Bids = parseLevels(r.Bids)
	book.Asks = parseLevels(r.Asks)
	return book
}

func parseLevels(raw []rawLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		p, errP := decimal.NewFromString(lvl.Price)
		s, errS := decimal.NewFromString(lvl.Size)
		if errP != nil || errS != nil {
			continue
		}
		out = append(out, PriceLevel{Price: p, Size: s})
	}
	return out
}
