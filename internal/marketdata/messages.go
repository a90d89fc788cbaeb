package marketdata

import (
	"time"

	"SpotMatch/internal/book"
)

// Wire records for the broadcast streams. Every numeric field is a
// string so exact decimal precision survives serialization.

// TradeMsg is one trade on the trades stream.
type TradeMsg struct {
	Type          string `json:"type"`
	Symbol        string `json:"symbol"`
	TradeID       string `json:"trade_id"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	AggressorSide string `json:"aggressor_side"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	Timestamp     string `json:"timestamp"`
}

// BBOView is the best bid/offer section of a market-data record. Absent
// sides are null.
type BBOView struct {
	BestBid *string `json:"best_bid"`
	BestAsk *string `json:"best_ask"`
	Spread  *string `json:"spread"`
}

// DepthView is the aggregated L2 section: [price, quantity] pairs, bids
// descending, asks ascending.
type DepthView struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// MarketDataMsg is one sample on the market-data stream.
type MarketDataMsg struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Timestamp string    `json:"timestamp"`
	BBO       BBOView   `json:"bbo"`
	Depth     DepthView `json:"depth"`
}

// NewTradeMsg converts a trade into its wire form.
func NewTradeMsg(t *book.Trade) TradeMsg {
	return TradeMsg{
		Type:          "trade",
		Symbol:        t.Symbol,
		TradeID:       t.ID,
		Price:         t.Price.String(),
		Quantity:      t.Quantity.String(),
		AggressorSide: string(t.AggressorSide),
		MakerOrderID:  t.MakerOrderID,
		TakerOrderID:  t.TakerOrderID,
		Timestamp:     t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// NewMarketDataMsg converts a book snapshot into its wire form.
func NewMarketDataMsg(symbol string, bbo book.BBO, depth book.DepthView, at time.Time) MarketDataMsg {
	msg := MarketDataMsg{
		Type:      "market_data",
		Symbol:    symbol,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Depth: DepthView{
			Bids: quotePairs(depth.Bids),
			Asks: quotePairs(depth.Asks),
		},
	}
	if bbo.Bid != nil {
		s := bbo.Bid.Price.String()
		msg.BBO.BestBid = &s
	}
	if bbo.Ask != nil {
		s := bbo.Ask.Price.String()
		msg.BBO.BestAsk = &s
	}
	if bbo.HasSpread {
		s := bbo.Spread.String()
		msg.BBO.Spread = &s
	}
	return msg
}

func quotePairs(quotes []book.Quote) [][2]string {
	out := make([][2]string, len(quotes))
	for i, q := range quotes {
		out[i] = [2]string{q.Price.String(), q.Quantity.String()}
	}
	return out
}
