package server

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"SpotMatch/internal/book"
	"SpotMatch/internal/engine"
)

// Inbound is the canonical ingress message. Type selects which fields
// are meaningful.
type Inbound struct {
	Type string `json:"type"`

	// order
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	OrderType     string `json:"order_type,omitempty"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`

	// cancel
	OrderID string `json:"order_id,omitempty"`

	// subscribe / unsubscribe
	Symbols    []string `json:"symbols,omitempty"`
	Trades     bool     `json:"trades,omitempty"`
	MarketData bool     `json:"market_data,omitempty"`

	// orderbook
	Depth int `json:"depth,omitempty"`
}

// TradeDetail is one fill inside an order response, from the taker's
// perspective.
type TradeDetail struct {
	TradeID  string `json:"trade_id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Fee      string `json:"fee"`
}

// OrderResponse answers an order submission.
type OrderResponse struct {
	Type              string        `json:"type"`
	Success           bool          `json:"success"`
	OrderID           string        `json:"order_id,omitempty"`
	ClientOrderID     string        `json:"client_order_id,omitempty"`
	Status            string        `json:"status,omitempty"`
	FilledQuantity    string        `json:"filled_quantity,omitempty"`
	RemainingQuantity string        `json:"remaining_quantity,omitempty"`
	Trades            []TradeDetail `json:"trades,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// CancelResponse answers a cancel request.
type CancelResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// SubscribeResponse acknowledges a subscription change.
type SubscribeResponse struct {
	Type       string   `json:"type"`
	Symbols    []string `json:"symbols"`
	Trades     bool     `json:"trades"`
	MarketData bool     `json:"market_data"`
}

// ErrorResponse reports a malformed or unroutable message.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ParseOrder converts an ingress order message into a book order.
// Structural problems (unparseable decimals) are caught here; semantic
// validation (bounds, price rules) belongs to the engine.
func ParseOrder(msg *Inbound) (*book.Order, error) {
	qty, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return nil, fmt.Errorf("bad quantity %q", msg.Quantity)
	}
	o := &book.Order{
		Symbol:        msg.Symbol,
		Side:          book.Side(msg.Side),
		Type:          book.OrderType(msg.OrderType),
		Quantity:      qty,
		UserID:        msg.UserID,
		ClientOrderID: msg.ClientOrderID,
	}
	if msg.Price != "" {
		p, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return nil, fmt.Errorf("bad price %q", msg.Price)
		}
		o.Price = p
		o.HasPrice = true
	}
	return o, nil
}

// NewOrderResponse builds the success response for a submission.
func NewOrderResponse(res *engine.Result) OrderResponse {
	resp := OrderResponse{
		Type:              "order_response",
		Success:           true,
		OrderID:           res.Order.ID,
		ClientOrderID:     res.Order.ClientOrderID,
		Status:            string(res.Order.Status),
		FilledQuantity:    res.Order.FilledQty.String(),
		RemainingQuantity: res.Order.Remaining().String(),
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, TradeDetail{
			TradeID:  t.ID,
			Price:    t.Price.String(),
			Quantity: t.Quantity.String(),
			Fee:      t.TakerFee.String(),
		})
	}
	return resp
}

// NewRejectResponse builds the failure response for a submission.
func NewRejectResponse(msg *Inbound, err error) OrderResponse {
	return OrderResponse{
		Type:          "order_response",
		Success:       false,
		ClientOrderID: msg.ClientOrderID,
		Status:        string(book.StatusRejected),
		Error:         err.Error(),
	}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All response types are plain structs; this cannot fail.
		return []byte(`{"type":"error","error":"internal serialization failure"}`)
	}
	return data
}
