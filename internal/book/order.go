package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType determines matching and residual semantics.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	IOC    OrderType = "ioc"
	FOK    OrderType = "fok"
)

// Valid reports whether t is a supported order type.
func (t OrderType) Valid() bool {
	switch t {
	case Market, Limit, IOC, FOK:
		return true
	}
	return false
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether the status admits no further transitions.
// Terminal orders are never re-matched.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a single order. Identity fields are immutable after admission;
// FilledQuantity and Status mutate as the order matches.
type Order struct {
	ID            string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	HasPrice      bool            `json:"has_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_quantity"`
	Status        Status          `json:"status"`
	Seq           int64           `json:"seq"`
	UserID        string          `json:"user_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Remaining returns quantity minus filled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Terminal reports whether the order is in a terminal state.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// Marketable reports whether the order must execute immediately and never rest.
func (o *Order) Marketable() bool {
	return o.Type == Market || o.Type == IOC || o.Type == FOK
}
