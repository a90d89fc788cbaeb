package engine

import (
	"time"

	"SpotMatch/internal/book"
)

// OutputKind discriminates engine outputs on the persistence channel.
type OutputKind string

const (
	// OutputAdmitted carries the pre-match admission copy of an order.
	// Replaying admissions through the matcher reproduces the book, so
	// this is the only event the recovery path needs besides cancels.
	OutputAdmitted OutputKind = "order_admitted"

	// OutputCancelled records a cancel of a resting order.
	OutputCancelled OutputKind = "order_cancelled"
)

// CancelRecord is the payload of an order_cancelled event.
type CancelRecord struct {
	OrderID string `json:"order_id"`
	Seq     int64  `json:"seq"`
}

// Output is one unit of work handed to the persistence worker. Exactly
// one of Admitted / Cancelled is set, matching Kind. Order and Makers
// are post-match copies for the orders table; Trades are the fills the
// submission produced.
type Output struct {
	Kind      OutputKind
	Symbol    string
	Seq       int64
	Admitted  *book.Order
	Cancelled *CancelRecord
	Order     *book.Order
	Makers    []*book.Order
	Trades    []*book.Trade
	At        time.Time
}

// Result is what a submission returns to the caller: the post-match
// state of the order and the trades it produced, in match order.
type Result struct {
	Order  book.Order
	Trades []*book.Trade
}
