package book

import "github.com/shopspring/decimal"

// PriceLevel holds all resting orders at a single price on one side.
// Orders keep strict FIFO: insertion order is time priority.
type PriceLevel struct {
	Price    decimal.Decimal
	Orders   []*Order
	TotalQty decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, TotalQty: decimal.Zero}
}

// enqueue appends o to the FIFO and adds its remaining quantity to the
// level aggregate.
func (l *PriceLevel) enqueue(o *Order) {
	l.Orders = append(l.Orders, o)
	l.TotalQty = l.TotalQty.Add(o.Remaining())
}

// head returns the first live order in FIFO order.
func (l *PriceLevel) head() (*Order, bool) {
	if len(l.Orders) == 0 {
		return nil, false
	}
	return l.Orders[0], true
}

// remove deletes the order with the given id and subtracts its remaining
// quantity from the aggregate.
func (l *PriceLevel) remove(orderID string) bool {
	for i, o := range l.Orders {
		if o.ID == orderID {
			l.TotalQty = l.TotalQty.Sub(o.Remaining())
			if l.TotalQty.IsNegative() {
				l.TotalQty = decimal.Zero
			}
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			return true
		}
	}
	return false
}

// reduce subtracts a fill from the aggregate after the caller has already
// incremented the order's FilledQty. A fully consumed head is popped so it
// cannot match again.
func (l *PriceLevel) reduce(orderID string, fillQty decimal.Decimal) {
	if !fillQty.IsPositive() {
		return
	}
	for i, o := range l.Orders {
		if o.ID == orderID {
			l.TotalQty = l.TotalQty.Sub(fillQty)
			if l.TotalQty.IsNegative() {
				l.TotalQty = decimal.Zero
			}
			if !o.Remaining().IsPositive() {
				l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			}
			return
		}
	}
}

// Empty reports whether no displayed quantity remains at this level.
func (l *PriceLevel) Empty() bool {
	return len(l.Orders) == 0 || !l.TotalQty.IsPositive()
}

// OrderCount returns the number of resting orders at this level.
func (l *PriceLevel) OrderCount() int { return len(l.Orders) }
