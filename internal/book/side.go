package book

import (
	"github.com/emirpasic/gods/v2/maps/treemap"
	"github.com/shopspring/decimal"
)

// BookSide is one side (bids or asks) of an order book. Price levels live
// in an ordered treemap whose comparator sorts best price first, so
// forward iteration always walks levels in matching order: descending
// price for bids, ascending for asks. Levels are removed the moment they
// empty, so no stale entry is ever observable.
type BookSide struct {
	side   Side
	levels *treemap.Map[decimal.Decimal, *PriceLevel]
}

// NewBookSide creates an empty side.
func NewBookSide(side Side) *BookSide {
	cmp := func(a, b decimal.Decimal) int { return a.Cmp(b) }
	if side == Buy {
		cmp = func(a, b decimal.Decimal) int { return b.Cmp(a) }
	}
	return &BookSide{
		side:   side,
		levels: treemap.NewWith[decimal.Decimal, *PriceLevel](cmp),
	}
}

// Side returns which side of the book this is.
func (s *BookSide) Side() Side { return s.side }

// add inserts an order into the FIFO at its price, creating the level if
// needed.
func (s *BookSide) add(o *Order) {
	lvl, ok := s.levels.Get(o.Price)
	if !ok {
		lvl = newPriceLevel(o.Price)
		s.levels.Put(o.Price, lvl)
	}
	lvl.enqueue(o)
}

// BestLevel returns the level at the best price: highest for bids, lowest
// for asks.
func (s *BookSide) BestLevel() (*PriceLevel, bool) {
	if s.levels.Empty() {
		return nil, false
	}
	it := s.levels.Iterator()
	if !it.Next() {
		return nil, false
	}
	return it.Value(), true
}

// BestQuote returns the best price and its aggregate quantity.
func (s *BookSide) BestQuote() (Quote, bool) {
	lvl, ok := s.BestLevel()
	if !ok {
		return Quote{}, false
	}
	return Quote{Price: lvl.Price, Quantity: lvl.TotalQty}, true
}

// remove deletes a resting order at the given price; the level is
// destroyed if it becomes empty.
func (s *BookSide) remove(orderID string, price decimal.Decimal) bool {
	lvl, ok := s.levels.Get(price)
	if !ok {
		return false
	}
	removed := lvl.remove(orderID)
	if removed && lvl.Empty() {
		s.levels.Remove(price)
	}
	return removed
}

// reduce applies a partial fill to a resting order and drops the level if
// it empties.
func (s *BookSide) reduce(orderID string, price, fillQty decimal.Decimal) {
	lvl, ok := s.levels.Get(price)
	if !ok {
		return
	}
	lvl.reduce(orderID, fillQty)
	if lvl.Empty() {
		s.levels.Remove(price)
	}
}

// Depth returns up to n (price, total quantity) pairs in best-first order.
func (s *BookSide) Depth(n int) []Quote {
	out := make([]Quote, 0, n)
	it := s.levels.Iterator()
	for it.Next() {
		lvl := it.Value()
		if lvl.Empty() {
			continue
		}
		out = append(out, Quote{Price: lvl.Price, Quantity: lvl.TotalQty})
		if len(out) >= n {
			break
		}
	}
	return out
}

// Walk visits levels best-first until fn returns false.
func (s *BookSide) Walk(fn func(*PriceLevel) bool) {
	it := s.levels.Iterator()
	for it.Next() {
		if !fn(it.Value()) {
			return
		}
	}
}

// Levels returns the number of populated price levels.
func (s *BookSide) Levels() int { return s.levels.Size() }
