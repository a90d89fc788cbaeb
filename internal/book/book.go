package book

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Quote is a (price, aggregate quantity) pair for one price level.
type Quote struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BBO is the best bid and offer. Spread is valid only when both sides are
// populated.
type BBO struct {
	Bid       *Quote
	Ask       *Quote
	Spread    decimal.Decimal
	HasSpread bool
}

// DepthView is an aggregated L2 view: bids descending, asks ascending.
type DepthView struct {
	Bids []Quote
	Asks []Quote
}

// Book is a two-sided limit order book for a single symbol. It is not
// safe for concurrent use; the owning engine serializes access under the
// symbol lock.
type Book struct {
	Symbol string
	Bids   *BookSide
	Asks   *BookSide

	// orders indexes every resting order by id for O(1) cancel lookup.
	orders map[string]*Order
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		Bids:   NewBookSide(Buy),
		Asks:   NewBookSide(Sell),
		orders: make(map[string]*Order),
	}
}

func (b *Book) side(s Side) *BookSide {
	if s == Buy {
		return b.Bids
	}
	return b.Asks
}

// AddResting registers a limit order with remaining quantity on its side.
// Duplicate ids are rejected.
func (b *Book) AddResting(o *Order) error {
	if _, exists := b.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if !o.HasPrice {
		return fmt.Errorf("order %s has no price", o.ID)
	}
	if !o.Remaining().IsPositive() {
		return fmt.Errorf("order %s has no remaining quantity", o.ID)
	}
	b.orders[o.ID] = o
	b.side(o.Side).add(o)
	return nil
}

// Order returns a resting order by id.
func (b *Book) Order(id string) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// Cancel removes a resting order and marks it CANCELLED. It is
// idempotent: unknown or already-terminal ids return nil, false.
func (b *Book) Cancel(id string) (*Order, bool) {
	o, ok := b.orders[id]
	if !ok || o.Terminal() {
		return nil, false
	}
	b.side(o.Side).remove(id, o.Price)
	delete(b.orders, id)
	o.Status = StatusCancelled
	return o, true
}

// removeFilled drops an order that is already FILLED from the side and
// the id index without touching its status.
func (b *Book) removeFilled(o *Order) {
	b.side(o.Side).remove(o.ID, o.Price)
	delete(b.orders, o.ID)
}

// BestBid returns the highest resting buy quote.
func (b *Book) BestBid() (Quote, bool) { return b.Bids.BestQuote() }

// BestAsk returns the lowest resting sell quote.
func (b *Book) BestAsk() (Quote, bool) { return b.Asks.BestQuote() }

// GetBBO returns the current best bid/offer with spread.
func (b *Book) GetBBO() BBO {
	var out BBO
	if bid, ok := b.BestBid(); ok {
		q := bid
		out.Bid = &q
	}
	if ask, ok := b.BestAsk(); ok {
		q := ask
		out.Ask = &q
	}
	if out.Bid != nil && out.Ask != nil {
		out.Spread = out.Ask.Price.Sub(out.Bid.Price)
		out.HasSpread = true
	}
	return out
}

// Depth returns the top n levels per side.
func (b *Book) Depth(n int) DepthView {
	return DepthView{
		Bids: b.Bids.Depth(n),
		Asks: b.Asks.Depth(n),
	}
}

// RestingCount returns the number of resting orders.
func (b *Book) RestingCount() int { return len(b.orders) }

// CheckInvariants verifies level-sum consistency, index consistency, and
// the non-crossed property. A non-nil error means engine state is
// corrupt and the symbol must halt.
func (b *Book) CheckInvariants() error {
	indexed := 0
	for _, s := range []*BookSide{b.Bids, b.Asks} {
		var err error
		s.Walk(func(lvl *PriceLevel) bool {
			sum := decimal.Zero
			for _, o := range lvl.Orders {
				if o.Terminal() {
					err = fmt.Errorf("terminal order %s resting at %s", o.ID, lvl.Price)
					return false
				}
				if _, ok := b.orders[o.ID]; !ok {
					err = fmt.Errorf("order %s at %s missing from index", o.ID, lvl.Price)
					return false
				}
				sum = sum.Add(o.Remaining())
				indexed++
			}
			if !sum.Equal(lvl.TotalQty) {
				err = fmt.Errorf("level %s total %s != sum of remaining %s",
					lvl.Price, lvl.TotalQty, sum)
				return false
			}
			if lvl.Empty() {
				err = fmt.Errorf("empty level %s still present", lvl.Price)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	if indexed != len(b.orders) {
		return fmt.Errorf("index holds %d orders, sides hold %d", len(b.orders), indexed)
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid && hasAsk && bid.Price.GreaterThanOrEqual(ask.Price) {
		return fmt.Errorf("book crossed: bid %s >= ask %s", bid.Price, ask.Price)
	}
	return nil
}
