package book

import "github.com/shopspring/decimal"

// priceAcceptable reports whether a taker on side s may trade at the
// resting price under the given limit.
func priceAcceptable(s Side, restingPrice, limit decimal.Decimal) bool {
	if s == Buy {
		return restingPrice.LessThanOrEqual(limit)
	}
	return restingPrice.GreaterThanOrEqual(limit)
}

// Execute walks the side opposite the taker best-first, consuming each
// level's FIFO head-first, and returns one fill per (taker, maker)
// intersection. Fills execute at the maker's price — the taker never
// trades through a resting level. A nil limit means an unconstrained
// market walk.
//
// Maker orders are mutated in place: FilledQty grows, fully consumed
// makers transition to FILLED and leave the book before the next
// iteration, partially consumed makers transition to PARTIALLY_FILLED
// and keep their FIFO position.
func (b *Book) Execute(taker *Order, limit *decimal.Decimal) []Fill {
	opp := b.side(taker.Side.Opposite())
	var fills []Fill

	for taker.Remaining().IsPositive() {
		lvl, ok := opp.BestLevel()
		if !ok {
			break
		}
		if limit != nil && !priceAcceptable(taker.Side, lvl.Price, *limit) {
			break
		}

		price := lvl.Price
		for taker.Remaining().IsPositive() {
			maker, ok := lvl.head()
			if !ok {
				break
			}

			qty := decimal.Min(taker.Remaining(), maker.Remaining())
			taker.FilledQty = taker.FilledQty.Add(qty)
			maker.FilledQty = maker.FilledQty.Add(qty)
			fills = append(fills, Fill{Maker: maker, Price: price, Qty: qty})

			if maker.Remaining().IsPositive() {
				maker.Status = StatusPartiallyFilled
				lvl.reduce(maker.ID, qty)
			} else {
				maker.Status = StatusFilled
				lvl.reduce(maker.ID, qty) // pops the consumed head
				delete(b.orders, maker.ID)
			}
		}

		if lvl.Empty() {
			opp.levels.Remove(price)
		}
	}

	return fills
}

// AvailableWithin sums opposite-side liquidity best-first, bounded by the
// optional limit price, and reports whether it reaches want. This is the
// FOK feasibility pre-check; it does not mutate the book.
func (b *Book) AvailableWithin(takerSide Side, limit *decimal.Decimal, want decimal.Decimal) bool {
	opp := b.side(takerSide.Opposite())
	total := decimal.Zero
	enough := false
	opp.Walk(func(lvl *PriceLevel) bool {
		if limit != nil && !priceAcceptable(takerSide, lvl.Price, *limit) {
			return false
		}
		total = total.Add(lvl.TotalQty)
		if total.GreaterThanOrEqual(want) {
			enough = true
			return false
		}
		return true
	})
	return enough
}
