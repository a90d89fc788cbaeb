package engine

import (
	"sync"

	"SpotMatch/internal/book"
)

// tradeRing keeps the most recent trades for the trade-history query.
// Appends come from the submit path; reads come from HTTP handlers, so
// it carries its own lock instead of borrowing the engine's.
type tradeRing struct {
	mu    sync.RWMutex
	buf   []*book.Trade
	next  int
	count int
}

func newTradeRing(capacity int) *tradeRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &tradeRing{buf: make([]*book.Trade, capacity)}
}

func (r *tradeRing) append(trades []*book.Trade) {
	if len(trades) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		r.buf[r.next] = t
		r.next = (r.next + 1) % len(r.buf)
		if r.count < len(r.buf) {
			r.count++
		}
	}
}

// recent returns up to limit trades, newest first.
func (r *tradeRing) recent(limit int) []*book.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]*book.Trade, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
