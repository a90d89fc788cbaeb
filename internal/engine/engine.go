package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"SpotMatch/internal/book"
	"SpotMatch/internal/observability"
)

// ErrHalted is returned once an invariant violation has stopped the
// symbol. A halted engine rejects everything until the process is
// restarted and recovers from the event log.
var ErrHalted = errors.New("engine halted")

// RejectionError is a pre-admission validation failure. Rejected orders
// cause no state change and are not persisted.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", e.Reason, e.Detail)
}

func reject(reason, format string, args ...interface{}) error {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Limits bounds admission and parameterizes fees.
type Limits struct {
	MaxQuantity  decimal.Decimal
	MaxPrice     decimal.Decimal
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// Engine owns the order book for one symbol. All matching and
// cancellation runs under a single mutex, so every submission observes
// and produces a consistent book. Everything outside the critical
// section (persistence, broadcast, queries) works on copies.
type Engine struct {
	symbol string
	limits Limits

	mu   sync.Mutex
	bk   *book.Book
	seq  int64
	// replay suppresses output emission while recovery drives the
	// matcher from the event log.
	replay bool

	dirty  atomic.Bool
	halted atomic.Bool

	out     chan<- Output
	history *tradeRing

	log     zerolog.Logger
	metrics *observability.Metrics
}

// New creates an engine for symbol. out receives one Output per
// admission and per cancel; pass nil to run without persistence (tests,
// load generation).
func New(symbol string, limits Limits, historyCap int, out chan<- Output, metrics *observability.Metrics) *Engine {
	return &Engine{
		symbol:  symbol,
		limits:  limits,
		bk:      book.New(symbol),
		out:     out,
		history: newTradeRing(historyCap),
		log:     observability.NewLogger("engine").With().Str("symbol", symbol).Logger(),
		metrics: metrics,
	}
}

// Symbol returns the symbol this engine matches.
func (e *Engine) Symbol() string { return e.symbol }

// Halted reports whether the engine stopped on an invariant violation.
func (e *Engine) Halted() bool { return e.halted.Load() }

// Sequence returns the last admission sequence assigned.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// ConsumeDirty reports whether the book changed since the last call and
// clears the flag. The market-data publisher polls this once per window.
func (e *Engine) ConsumeDirty() bool { return e.dirty.Swap(false) }

// Submit validates, admits, and matches an order. The order is mutated
// in place (id, sequence, fill state, status); the returned Result holds
// a post-match copy plus the trades produced. Validation failures return
// a *RejectionError and leave the book untouched.
func (e *Engine) Submit(o *book.Order) (*Result, error) {
	if e.halted.Load() {
		return nil, ErrHalted
	}
	if err := e.validate(o); err != nil {
		if e.metrics != nil {
			var rej *RejectionError
			if errors.As(err, &rej) {
				e.metrics.OrdersRejected.WithLabelValues(e.symbol, rej.Reason).Inc()
			}
		}
		return nil, err
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}

	start := time.Now()
	e.mu.Lock()

	if _, exists := e.bk.Order(o.ID); exists {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.OrdersRejected.WithLabelValues(e.symbol, "duplicate_id").Inc()
		}
		return nil, reject("duplicate_id", "order %s already resting", o.ID)
	}

	e.seq++
	o.Seq = e.seq
	o.Status = book.StatusPending

	// Admission copy before matching; replaying it through the matcher
	// reconstructs this exact state transition.
	admitted := *o

	fills, err := e.match(o)
	if err != nil {
		// Match errors past validation mean the walk disagreed with the
		// book's own accounting; the state can no longer be trusted.
		e.halt(err)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	trades := e.tradesFromFills(o, fills, now)
	makers := makerCopies(fills)
	taker := *o

	if len(fills) > 0 || !o.Terminal() {
		e.dirty.Store(true)
	}

	if err := e.bk.CheckInvariants(); err != nil {
		e.halt(err)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHalted, err)
	}
	e.mu.Unlock()

	e.history.append(trades)
	e.emit(Output{
		Kind:     OutputAdmitted,
		Symbol:   e.symbol,
		Seq:      admitted.Seq,
		Admitted: &admitted,
		Order:    &taker,
		Makers:   makers,
		Trades:   trades,
		At:       now,
	})

	if e.metrics != nil {
		e.metrics.OrdersSubmitted.WithLabelValues(e.symbol, string(o.Type)).Inc()
		e.metrics.MatchDuration.WithLabelValues(e.symbol).Observe(time.Since(start).Seconds())
		e.metrics.TradesMatched.WithLabelValues(e.symbol).Add(float64(len(trades)))
		for _, t := range trades {
			v, _ := t.Quantity.Float64()
			e.metrics.TradeVolume.WithLabelValues(e.symbol).Add(v)
		}
		e.observeBook()
	}

	return &Result{Order: taker, Trades: trades}, nil
}

// Cancel removes a resting order. It is idempotent: unknown, filled, or
// already-cancelled ids return (nil, false) with no state change.
func (e *Engine) Cancel(orderID string) (*book.Order, bool) {
	if e.halted.Load() {
		return nil, false
	}

	now := time.Now().UTC()
	e.mu.Lock()
	o, ok := e.bk.Cancel(orderID)
	if !ok {
		e.mu.Unlock()
		return nil, false
	}
	e.seq++
	seq := e.seq
	cancelled := *o
	e.dirty.Store(true)
	e.mu.Unlock()

	e.emit(Output{
		Kind:      OutputCancelled,
		Symbol:    e.symbol,
		Seq:       seq,
		Cancelled: &CancelRecord{OrderID: orderID, Seq: seq},
		Order:     &cancelled,
		At:        now,
	})

	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(e.symbol).Inc()
		e.observeBook()
	}
	return &cancelled, true
}

// match runs the type-specific walk. Caller holds the lock.
func (e *Engine) match(o *book.Order) ([]book.Fill, error) {
	switch o.Type {
	case book.Limit:
		fills := e.bk.Execute(o, &o.Price)
		if o.Remaining().IsPositive() {
			if len(fills) > 0 {
				o.Status = book.StatusPartiallyFilled
			} else {
				o.Status = book.StatusPending
			}
			if err := e.bk.AddResting(o); err != nil {
				return nil, err
			}
		} else {
			o.Status = book.StatusFilled
		}
		return fills, nil

	case book.Market:
		fills := e.bk.Execute(o, nil)
		e.finishImmediate(o, fills)
		return fills, nil

	case book.IOC:
		var limit *decimal.Decimal
		if o.HasPrice {
			limit = &o.Price
		}
		fills := e.bk.Execute(o, limit)
		e.finishImmediate(o, fills)
		return fills, nil

	case book.FOK:
		var limit *decimal.Decimal
		if o.HasPrice {
			limit = &o.Price
		}
		if !e.bk.AvailableWithin(o.Side, limit, o.Quantity) {
			o.Status = book.StatusCancelled
			return nil, nil
		}
		fills := e.bk.Execute(o, limit)
		if o.Remaining().IsPositive() {
			// Feasibility said yes but the walk came up short; the book
			// is corrupt.
			return nil, fmt.Errorf("fok shortfall: %s remaining after feasible check", o.Remaining())
		}
		o.Status = book.StatusFilled
		return fills, nil
	}
	return nil, reject("bad_type", "unsupported type %q", o.Type)
}

// finishImmediate assigns the terminal status for order types that never
// rest: any residual quantity is cancelled.
func (e *Engine) finishImmediate(o *book.Order, fills []book.Fill) {
	switch {
	case !o.Remaining().IsPositive():
		o.Status = book.StatusFilled
	case len(fills) > 0:
		o.Status = book.StatusPartiallyFilled
	default:
		o.Status = book.StatusCancelled
	}
}

func (e *Engine) validate(o *book.Order) error {
	if o.Symbol != e.symbol {
		return reject("bad_symbol", "got %q, engine serves %q", o.Symbol, e.symbol)
	}
	if !o.Side.Valid() {
		return reject("bad_side", "unknown side %q", o.Side)
	}
	if !o.Type.Valid() {
		return reject("bad_type", "unknown type %q", o.Type)
	}
	if !o.Quantity.IsPositive() {
		return reject("bad_quantity", "quantity %s must be positive", o.Quantity)
	}
	if o.Quantity.GreaterThan(e.limits.MaxQuantity) {
		return reject("max_quantity", "quantity %s exceeds limit %s", o.Quantity, e.limits.MaxQuantity)
	}
	if o.FilledQty.Sign() != 0 {
		return reject("bad_quantity", "new order carries filled quantity %s", o.FilledQty)
	}

	switch o.Type {
	case book.Limit:
		if !o.HasPrice || !o.Price.IsPositive() {
			return reject("bad_price", "limit order requires a positive price")
		}
	case book.Market:
		// A client-supplied price on a market order is ignored, not an
		// error.
		o.HasPrice = false
		o.Price = decimal.Zero
	case book.IOC, book.FOK:
		if o.HasPrice && !o.Price.IsPositive() {
			return reject("bad_price", "price %s must be positive", o.Price)
		}
	}
	if o.HasPrice && o.Price.GreaterThan(e.limits.MaxPrice) {
		return reject("max_price", "price %s exceeds limit %s", o.Price, e.limits.MaxPrice)
	}
	return nil
}

// tradesFromFills mints trade records for a matching walk. Trades carry
// the taker's admission sequence; fees are quantity x price x rate.
func (e *Engine) tradesFromFills(taker *book.Order, fills []book.Fill, at time.Time) []*book.Trade {
	if len(fills) == 0 {
		return nil
	}
	trades := make([]*book.Trade, 0, len(fills))
	for _, f := range fills {
		notional := f.Qty.Mul(f.Price)
		trades = append(trades, &book.Trade{
			ID:            uuid.NewString(),
			Symbol:        e.symbol,
			Price:         f.Price,
			Quantity:      f.Qty,
			AggressorSide: taker.Side,
			MakerOrderID:  f.Maker.ID,
			TakerOrderID:  taker.ID,
			MakerFee:      notional.Mul(e.limits.MakerFeeRate),
			TakerFee:      notional.Mul(e.limits.TakerFeeRate),
			Seq:           taker.Seq,
			Timestamp:     at,
		})
	}
	return trades
}

func makerCopies(fills []book.Fill) []*book.Order {
	if len(fills) == 0 {
		return nil
	}
	// A maker can absorb only the last fill against it, but dedupe
	// anyway so multi-fill walks upsert each maker once.
	seen := make(map[string]bool, len(fills))
	out := make([]*book.Order, 0, len(fills))
	for _, f := range fills {
		if seen[f.Maker.ID] {
			continue
		}
		seen[f.Maker.ID] = true
		cp := *f.Maker
		out = append(out, &cp)
	}
	return out
}

// emit hands an output to the persistence worker. The fast path is
// non-blocking; when the queue is full the engine blocks rather than
// lose an event, counting the stall so operators see the lag.
func (e *Engine) emit(out Output) {
	if e.out == nil || e.replay {
		return
	}
	select {
	case e.out <- out:
	default:
		if e.metrics != nil {
			e.metrics.PersistLag.WithLabelValues(e.symbol).Inc()
		}
		e.out <- out
	}
}

func (e *Engine) halt(cause error) {
	e.halted.Store(true)
	e.log.Error().Err(cause).Msg("invariant violation, halting symbol")
	if e.metrics != nil {
		e.metrics.EngineHalted.WithLabelValues(e.symbol).Set(1)
	}
}

// observeBook refreshes book-shape gauges. Called outside the lock with
// racy reads; gauges are advisory.
func (e *Engine) observeBook() {
	e.mu.Lock()
	resting := e.bk.RestingCount()
	bids := e.bk.Bids.Levels()
	asks := e.bk.Asks.Levels()
	seq := e.seq
	e.mu.Unlock()

	e.metrics.RestingOrders.WithLabelValues(e.symbol).Set(float64(resting))
	e.metrics.BookLevels.WithLabelValues(e.symbol, string(book.Buy)).Set(float64(bids))
	e.metrics.BookLevels.WithLabelValues(e.symbol, string(book.Sell)).Set(float64(asks))
	e.metrics.EngineSequence.WithLabelValues(e.symbol).Set(float64(seq))
}

// BBO returns the current best bid/offer.
func (e *Engine) BBO() book.BBO {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bk.GetBBO()
}

// Depth returns the top n aggregated levels per side.
func (e *Engine) Depth(n int) book.DepthView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bk.Depth(n)
}

// MarketSnapshot returns BBO and depth captured under one lock hold, so
// the pair reflects the book at a single instant.
func (e *Engine) MarketSnapshot(n int) (book.BBO, book.DepthView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bk.GetBBO(), e.bk.Depth(n)
}

// RestingOrder returns a copy of a resting order, if present.
func (e *Engine) RestingOrder(id string) (book.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.bk.Order(id)
	if !ok {
		return book.Order{}, false
	}
	return *o, true
}

// RecentTrades returns up to limit most recent trades, newest first.
func (e *Engine) RecentTrades(limit int) []*book.Trade {
	return e.history.recent(limit)
}
