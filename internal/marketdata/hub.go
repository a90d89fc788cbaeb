package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SpotMatch/internal/book"
	"SpotMatch/internal/observability"
)

// Stream selects which broadcast streams a subscriber receives.
type Stream struct {
	Trades     bool
	MarketData bool
}

// Subscriber is one consumer of broadcast payloads. Payloads arrive on
// Out; when the hub drops a slow subscriber it closes Out.
type Subscriber struct {
	id      string
	out     chan []byte
	streams Stream

	mu      sync.Mutex
	dropped bool
}

// Out returns the payload channel. Closed when the subscriber is
// dropped or unsubscribed entirely.
func (s *Subscriber) Out() <-chan []byte { return s.out }

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// trySend enqueues without blocking. Returns false when the buffer is
// full, which the hub treats as the subscriber falling behind.
func (s *Subscriber) trySend(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return true
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

func (s *Subscriber) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropped {
		s.dropped = true
		close(s.out)
	}
}

// Hub coalesces pending broadcast records and fans them out once per
// window. Each window, per symbol and stream, records are serialized
// into a single payload exactly once; the same bytes go to every
// subscriber. A subscriber whose buffer is full is dropped so one slow
// consumer never delays the rest.
type Hub struct {
	window  time.Duration
	bufSize int

	mu            sync.Mutex
	subs          map[string]map[*Subscriber]struct{} // symbol -> subscribers
	pendingTrades map[string][]TradeMsg
	pendingMD     map[string]*MarketDataMsg // latest sample wins within a window

	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewHub creates a hub flushing every window, with per-subscriber
// buffers of bufSize payloads.
func NewHub(window time.Duration, bufSize int, metrics *observability.Metrics) *Hub {
	return &Hub{
		window:        window,
		bufSize:       bufSize,
		subs:          make(map[string]map[*Subscriber]struct{}),
		pendingTrades: make(map[string][]TradeMsg),
		pendingMD:     make(map[string]*MarketDataMsg),
		log:           observability.NewLogger("broadcast"),
		metrics:       metrics,
	}
}

// Subscribe registers a consumer for the given symbols and streams.
func (h *Hub) Subscribe(symbols []string, streams Stream) *Subscriber {
	sub := &Subscriber{
		id:  uuid.NewString(),
		out: make(chan []byte, h.bufSize),
	}
	h.Add(sub, symbols, streams)
	return sub
}

// Add registers an existing subscriber for more symbols and replaces its
// stream selection. A later subscribe message widens or narrows what the
// same connection receives.
func (h *Hub) Add(sub *Subscriber, symbols []string, streams Stream) {
	h.mu.Lock()
	sub.streams = streams
	for _, sym := range symbols {
		set, ok := h.subs[sym]
		if !ok {
			set = make(map[*Subscriber]struct{})
			h.subs[sym] = set
		}
		set[sub] = struct{}{}
		if h.metrics != nil {
			h.metrics.Subscribers.WithLabelValues(sym).Set(float64(len(set)))
		}
	}
	h.mu.Unlock()
}

// Unsubscribe removes the subscriber from the given symbols. Removing
// the last symbol does not close the channel; use Drop for that.
func (h *Hub) Unsubscribe(sub *Subscriber, symbols []string) {
	h.mu.Lock()
	for _, sym := range symbols {
		if set, ok := h.subs[sym]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sym)
			}
			if h.metrics != nil {
				h.metrics.Subscribers.WithLabelValues(sym).Set(float64(len(set)))
			}
		}
	}
	h.mu.Unlock()
}

// Drop removes the subscriber everywhere and closes its channel.
func (h *Hub) Drop(sub *Subscriber) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	sub.drop()
}

func (h *Hub) removeLocked(sub *Subscriber) {
	for sym, set := range h.subs {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sym)
			}
			if h.metrics != nil {
				h.metrics.Subscribers.WithLabelValues(sym).Set(float64(len(set)))
			}
		}
	}
}

// QueueTrades adds trade records to the current window.
func (h *Hub) QueueTrades(symbol string, trades []*book.Trade) {
	if len(trades) == 0 {
		return
	}
	h.mu.Lock()
	for _, t := range trades {
		h.pendingTrades[symbol] = append(h.pendingTrades[symbol], NewTradeMsg(t))
	}
	h.mu.Unlock()
}

// QueueMarketData records the latest market-data sample for symbol.
// Within a window, later samples supersede earlier ones; subscribers
// only ever want the freshest book view.
func (h *Hub) QueueMarketData(msg MarketDataMsg) {
	h.mu.Lock()
	h.pendingMD[msg.Symbol] = &msg
	h.mu.Unlock()
}

// SendSnapshot pushes an immediate market-data payload to a single
// subscriber, bypassing the window. Used at subscribe time.
func (h *Hub) SendSnapshot(sub *Subscriber, msg MarketDataMsg) {
	payload, err := json.Marshal([]MarketDataMsg{msg})
	if err != nil {
		h.log.Error().Err(err).Str("symbol", msg.Symbol).Msg("snapshot marshal failed")
		return
	}
	if !sub.trySend(payload) {
		h.Drop(sub)
	}
}

// Run flushes on the window interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Flush()
		}
	}
}

// Flush serializes and fans out everything queued in the last window.
func (h *Hub) Flush() {
	h.mu.Lock()
	trades := h.pendingTrades
	md := h.pendingMD
	if len(trades) > 0 {
		h.pendingTrades = make(map[string][]TradeMsg)
	}
	if len(md) > 0 {
		h.pendingMD = make(map[string]*MarketDataMsg)
	}

	type delivery struct {
		symbol  string
		stream  string
		payload []byte
		targets []*Subscriber
		records int
	}
	var deliveries []delivery

	collect := func(symbol, stream string, records int, v interface{}, want func(Stream) bool) {
		set := h.subs[symbol]
		if len(set) == 0 {
			return
		}
		targets := make([]*Subscriber, 0, len(set))
		for sub := range set {
			if want(sub.streams) {
				targets = append(targets, sub)
			}
		}
		if len(targets) == 0 {
			return
		}
		payload, err := json.Marshal(v)
		if err != nil {
			h.log.Error().Err(err).Str("symbol", symbol).Str("stream", stream).Msg("broadcast marshal failed")
			return
		}
		deliveries = append(deliveries, delivery{symbol, stream, payload, targets, records})
	}

	for symbol, msgs := range trades {
		collect(symbol, "trades", len(msgs), msgs, func(s Stream) bool { return s.Trades })
	}
	for symbol, msg := range md {
		collect(symbol, "market_data", 1, []MarketDataMsg{*msg}, func(s Stream) bool { return s.MarketData })
	}
	h.mu.Unlock()

	// Sends happen outside the hub lock; a drop re-enters it.
	for _, d := range deliveries {
		var slow []*Subscriber
		for _, sub := range d.targets {
			if !sub.trySend(d.payload) {
				slow = append(slow, sub)
			}
		}
		for _, sub := range slow {
			h.log.Warn().Str("subscriber", sub.id).Str("symbol", d.symbol).Msg("dropping slow subscriber")
			h.Drop(sub)
			if h.metrics != nil {
				h.metrics.SubscribersDropped.WithLabelValues(d.symbol).Inc()
			}
		}
		if h.metrics != nil {
			h.metrics.BroadcastBatches.WithLabelValues(d.symbol, d.stream).Inc()
			h.metrics.BroadcastRecords.WithLabelValues(d.symbol, d.stream).Add(float64(d.records))
			h.metrics.BroadcastBatchSize.Observe(float64(d.records))
		}
	}
}
