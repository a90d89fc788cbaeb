package marketdata

import (
	"context"
	"time"

	"SpotMatch/internal/engine"
)

// Sink receives every market-data sample in addition to the hub's
// subscribers. The outbound stream mirror implements it.
type Sink interface {
	PublishMarketData(MarketDataMsg)
}

// Publisher samples every engine's dirty flag once per window and, for
// symbols whose book changed, snapshots BBO + depth and queues a
// market-data record on the hub. Sampling happens outside the symbol
// lock; the snapshot itself takes the lock briefly.
type Publisher struct {
	router *engine.Router
	hub    *Hub
	sink   Sink // nil when no external mirror is configured
	window time.Duration
	depth  int
}

// NewPublisher creates a publisher over the router's engines.
func NewPublisher(router *engine.Router, hub *Hub, sink Sink, window time.Duration, depth int) *Publisher {
	return &Publisher{
		router: router,
		hub:    hub,
		sink:   sink,
		window: window,
		depth:  depth,
	}
}

// Run samples until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sample()
		}
	}
}

// Sample checks each engine once and queues records for dirty books.
func (p *Publisher) Sample() {
	for _, e := range p.router.All() {
		if !e.ConsumeDirty() {
			continue
		}
		bbo, depth := e.MarketSnapshot(p.depth)
		msg := NewMarketDataMsg(e.Symbol(), bbo, depth, time.Now())
		p.hub.QueueMarketData(msg)
		if p.sink != nil {
			p.sink.PublishMarketData(msg)
		}
	}
}

// Snapshot builds an immediate market-data record for symbol, used for
// subscribe-time snapshots.
func (p *Publisher) Snapshot(symbol string) (MarketDataMsg, bool) {
	e, err := p.router.Engine(symbol)
	if err != nil {
		return MarketDataMsg{}, false
	}
	bbo, depth := e.MarketSnapshot(p.depth)
	return NewMarketDataMsg(symbol, bbo, depth, time.Now()), true
}
