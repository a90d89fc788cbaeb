package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SpotMatch/internal/book"
	"SpotMatch/internal/marketdata"
	"SpotMatch/internal/observability"
)

// Publisher mirrors trades and market-data samples onto NATS JetStream
// for downstream consumers (risk, analytics, archival). Publishing is
// best-effort and fully decoupled from matching: records are enqueued
// without blocking and dropped on overflow — the Postgres event log
// remains the authoritative history.
//
// Subjects: spot.trades.{symbol} and spot.md.{symbol}.
type Publisher struct {
	js  jetstream.JetStream
	in  chan record
	log zerolog.Logger

	metrics *observability.Metrics
}

type record struct {
	subject string
	payload []byte
}

// Connect dials NATS and prepares the outbound stream.
func Connect(ctx context.Context, url string) (jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := ensureStream(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}
	return js, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SPOT_EVENTS",
		Subjects:  []string{"spot.trades.>", "spot.md.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// NewPublisher creates a publisher with a bounded queue.
func NewPublisher(js jetstream.JetStream, queueSize int, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		in:      make(chan record, queueSize),
		log:     observability.NewLogger("stream"),
		metrics: metrics,
	}
}

// PublishTrades enqueues trade records.
func (p *Publisher) PublishTrades(symbol string, trades []*book.Trade) {
	for _, t := range trades {
		payload, err := json.Marshal(marketdata.NewTradeMsg(t))
		if err != nil {
			continue
		}
		p.enqueue(fmt.Sprintf("spot.trades.%s", symbol), payload)
	}
}

// PublishMarketData enqueues one market-data sample.
func (p *Publisher) PublishMarketData(msg marketdata.MarketDataMsg) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.enqueue(fmt.Sprintf("spot.md.%s", msg.Symbol), payload)
}

func (p *Publisher) enqueue(subject string, payload []byte) {
	select {
	case p.in <- record{subject: subject, payload: payload}:
	default:
		if p.metrics != nil {
			p.metrics.StreamPublishDrops.Inc()
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-p.in:
			if _, err := p.js.Publish(ctx, rec.subject, rec.payload); err != nil {
				// Non-fatal: consumers can read the event log directly.
				p.log.Warn().Err(err).Str("subject", rec.subject).Msg("outbound publish failed")
			}
		}
	}
}
