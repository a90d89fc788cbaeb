package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the matching engine.
type Metrics struct {
	// --- Engine ---
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	TradesMatched   *prometheus.CounterVec
	TradeVolume     *prometheus.CounterVec
	MatchDuration   *prometheus.HistogramVec
	RestingOrders   *prometheus.GaugeVec
	BookLevels      *prometheus.GaugeVec
	EngineSequence  *prometheus.GaugeVec
	EngineHalted    *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistOrdersWritten prometheus.Counter
	PersistTradesWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLag           *prometheus.CounterVec
	PersistLastSeq       *prometheus.GaugeVec

	// --- Snapshot / Recovery ---
	SnapshotTaken    *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  *prometheus.GaugeVec
	ReplayEvents     *prometheus.CounterVec
	ReplayDuration   *prometheus.GaugeVec

	// --- Broadcast ---
	BroadcastBatches   *prometheus.CounterVec
	BroadcastRecords   *prometheus.CounterVec
	BroadcastBatchSize prometheus.Histogram
	Subscribers        *prometheus.GaugeVec
	SubscribersDropped *prometheus.CounterVec
	StreamPublishDrops prometheus.Counter

	// --- Ingress ---
	IngressMessages   *prometheus.CounterVec
	IngressRejected   *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	matchBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_orders_submitted_total",
			Help: "Orders accepted by the engine",
		}, []string{"symbol", "type"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_orders_rejected_total",
			Help: "Orders rejected before matching",
		}, []string{"symbol", "reason"}),

		OrdersCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_orders_cancelled_total",
			Help: "Resting orders cancelled by request",
		}, []string{"symbol"}),

		TradesMatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trades_matched_total",
			Help: "Trades produced by matching",
		}, []string{"symbol"}),

		TradeVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trade_volume_total",
			Help: "Matched base quantity (float approximation for monitoring only)",
		}, []string{"symbol"}),

		MatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_match_duration_seconds",
			Help:    "Time spent inside the symbol critical section per submission",
			Buckets: matchBuckets,
		}, []string{"symbol"}),

		RestingOrders: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_resting_orders",
			Help: "Resting orders currently on the book",
		}, []string{"symbol"}),

		BookLevels: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_book_levels",
			Help: "Populated price levels per side",
		}, []string{"symbol", "side"}),

		EngineSequence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_engine_sequence",
			Help: "Last admission sequence assigned",
		}, []string{"symbol"}),

		EngineHalted: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_engine_halted",
			Help: "1 when the symbol engine halted on an invariant violation",
		}, []string{"symbol"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_events_written_total",
			Help: "Event-log rows written",
		}),

		PersistOrdersWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_orders_written_total",
			Help: "Order rows upserted",
		}),

		PersistTradesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_trades_written_total",
			Help: "Trade rows written",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_persist_batch_duration_seconds",
			Help:    "Database batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLag: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_persist_lag_total",
			Help: "Engine outputs that could not be enqueued immediately",
		}, []string{"symbol"}),

		PersistLastSeq: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_persist_last_sequence",
			Help: "Last event sequence durably written",
		}, []string{"symbol"}),

		SnapshotTaken: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_snapshot_taken_total",
			Help: "Snapshots written",
		}, []string{"symbol"}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_snapshot_duration_seconds",
			Help:    "Snapshot capture + write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		SnapshotLastSeq: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_snapshot_last_sequence",
			Help: "Sequence covered by the latest snapshot",
		}, []string{"symbol"}),

		ReplayEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_replay_events_total",
			Help: "Events replayed during recovery",
		}, []string{"symbol"}),

		ReplayDuration: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_replay_duration_seconds",
			Help: "Recovery duration per symbol",
		}, []string{"symbol"}),

		BroadcastBatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_broadcast_batches_total",
			Help: "Serialized broadcast payloads per stream",
		}, []string{"symbol", "stream"}),

		BroadcastRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_broadcast_records_total",
			Help: "Records coalesced into broadcast payloads",
		}, []string{"symbol", "stream"}),

		BroadcastBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_broadcast_batch_size",
			Help:    "Records per broadcast window",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		Subscribers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_subscribers",
			Help: "Active subscribers per symbol",
		}, []string{"symbol"}),

		SubscribersDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_subscribers_dropped_total",
			Help: "Subscribers dropped for not keeping up",
		}, []string{"symbol"}),

		StreamPublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spot_stream_publish_drops_total",
			Help: "Outbound stream records dropped on full channel",
		}),

		IngressMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_ingress_messages_total",
			Help: "Websocket messages received by type",
		}, []string{"type"}),

		IngressRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_ingress_rejected_total",
			Help: "Ingress messages rejected (backpressure, parse errors)",
		}, []string{"reason"}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_request_duration_seconds",
			Help:    "End-to-end request handling duration",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		}, []string{"type"}),

		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "spot_active_connections",
			Help: "Open websocket connections",
		}),
	}
}
