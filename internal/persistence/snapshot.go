package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SpotMatch/internal/book"
	"SpotMatch/internal/engine"
	"SpotMatch/internal/observability"
)

// SnapshotManager saves and loads per-symbol book snapshots. A snapshot
// is the resting set in deterministic order (bids best-first then asks,
// FIFO within each level) plus the sequence it covers; recovery restores
// it and replays the event log from seq+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized snapshot blob.
type SnapshotData struct {
	Symbol    string       `json:"symbol"`
	Seq       int64        `json:"seq"`
	Orders    []book.Order `json:"orders"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewSnapshotManager creates a snapshot manager over db.
func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save persists a snapshot, replacing any earlier snapshot at the same
// (symbol, seq).
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO engine.snapshots (snapshot_id, symbol, seq, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol, seq) DO UPDATE SET data = $4, size_bytes = $5
	`, uuid.New(), snap.Symbol, snap.Seq, data, len(data), snap.CreatedAt)
	return err
}

// LoadLatest returns the most recent snapshot for symbol, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context, symbol string) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM engine.snapshots
		WHERE symbol = $1
		ORDER BY seq DESC
		LIMIT 1
	`, symbol)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsAfter returns event rows for symbol with seq > after, in
// sequence order.
func (sm *SnapshotManager) LoadEventsAfter(ctx context.Context, symbol string, after int64) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT symbol, seq, event_type, payload, created_at
		FROM engine.events
		WHERE symbol = $1 AND seq > $2
		ORDER BY seq ASC
	`, symbol, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Symbol, &e.Seq, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Snapshotter periodically captures every engine's resting set. A
// capture is cheap (value copies under the symbol lock); the DB write
// happens outside the lock.
type Snapshotter struct {
	manager  *SnapshotManager
	router   *engine.Router
	interval time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics
}

// NewSnapshotter creates a periodic snapshotter.
func NewSnapshotter(manager *SnapshotManager, router *engine.Router, interval time.Duration, metrics *observability.Metrics) *Snapshotter {
	return &Snapshotter{
		manager:  manager,
		router:   router,
		interval: interval,
		log:      observability.NewLogger("snapshot"),
		metrics:  metrics,
	}
}

// Run snapshots on the interval until ctx is cancelled, then takes one
// final snapshot so restart replays as little as possible.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.SnapshotAll(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.SnapshotAll(ctx)
		}
	}
}

// SnapshotAll captures and saves one snapshot per symbol.
func (s *Snapshotter) SnapshotAll(ctx context.Context) {
	for _, e := range s.router.All() {
		if err := s.snapshotOne(ctx, e); err != nil {
			s.log.Error().Err(err).Str("symbol", e.Symbol()).Msg("snapshot failed")
			if s.metrics != nil {
				s.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
			}
		}
	}
}

func (s *Snapshotter) snapshotOne(ctx context.Context, e *engine.Engine) error {
	start := time.Now()
	orders, seq := e.SnapshotResting()
	snap := &SnapshotData{
		Symbol:    e.Symbol(),
		Seq:       seq,
		Orders:    orders,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.manager.Save(ctx, snap); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.WithLabelValues(e.Symbol()).Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.WithLabelValues(e.Symbol()).Set(float64(seq))
	}
	s.log.Debug().
		Str("symbol", e.Symbol()).
		Int64("seq", seq).
		Int("resting", len(orders)).
		Msg("snapshot saved")
	return nil
}
