package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"SpotMatch/internal/book"
	"SpotMatch/internal/engine"
)

// Writer batch-writes engine outputs to Postgres using multi-row INSERT.
// All inserts are idempotent (ON CONFLICT DO NOTHING / DO UPDATE), so a
// retried flush after a partial failure is safe.
type Writer struct {
	db *sql.DB
}

// EventRow is a row in engine.events: one admission or cancel, keyed by
// (symbol, seq). The payload is the replayable record — the pre-match
// admission copy or the cancel record.
type EventRow struct {
	Symbol    string
	Seq       int64
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// OrderRow is an upsert into engine.orders reflecting the most recent
// known state of an order.
type OrderRow struct {
	OrderID   string
	Symbol    string
	Side      string
	Type      string
	Price     decimal.NullDecimal
	Quantity  decimal.Decimal
	FilledQty decimal.Decimal
	Status    string
	Seq       int64
	UserID    string
	CreatedAt time.Time
}

// TradeRow is a row in engine.trades.
type TradeRow struct {
	TradeID       string
	Symbol        string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	AggressorSide string
	MakerOrderID  string
	TakerOrderID  string
	MakerFee      decimal.Decimal
	TakerFee      decimal.Decimal
	Seq           int64
	CreatedAt     time.Time
}

// Batch is the flattened form of a run of engine outputs.
type Batch struct {
	Events []EventRow
	Orders []OrderRow
	Trades []TradeRow
}

// NewWriter creates a writer over db.
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// DB exposes the underlying handle for recovery and queries.
func (w *Writer) DB() *sql.DB { return w.db }

// Append converts one engine output into rows on the batch.
func (b *Batch) Append(out engine.Output) error {
	var payload []byte
	var err error
	switch out.Kind {
	case engine.OutputAdmitted:
		payload, err = json.Marshal(out.Admitted)
	case engine.OutputCancelled:
		payload, err = json.Marshal(out.Cancelled)
	default:
		return fmt.Errorf("unknown output kind %q", out.Kind)
	}
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", out.Kind, err)
	}

	b.Events = append(b.Events, EventRow{
		Symbol:    out.Symbol,
		Seq:       out.Seq,
		EventType: string(out.Kind),
		Payload:   payload,
		CreatedAt: out.At,
	})

	if out.Order != nil {
		b.Orders = append(b.Orders, orderRow(out.Order))
	}
	for _, m := range out.Makers {
		b.Orders = append(b.Orders, orderRow(m))
	}
	for _, t := range out.Trades {
		b.Trades = append(b.Trades, TradeRow{
			TradeID:       t.ID,
			Symbol:        t.Symbol,
			Price:         t.Price,
			Quantity:      t.Quantity,
			AggressorSide: string(t.AggressorSide),
			MakerOrderID:  t.MakerOrderID,
			TakerOrderID:  t.TakerOrderID,
			MakerFee:      t.MakerFee,
			TakerFee:      t.TakerFee,
			Seq:           t.Seq,
			CreatedAt:     t.Timestamp,
		})
	}
	return nil
}

// Len returns the number of event rows buffered.
func (b *Batch) Len() int { return len(b.Events) }

// Reset empties the batch, keeping capacity.
func (b *Batch) Reset() {
	b.Events = b.Events[:0]
	b.Orders = b.Orders[:0]
	b.Trades = b.Trades[:0]
}

func orderRow(o *book.Order) OrderRow {
	row := OrderRow{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Quantity:  o.Quantity,
		FilledQty: o.FilledQty,
		Status:    string(o.Status),
		Seq:       o.Seq,
		UserID:    o.UserID,
		CreatedAt: o.CreatedAt,
	}
	if o.HasPrice {
		row.Price = decimal.NullDecimal{Decimal: o.Price, Valid: true}
	}
	return row
}

// WriteBatch writes all rows of a batch in one transaction.
func (w *Writer) WriteBatch(ctx context.Context, b *Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := writeEvents(ctx, tx, b.Events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := writeOrders(ctx, tx, b.Orders); err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	if err := writeTrades(ctx, tx, b.Trades); err != nil {
		return fmt.Errorf("write trades: %w", err)
	}
	return tx.Commit()
}

func writeEvents(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	query := `INSERT INTO engine.events
		(symbol, seq, event_type, payload, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)
	for i, e := range events {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, e.Symbol, e.Seq, e.EventType, e.Payload, e.CreatedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (symbol, seq) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func writeOrders(ctx context.Context, tx *sql.Tx, orders []OrderRow) error {
	if len(orders) == 0 {
		return nil
	}
	// A batch may carry the same order twice (e.g. rest then cancel).
	// Postgres rejects multi-row upserts that touch one row twice, so
	// keep only the last state per id; later rows supersede earlier.
	last := make(map[string]OrderRow, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, seen := last[o.OrderID]; !seen {
			ids = append(ids, o.OrderID)
		}
		last[o.OrderID] = o
	}

	query := `INSERT INTO engine.orders
		(order_id, symbol, side, type, price, quantity, filled_quantity, status, seq, user_id, created_at)
		VALUES `

	values := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids)*11)
	for i, id := range ids {
		o := last[id]
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			o.OrderID, o.Symbol, o.Side, o.Type, o.Price, o.Quantity,
			o.FilledQty, o.Status, o.Seq, o.UserID, o.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (order_id) DO UPDATE SET
		filled_quantity = EXCLUDED.filled_quantity,
		status = EXCLUDED.status,
		updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func writeTrades(ctx context.Context, tx *sql.Tx, trades []TradeRow) error {
	if len(trades) == 0 {
		return nil
	}
	query := `INSERT INTO engine.trades
		(trade_id, symbol, price, quantity, aggressor_side, maker_order_id, taker_order_id, maker_fee, taker_fee, seq, created_at)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*11)
	for i, t := range trades {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			t.TradeID, t.Symbol, t.Price, t.Quantity, t.AggressorSide,
			t.MakerOrderID, t.TakerOrderID, t.MakerFee, t.TakerFee,
			t.Seq, t.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (trade_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
