package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// OrderDetail is a persisted order, decimals rendered as strings.
type OrderDetail struct {
	OrderID           string  `json:"order_id"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	Type              string  `json:"type"`
	Price             *string `json:"price,omitempty"`
	Quantity          string  `json:"quantity"`
	FilledQuantity    string  `json:"filled_quantity"`
	RemainingQuantity string  `json:"remaining_quantity"`
	Status            string  `json:"status"`
	Seq               int64   `json:"seq"`
	UserID            string  `json:"user_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// TradeDetail is a persisted trade, decimals rendered as strings.
type TradeDetail struct {
	TradeID       string `json:"trade_id"`
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	AggressorSide string `json:"aggressor_side"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	MakerFee      string `json:"maker_fee"`
	TakerFee      string `json:"taker_fee"`
	Seq           int64  `json:"seq"`
	Timestamp     string `json:"timestamp"`
}

// Service answers read-only lookups against the persisted state. It
// reads the same tables the persistence worker writes; answers can lag
// the live book by up to one flush interval.
type Service struct {
	db *sql.DB
}

// NewService creates a query service over db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// OrderByID fetches a single order.
func (s *Service) OrderByID(ctx context.Context, id string) (*OrderDetail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, symbol, side, type, price, quantity,
		       filled_quantity, status, seq, user_id, created_at
		FROM engine.orders
		WHERE order_id = $1`, id)

	var (
		d       OrderDetail
		price   decimal.NullDecimal
		qty     decimal.Decimal
		filled  decimal.Decimal
		created time.Time
	)
	err := row.Scan(&d.OrderID, &d.Symbol, &d.Side, &d.Type, &price, &qty,
		&filled, &d.Status, &d.Seq, &d.UserID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	if price.Valid {
		p := price.Decimal.String()
		d.Price = &p
	}
	d.Quantity = qty.String()
	d.FilledQuantity = filled.String()
	d.RemainingQuantity = qty.Sub(filled).String()
	d.CreatedAt = created.UTC().Format(time.RFC3339Nano)
	return &d, nil
}

// TradesBySymbol fetches the most recent trades for symbol, newest
// first.
func (s *Service) TradesBySymbol(ctx context.Context, symbol string, limit int) ([]TradeDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, price, quantity, aggressor_side,
		       maker_order_id, taker_order_id, maker_fee, taker_fee, seq, created_at
		FROM engine.trades
		WHERE symbol = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]TradeDetail, 0, limit)
	for rows.Next() {
		var (
			t        TradeDetail
			price    decimal.Decimal
			qty      decimal.Decimal
			makerFee decimal.Decimal
			takerFee decimal.Decimal
			created  time.Time
		)
		if err := rows.Scan(&t.TradeID, &t.Symbol, &price, &qty, &t.AggressorSide,
			&t.MakerOrderID, &t.TakerOrderID, &makerFee, &takerFee, &t.Seq, &created); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Price = price.String()
		t.Quantity = qty.String()
		t.MakerFee = makerFee.String()
		t.TakerFee = takerFee.String()
		t.Timestamp = created.UTC().Format(time.RFC3339Nano)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
