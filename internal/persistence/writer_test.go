package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"SpotMatch/internal/book"
	"SpotMatch/internal/engine"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func admittedOutput(seq int64) engine.Output {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	admitted := &book.Order{
		ID: "o1", Symbol: "BTC-USDT", Side: book.Buy, Type: book.Limit,
		Price: d("100"), HasPrice: true, Quantity: d("2"),
		Status: book.StatusPending, Seq: seq, CreatedAt: now,
	}
	taker := *admitted
	taker.FilledQty = d("1")
	taker.Status = book.StatusPartiallyFilled
	maker := &book.Order{
		ID: "m1", Symbol: "BTC-USDT", Side: book.Sell, Type: book.Limit,
		Price: d("100"), HasPrice: true, Quantity: d("1"), FilledQty: d("1"),
		Status: book.StatusFilled, Seq: seq - 1, CreatedAt: now,
	}
	return engine.Output{
		Kind:     engine.OutputAdmitted,
		Symbol:   "BTC-USDT",
		Seq:      seq,
		Admitted: admitted,
		Order:    &taker,
		Makers:   []*book.Order{maker},
		Trades: []*book.Trade{{
			ID: "t1", Symbol: "BTC-USDT", Price: d("100"), Quantity: d("1"),
			AggressorSide: book.Buy, MakerOrderID: "m1", TakerOrderID: "o1",
			MakerFee: d("0.1"), TakerFee: d("0.2"), Seq: seq, Timestamp: now,
		}},
		At: now,
	}
}

func TestBatchAppendAdmitted(t *testing.T) {
	var b Batch
	if err := b.Append(admittedOutput(5)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if b.Len() != 1 {
		t.Fatalf("events = %d, want 1", b.Len())
	}
	e := b.Events[0]
	if e.EventType != "order_admitted" || e.Seq != 5 || e.Symbol != "BTC-USDT" {
		t.Fatalf("event row = %+v", e)
	}

	// Payload decodes back to the pre-match admission copy.
	var o book.Order
	if err := json.Unmarshal(e.Payload, &o); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if o.ID != "o1" || !o.FilledQty.IsZero() || o.Status != book.StatusPending {
		t.Fatalf("payload is not pre-match state: %+v", o)
	}

	if len(b.Orders) != 2 {
		t.Fatalf("order rows = %d, want taker + maker", len(b.Orders))
	}
	if b.Orders[0].OrderID != "o1" || b.Orders[0].Status != "partially_filled" {
		t.Fatalf("taker row = %+v", b.Orders[0])
	}
	if b.Orders[1].OrderID != "m1" || b.Orders[1].Status != "filled" {
		t.Fatalf("maker row = %+v", b.Orders[1])
	}

	if len(b.Trades) != 1 || b.Trades[0].TradeID != "t1" {
		t.Fatalf("trade rows = %+v", b.Trades)
	}
	if !b.Trades[0].MakerFee.Equal(d("0.1")) || !b.Trades[0].TakerFee.Equal(d("0.2")) {
		t.Fatal("fees not carried through")
	}
}

func TestBatchAppendCancelled(t *testing.T) {
	now := time.Now().UTC()
	cancelled := &book.Order{
		ID: "o2", Symbol: "BTC-USDT", Side: book.Sell, Type: book.Limit,
		Price: d("101"), HasPrice: true, Quantity: d("1"),
		Status: book.StatusCancelled, Seq: 3, CreatedAt: now,
	}

	var b Batch
	err := b.Append(engine.Output{
		Kind:      engine.OutputCancelled,
		Symbol:    "BTC-USDT",
		Seq:       4,
		Cancelled: &engine.CancelRecord{OrderID: "o2", Seq: 4},
		Order:     cancelled,
		At:        now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	var c engine.CancelRecord
	if err := json.Unmarshal(b.Events[0].Payload, &c); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if c.OrderID != "o2" || c.Seq != 4 {
		t.Fatalf("cancel record = %+v", c)
	}
	if len(b.Orders) != 1 || b.Orders[0].Status != "cancelled" {
		t.Fatalf("order rows = %+v", b.Orders)
	}
	if len(b.Trades) != 0 {
		t.Fatal("cancel produced trade rows")
	}
}

func TestBatchAppendUnknownKind(t *testing.T) {
	var b Batch
	if err := b.Append(engine.Output{Kind: "weird"}); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestBatchReset(t *testing.T) {
	var b Batch
	b.Append(admittedOutput(1))
	b.Reset()
	if b.Len() != 0 || len(b.Orders) != 0 || len(b.Trades) != 0 {
		t.Fatalf("reset left rows: %d/%d/%d", b.Len(), len(b.Orders), len(b.Trades))
	}
}

func TestOrderRowNullPrice(t *testing.T) {
	row := orderRow(&book.Order{
		ID: "m", Symbol: "BTC-USDT", Side: book.Buy, Type: book.Market,
		Quantity: d("1"), Status: book.StatusCancelled,
	})
	if row.Price.Valid {
		t.Fatal("market order carries a price")
	}
}
