package engine

import (
	"testing"

	"SpotMatch/internal/book"
)

// drainOutputs collects everything the engine emitted so far.
func drainOutputs(out chan Output) []Output {
	var all []Output
	for {
		select {
		case o := <-out:
			all = append(all, o)
		default:
			return all
		}
	}
}

func restingSet(e *Engine) []book.Order {
	orders, _ := e.SnapshotResting()
	return orders
}

func sameRestingSet(t *testing.T, want, got []book.Order) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("resting count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.ID != g.ID {
			t.Fatalf("position %d: id %s, want %s", i, g.ID, w.ID)
		}
		if !w.Price.Equal(g.Price) || !w.Remaining().Equal(g.Remaining()) {
			t.Fatalf("order %s: %s remaining %s, want %s remaining %s",
				g.ID, g.Price, g.Remaining(), w.Price, w.Remaining())
		}
		if w.Seq != g.Seq {
			t.Fatalf("order %s: seq %d, want %d", g.ID, g.Seq, w.Seq)
		}
	}
}

// replayInto feeds recorded outputs through a fresh engine's replay path.
func replayInto(t *testing.T, e *Engine, outputs []Output) {
	t.Helper()
	e.BeginReplay()
	defer e.EndReplay()
	for _, out := range outputs {
		switch out.Kind {
		case OutputAdmitted:
			if err := e.ReplayAdmitted(*out.Admitted); err != nil {
				t.Fatalf("replay admitted seq %d: %v", out.Seq, err)
			}
		case OutputCancelled:
			e.ReplayCancelled(*out.Cancelled)
		}
	}
}

func TestReplayFromEmptyReproducesBook(t *testing.T) {
	out := make(chan Output, 256)
	live := New("BTC-USDT", testLimits(), 100, out, nil)

	submit(t, live, book.Sell, book.Limit, "101", "2")
	submit(t, live, book.Sell, book.Limit, "100", "1")
	submit(t, live, book.Buy, book.Limit, "99", "3")
	res := submit(t, live, book.Buy, book.Limit, "100", "0.4")
	if len(res.Trades) != 1 {
		t.Fatalf("setup: trades = %d, want 1", len(res.Trades))
	}
	victim := submit(t, live, book.Buy, book.Limit, "98", "1")
	live.Cancel(victim.Order.ID)
	submit(t, live, book.Buy, book.IOC, "100", "5")
	submit(t, live, book.Sell, book.Limit, "99", "10")

	recovered := New("BTC-USDT", testLimits(), 100, nil, nil)
	replayInto(t, recovered, drainOutputs(out))

	sameRestingSet(t, restingSet(live), restingSet(recovered))
	if recovered.Sequence() != live.Sequence() {
		t.Fatalf("seq = %d, want %d", recovered.Sequence(), live.Sequence())
	}
}

func TestReplayFromSnapshotPlusTail(t *testing.T) {
	out := make(chan Output, 256)
	live := New("BTC-USDT", testLimits(), 100, out, nil)

	submit(t, live, book.Sell, book.Limit, "105", "1")
	submit(t, live, book.Sell, book.Limit, "104", "2")
	submit(t, live, book.Buy, book.Limit, "100", "3")

	// Snapshot point.
	snapOrders, snapSeq := live.SnapshotResting()
	drainOutputs(out) // events covered by the snapshot are not replayed

	// Tail after the snapshot.
	submit(t, live, book.Buy, book.Limit, "104", "1.5")
	submit(t, live, book.Sell, book.FOK, "100", "2")
	c := submit(t, live, book.Buy, book.Limit, "101", "1")
	live.Cancel(c.Order.ID)

	recovered := New("BTC-USDT", testLimits(), 100, nil, nil)
	if err := recovered.RestoreResting(snapOrders); err != nil {
		t.Fatalf("RestoreResting: %v", err)
	}
	recovered.SetSequence(snapSeq)
	replayInto(t, recovered, drainOutputs(out))

	sameRestingSet(t, restingSet(live), restingSet(recovered))
	if recovered.Sequence() != live.Sequence() {
		t.Fatalf("seq = %d, want %d", recovered.Sequence(), live.Sequence())
	}
}

func TestSnapshotOrderingIsBestFirstThenFIFO(t *testing.T) {
	e := newTestEngine(t)

	b1 := submit(t, e, book.Buy, book.Limit, "99", "1")
	b2 := submit(t, e, book.Buy, book.Limit, "100", "1")
	b3 := submit(t, e, book.Buy, book.Limit, "100", "1")
	a1 := submit(t, e, book.Sell, book.Limit, "102", "1")
	a2 := submit(t, e, book.Sell, book.Limit, "101", "1")

	orders, seq := e.SnapshotResting()
	if seq != 5 {
		t.Fatalf("snapshot seq = %d, want 5", seq)
	}
	want := []string{b2.Order.ID, b3.Order.ID, b1.Order.ID, a2.Order.ID, a1.Order.ID}
	if len(orders) != len(want) {
		t.Fatalf("snapshot size = %d, want %d", len(orders), len(want))
	}
	for i, id := range want {
		if orders[i].ID != id {
			t.Fatalf("snapshot[%d] = %s, want %s", i, orders[i].ID, id)
		}
	}
}

func TestReplaySuppressesEmission(t *testing.T) {
	out := make(chan Output, 16)
	e := New("BTC-USDT", testLimits(), 100, out, nil)

	e.BeginReplay()
	if err := e.ReplayAdmitted(book.Order{
		ID: "r1", Symbol: "BTC-USDT", Side: book.Buy, Type: book.Limit,
		Price: d("100"), HasPrice: true, Quantity: d("1"), Seq: 7,
	}); err != nil {
		t.Fatalf("ReplayAdmitted: %v", err)
	}
	e.EndReplay()

	if got := drainOutputs(out); len(got) != 0 {
		t.Fatalf("replay emitted %d outputs", len(got))
	}
	if e.Sequence() != 7 {
		t.Fatalf("seq = %d, want 7", e.Sequence())
	}

	// Live traffic resumes after the replayed sequence.
	res := submit(t, e, book.Sell, book.Limit, "100", "1")
	if res.Order.Seq != 8 {
		t.Fatalf("post-replay seq = %d, want 8", res.Order.Seq)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades against restored order = %d, want 1", len(res.Trades))
	}
}
