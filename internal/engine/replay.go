package engine

import (
	"fmt"

	"SpotMatch/internal/book"
)

// Recovery drives the engine from durable state: restore the snapshot's
// resting set, then replay admissions and cancels from the event log in
// sequence order. Replay runs the same matcher as live traffic with
// output emission suppressed, so the rebuilt book is bit-for-bit the
// book that produced the log.

// BeginReplay suppresses output emission. Call before feeding recovery
// events; the engine must not be serving yet.
func (e *Engine) BeginReplay() {
	e.mu.Lock()
	e.replay = true
	e.mu.Unlock()
}

// EndReplay re-enables output emission.
func (e *Engine) EndReplay() {
	e.mu.Lock()
	e.replay = false
	e.mu.Unlock()
}

// SetSequence fast-forwards the admission counter, typically to the
// sequence covered by a snapshot.
func (e *Engine) SetSequence(seq int64) {
	e.mu.Lock()
	if seq > e.seq {
		e.seq = seq
	}
	e.mu.Unlock()
}

// RestoreResting places snapshot orders back on the book in the order
// given. Snapshots record levels best-first and each level's FIFO
// front-first, so sequential re-insertion reproduces queue positions
// exactly.
func (e *Engine) RestoreResting(orders []book.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range orders {
		o := orders[i]
		if err := e.bk.AddResting(&o); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
		if o.Seq > e.seq {
			e.seq = o.Seq
		}
	}
	return e.bk.CheckInvariants()
}

// ReplayAdmitted re-runs one admission from the event log. The record is
// the pre-match admission copy, so matching it against the current book
// repeats the original transition.
func (e *Engine) ReplayAdmitted(rec book.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := rec
	o.Status = book.StatusPending
	if _, err := e.matchReplay(&o); err != nil {
		return fmt.Errorf("replay admission seq %d (%s): %w", rec.Seq, rec.ID, err)
	}
	if o.Seq > e.seq {
		e.seq = o.Seq
	}
	return e.bk.CheckInvariants()
}

// matchReplay is match without the live-path bookkeeping. Caller holds
// the lock.
func (e *Engine) matchReplay(o *book.Order) ([]book.Fill, error) {
	return e.match(o)
}

// ReplayCancelled re-applies one cancel from the event log. A miss is
// not an error: the order may have fully filled between the admission
// and the cancel in the original run only if the log is corrupt, but an
// idempotent skip keeps recovery going.
func (e *Engine) ReplayCancelled(rec CancelRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bk.Cancel(rec.OrderID)
	if rec.Seq > e.seq {
		e.seq = rec.Seq
	}
}

// SnapshotResting captures the resting set under the lock: bids
// best-first then asks best-first, each level front-of-queue first. The
// returned slice holds value copies and is safe to serialize while
// matching continues.
func (e *Engine) SnapshotResting() (orders []book.Order, seq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	capture := func(s *book.BookSide) {
		s.Walk(func(lvl *book.PriceLevel) bool {
			for _, o := range lvl.Orders {
				orders = append(orders, *o)
			}
			return true
		})
	}
	capture(e.bk.Bids)
	capture(e.bk.Asks)
	return orders, e.seq
}
