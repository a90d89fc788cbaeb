package persistence

import (
	"context"
	"testing"
	"time"

	"SpotMatch/internal/engine"
	"SpotMatch/internal/testutil"
)

// Shutdown signals the worker by cancelling its context, never by
// closing the engine output channel — engines may still emit while the
// process winds down. Everything buffered at cancel time must reach the
// database through the final flush.
func TestWorkerDrainsBufferedTailOnCancel(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := NewMigrator(db, "../../migrations").Up(migrateCtx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	const buffered = 7
	ch := make(chan engine.Output, 64)
	for seq := int64(1); seq <= buffered; seq++ {
		ch <- admittedOutput(seq)
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker := NewWorker(NewWriter(db), ch, 1000, time.Hour, nil, nil)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	// With the flush interval far in the future and the batch size
	// unreached, only the drain path can save the buffered outputs.
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	var events int
	if err := db.QueryRow("SELECT COUNT(*) FROM engine.events").Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != buffered {
		t.Fatalf("events persisted = %d, want %d", events, buffered)
	}

	// The channel stays open; a straggler emitting after the worker
	// stopped lands in the buffer instead of panicking the engine.
	ch <- admittedOutput(buffered + 1)
}
