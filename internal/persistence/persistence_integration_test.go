package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"PerpPool/internal/event"
	"PerpPool/internal/persistence"
	"PerpPool/internal/testutil"
)

// ============================================================================
// Test: operation log against a live Postgres
// ============================================================================

func TestOperationLogWriteAndReplay(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewOperationLogWriter(db)

	seq, err := writer.LatestSequence(ctx)
	if err != nil || seq != 0 {
		t.Fatalf("empty log: seq=%d err=%v", seq, err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	batch := make([]event.Envelope, 0, 3)
	for i := int64(1); i <= 3; i++ {
		env, err := event.Wrap(i, 0, now, event.PriceUpdated{
			MarketIndex: 0,
			Symbol:      "ETH-PERP",
			Timestamp:   now.Unix(),
		})
		if err != nil {
			t.Fatal(err)
		}
		batch = append(batch, env)
	}
	if err := writer.WriteBatch(ctx, db, batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	// Re-delivery of the same batch after a crash must not duplicate.
	if err := writer.WriteBatch(ctx, db, batch); err != nil {
		t.Fatalf("rewrite batch: %v", err)
	}

	seq, err = writer.LatestSequence(ctx)
	if err != nil || seq != 3 {
		t.Fatalf("latest sequence = %d, err=%v, want 3", seq, err)
	}

	tail, err := writer.LoadFrom(ctx, 1)
	if err != nil {
		t.Fatalf("load from: %v", err)
	}
	if len(tail) != 2 || tail[0].Sequence != 2 || tail[1].Sequence != 3 {
		t.Fatalf("tail = %+v, want sequences 2 and 3", tail)
	}
	if tail[0].Type != event.TypePriceUpdated {
		t.Errorf("type round trip = %v", tail[0].Type)
	}
}

func TestSnapshotSaveAndLoad(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mgr := persistence.NewSnapshotManager(db)

	snap, err := mgr.LoadLatestSnapshot(ctx)
	if err != nil || snap != nil {
		t.Fatalf("cold start: snap=%v err=%v", snap, err)
	}

	src := buildPool(t)
	src.PoolCash = fp("1234.5")
	for _, seq := range []int64{10, 20} {
		data := persistence.Capture(src, seq, time.Now().UTC())
		if _, err := mgr.SaveSnapshot(ctx, data); err != nil {
			t.Fatalf("save snapshot %d: %v", seq, err)
		}
	}

	snap, err = mgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap == nil || snap.Sequence != 20 {
		t.Fatalf("loaded snapshot = %+v, want sequence 20", snap)
	}
	if !snap.PoolCash.Equal(fp("1234.5")) {
		t.Errorf("pool cash = %s", snap.PoolCash)
	}
}

func TestOperationLogWorkerFlushesOnClose(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	input := make(chan event.Envelope, 16)
	worker := persistence.NewOperationLogWorker(db, input, 256, time.Second, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	now := time.Now().UTC()
	for i := int64(1); i <= 5; i++ {
		env, err := event.Wrap(i, event.PoolScope, now, event.Donation{Amount: fp("1")})
		if err != nil {
			t.Fatal(err)
		}
		input <- env
	}
	close(input)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after channel close")
	}

	seq, err := worker.Writer().LatestSequence(ctx)
	if err != nil || seq != 5 {
		t.Fatalf("latest sequence = %d, err=%v, want 5", seq, err)
	}
}
