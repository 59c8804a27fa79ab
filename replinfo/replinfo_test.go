package replinfo

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/oplog"
)

func TestWriterPersistsOnlyOnChange(t *testing.T) {
	eng := memengine.New()
	gm := gtid.NewManager()
	gm.BecomePrimary(1)
	_, _ = gm.AssignGTID()

	w := NewWriter(eng, gm, nil)
	ctx := context.Background()
	if err := w.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if w.lastLive.IsInitial() {
		t.Fatal("expected lastLive to reflect the assigned GTID")
	}

	before := w.lastLive
	if err := w.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if w.lastLive != before {
		t.Fatal("expected no-op tick to leave lastLive unchanged")
	}
}

func TestPartitionThreadCutsAndExpires(t *testing.T) {
	eng := memengine.New()
	store := oplog.NewStore(eng)
	ctx := context.Background()

	now := time.Now()
	txn, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	_ = store.Append(ctx, txn, oplog.Entry{ID: gtid.New(1, 1), TS: now.Add(-2 * time.Hour).UnixMilli()})
	_ = txn.Commit(ctx)

	store.AddPartition(now.Add(-time.Hour).UnixMilli())

	txn2, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	_ = store.Append(ctx, txn2, oplog.Entry{ID: gtid.New(1, 2), TS: now.UnixMilli()})
	_ = txn2.Commit(ctx)

	var archived []int64
	archive := func(ctx context.Context, p *oplog.Partition) error {
		archived = append(archived, p.ID)
		return nil
	}

	pt := NewPartitionThread(store, Policy{ExpireAfter: 90 * time.Minute}, archive, nil)
	pt.tick(ctx)

	if len(archived) != 1 {
		t.Fatalf("expected 1 archived partition, got %d", len(archived))
	}
	if _, err := store.FindByGTID(gtid.New(1, 1)); err != oplog.ErrNotFound {
		t.Fatalf("expected expired entry gone, err=%v", err)
	}
	if _, err := store.FindByGTID(gtid.New(1, 2)); err != nil {
		t.Fatalf("expected surviving entry present, err=%v", err)
	}
}
