package oplog

import (
	"context"
	"testing"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/gtid"
)

func TestAppendAndTailOrdering(t *testing.T) {
	ctx := context.Background()
	eng := memengine.New()
	s := NewStore(eng)

	txn, err := eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		t.Fatal(err)
	}

	want := []gtid.GTID{gtid.New(1, 1), gtid.New(1, 2), gtid.New(1, 3)}
	for i, g := range want {
		if err := s.Append(ctx, txn, Entry{ID: g, TS: int64(i), Applied: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	cur := s.TailFromGTID(gtid.New(1, 2))
	var got []gtid.GTID
	for {
		e, err := cur.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			break
		}
		got = append(got, e.ID)
	}
	if len(got) != 2 || got[0] != want[1] || got[1] != want[2] {
		t.Fatalf("tail from %v = %v, want %v", want[1], got, want[1:])
	}
}

func TestReverseCursor(t *testing.T) {
	ctx := context.Background()
	eng := memengine.New()
	s := NewStore(eng)
	txn, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	for i := int64(1); i <= 3; i++ {
		_ = s.Append(ctx, txn, Entry{ID: gtid.New(1, i), TS: i})
	}
	_ = txn.Commit(ctx)

	rc := s.ReverseCursorFromGTID(gtid.New(1, 3))
	var got []int64
	for {
		e, err := rc.Prev(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			break
		}
		got = append(got, e.ID.Seq)
	}
	if len(got) != 3 || got[0] != 3 || got[1] != 2 || got[2] != 1 {
		t.Fatalf("reverse cursor = %v, want [3 2 1]", got)
	}
}

func TestTrimByTimestampDropsOldPartitions(t *testing.T) {
	eng := memengine.New()
	s := NewStore(eng)
	ctx := context.Background()
	txn, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	_ = s.Append(ctx, txn, Entry{ID: gtid.New(1, 1), TS: 100})
	_ = txn.Commit(ctx)

	s.AddPartition(200)

	txn2, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	_ = s.Append(ctx, txn2, Entry{ID: gtid.New(1, 2), TS: 300})
	_ = txn2.Commit(ctx)

	dropped := s.TrimByTimestamp(250)
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dropped partition, got %d", len(dropped))
	}
	if _, err := s.FindByGTID(gtid.New(1, 1)); err != ErrNotFound {
		t.Fatalf("expected dropped entry gone, err=%v", err)
	}
	if _, err := s.FindByGTID(gtid.New(1, 2)); err != nil {
		t.Fatalf("expected surviving entry present, err=%v", err)
	}
}
