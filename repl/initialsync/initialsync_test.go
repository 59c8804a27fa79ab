package initialsync

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/oplog"
	"github.com/tessera-db/core/replset"
)

type fakeDocCursor struct {
	docs []bson.D
	idx  int
}

func (c *fakeDocCursor) Next(ctx context.Context) (interface{}, bool, error) {
	if c.idx >= len(c.docs) {
		return nil, false, nil
	}
	d := c.docs[c.idx]
	c.idx++
	return d, true, nil
}

func (c *fakeDocCursor) Close() {}

type fakeOplogCursor struct {
	entries []oplog.Entry
	idx     int
}

func (c *fakeOplogCursor) Next(ctx context.Context) (*oplog.Entry, error) {
	if c.idx >= len(c.entries) {
		return nil, nil
	}
	e := c.entries[c.idx]
	c.idx++
	return &e, nil
}

func (c *fakeOplogCursor) Close() {}

type fakeSource struct {
	begin gtid.GTID
	refs  []CollectionRef
	docs  map[string][]bson.D
	gap   []oplog.Entry
}

func (s fakeSource) BeginGTID(ctx context.Context, m *replset.Member) (gtid.GTID, error) {
	return s.begin, nil
}

func (s fakeSource) ListCollections(ctx context.Context, m *replset.Member) ([]CollectionRef, error) {
	return s.refs, nil
}

func (s fakeSource) ScanCollection(ctx context.Context, m *replset.Member, db, coll string) (DocCursor, error) {
	return &fakeDocCursor{docs: s.docs[db+"."+coll]}, nil
}

func (s fakeSource) TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (oplog.Cursor, error) {
	return &fakeOplogCursor{entries: s.gap}, nil
}

type fakeApplier struct {
	applied []gtid.GTID
}

func (a *fakeApplier) ApplyEntryOnce(ctx context.Context, e oplog.Entry) error {
	a.applied = append(a.applied, e.ID)
	return nil
}

func TestInitialSyncClonesAndFillsGap(t *testing.T) {
	eng := memengine.New()
	store := oplog.NewStore(eng)
	gm := gtid.NewManager()

	src := fakeSource{
		begin: gtid.New(1, 1),
		refs: []CollectionRef{
			{DB: "app", Coll: "users"},
		},
		docs: map[string][]bson.D{
			"app.users": {
				{{Key: "_id", Value: "u1"}},
				{{Key: "_id", Value: "u2"}},
			},
		},
		gap: []oplog.Entry{
			{ID: gtid.New(1, 2), TS: 2, Ops: []oplog.SubOp{{Op: oplog.OpInsert, NS: "app.users", Row: bson.D{{Key: "_id", Value: "u3"}}}}},
			{ID: gtid.New(1, 3), TS: 3, Ops: []oplog.SubOp{{Op: oplog.OpInsert, NS: "app.users", Row: bson.D{{Key: "_id", Value: "u4"}}}}},
		},
	}
	fa := &fakeApplier{}

	is := New(eng, store, gm, src, fa, nil, nil)
	member := &replset.Member{Host: "source-host"}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := is.Run(ctx, member); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	verifyTxn, err := eng.BeginTxn(context.Background(), engine.TxnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"u1", "u2"} {
		var out bson.D
		if err := verifyTxn.Collection("app", "users").FindOne(context.Background(), bson.D{{Key: "_id", Value: id}}, &out); err != nil {
			t.Fatalf("expected cloned doc %s present, err=%v", id, err)
		}
	}
	_ = verifyTxn.Abort(context.Background())

	if len(fa.applied) != 2 {
		t.Fatalf("expected 2 gap entries applied, got %d", len(fa.applied))
	}

	st := gm.GetLiveState()
	if st.Live != gtid.New(1, 3) {
		t.Fatalf("expected frontier reset to %v, got %v", gtid.New(1, 3), st.Live)
	}

	if _, err := store.FindByGTID(gtid.New(1, 2)); err != nil {
		t.Fatalf("expected gap entry persisted to local oplog, err=%v", err)
	}
}
