package rollback

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

type fakeSource struct {
	remoteByGTID map[gtid.GTID]oplog.Entry
	remoteDocs   map[string]bson.D
	forward      []oplog.Entry
}

func (s fakeSource) FetchByGTID(ctx context.Context, m *replset.Member, g gtid.GTID) (*oplog.Entry, error) {
	e, ok := s.remoteByGTID[g]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s fakeSource) FetchDoc(ctx context.Context, m *replset.Member, ns string, pk interface{}) (interface{}, bool, error) {
	d, ok := s.remoteDocs[ns+"/"+pk.(string)]
	if !ok {
		return nil, false, nil
	}
	return d, true, nil
}

type fakeCursor struct {
	entries []oplog.Entry
	idx     int
}

func (c *fakeCursor) Next(ctx context.Context) (*oplog.Entry, error) {
	if c.idx >= len(c.entries) {
		return nil, nil
	}
	e := c.entries[c.idx]
	c.idx++
	return &e, nil
}

func (c *fakeCursor) Close() {}

func (s fakeSource) TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (oplog.Cursor, error) {
	return &fakeCursor{entries: s.forward}, nil
}

// MinUnapplied reports the latest GTID among every entry the fake remote
// knows about, so the Gate step never blocks in tests that don't care
// about it.
func (s fakeSource) MinUnapplied(ctx context.Context, m *replset.Member) (gtid.GTID, error) {
	latest := gtid.Initial
	for g := range s.remoteByGTID {
		if latest.Less(g) {
			latest = g
		}
	}
	for _, e := range s.forward {
		if latest.Less(e.ID) {
			latest = e.ID
		}
	}
	return latest, nil
}

// Snapshot reports every forward entry as already applied by the remote,
// with no further tail beyond what TailFrom already returns.
func (s fakeSource) Snapshot(ctx context.Context, m *replset.Member, minUnapplied gtid.GTID) (gtid.GTID, int64, map[gtid.GTID]bool, error) {
	applied := make(map[gtid.GTID]bool, len(s.forward))
	last := minUnapplied
	var lastHash int64
	for _, e := range s.forward {
		applied[e.ID] = true
		if last.Less(e.ID) {
			last = e.ID
			lastHash = e.Hash
		}
	}
	return last, lastHash, applied, nil
}

type fakeApplier struct {
	applied []gtid.GTID
}

func (a *fakeApplier) ApplyEntryOnce(ctx context.Context, e oplog.Entry) error {
	a.applied = append(a.applied, e.ID)
	return nil
}

func TestRollbackUndoesDivergentEntryAndResyncs(t *testing.T) {
	eng := memengine.New()
	store := oplog.NewStore(eng)
	gm := gtid.NewManager()
	ctx := context.Background()

	// Local oplog: g1 (agreed), g2 (diverged insert of "bad").
	now := time.Now()
	txn, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	g1 := gtid.New(1, 1)
	g2 := gtid.New(1, 2)
	_ = store.Append(ctx, txn, oplog.Entry{ID: g1, TS: now.Add(-2 * time.Second).UnixMilli(), Hash: 11})
	_ = store.Append(ctx, txn, oplog.Entry{
		ID: g2, TS: now.Add(-1 * time.Second).UnixMilli(), Hash: 22,
		Ops: []oplog.SubOp{{Op: oplog.OpInsert, NS: "app.users", PK: "bad"}},
	})
	_ = txn.Commit(ctx)

	insTxn, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	_ = insTxn.Collection("app", "users").Insert(ctx, bson.D{{Key: "_id", Value: "bad"}})
	_ = insTxn.Commit(ctx)

	src := fakeSource{
		remoteByGTID: map[gtid.GTID]oplog.Entry{
			g1: {ID: g1, TS: 1000, Hash: 11},
		},
		remoteDocs: map[string]bson.D{
			// source has no "bad" doc: our insert never made it upstream.
		},
		forward: nil,
	}
	fa := &fakeApplier{}

	rb := New(eng, store, gm, src, fa, nil)
	member := &replset.Member{Host: "source-host"}

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rb.Run(ctx2, member); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	verifyTxn, _ := eng.BeginTxn(ctx, engine.TxnOptions{})
	var out bson.D
	err := verifyTxn.Collection("app", "users").FindOne(ctx, bson.D{{Key: "_id", Value: "bad"}}, &out)
	_ = verifyTxn.Abort(ctx)
	if err == nil {
		t.Fatal("expected the diverged document to have been undone")
	}

	st := gm.GetLiveState()
	if st.Live != g1 {
		t.Fatalf("expected frontier reset to %v, got %v", g1, st.Live)
	}
}
