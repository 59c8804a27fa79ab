package producer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/oplog"
	"github.com/tessera-db/core/replset"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.SetName = "rs0"
	cfg.SyncSourceLagWindow = time.Minute
	cfg.Members = []config.MemberConfig{
		{ID: 0, Host: "h0", Priority: 2, Votes: 1},
		{ID: 1, Host: "h1", Priority: 1, Votes: 1},
	}
	return cfg
}

func newTestSet(t *testing.T) (*replset.ReplSet, *memengine.Engine) {
	t.Helper()
	eng := memengine.New()
	vs := replset.NewVoteStore(eng)
	gm := gtid.NewManager()
	rs, err := replset.New(testConfig(), 0, vs, gm, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.LoadConfig(context.Background()); err != nil {
		t.Fatal(err)
	}
	return rs, eng
}

// fakeCursor replays a fixed slice of entries, then blocks until ctx is
// canceled -- mirroring a live tailing cursor that has caught up.
type fakeCursor struct {
	entries []oplog.Entry
	idx     int
}

func (c *fakeCursor) Next(ctx context.Context) (*oplog.Entry, error) {
	if c.idx < len(c.entries) {
		e := c.entries[c.idx]
		c.idx++
		return &e, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeCursor) Close() {}

type fakeSource struct {
	entries []oplog.Entry
}

func (s fakeSource) TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (RemoteCursor, error) {
	return &fakeCursor{entries: s.entries}, nil
}

func TestSyncFromAppendsAndEnqueuesInOrder(t *testing.T) {
	rs, eng := newTestSet(t)
	gm := gtid.NewManager()
	store := oplog.NewStore(eng)

	peer := rs.Peers()[0]
	peer.SetHB(replset.HeartbeatInfo{
		Health:       1.0,
		LastGTID:     gtid.New(1, 3),
		LastOpTimeMS: time.Now().UnixMilli(),
		LastRecvWall: time.Now(),
	})

	want := []gtid.GTID{gtid.New(1, 1), gtid.New(1, 2), gtid.New(1, 3)}
	var entries []oplog.Entry
	for i, g := range want {
		entries = append(entries, oplog.Entry{ID: g, TS: int64(i + 1), Hash: int64(i + 1)})
	}
	src := fakeSource{entries: entries}

	p := New(rs, store, gm, eng, src, nil, time.Minute, 100, 50, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	var got []gtid.GTID
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < len(want); i++ {
			e := <-p.Queue()
			mu.Lock()
			got = append(got, e.ID)
			mu.Unlock()
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for enqueued entries")
	}

	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %v, want %v", i, got[i], want[i])
		}
	}

	for _, g := range want {
		if _, err := store.FindByGTID(g); err != nil {
			t.Fatalf("expected %v persisted to local oplog, err=%v", g, err)
		}
	}
}

func TestBigTxnMarkerRecognizesBoundaryEntry(t *testing.T) {
	e := oplog.Entry{Ops: []oplog.SubOp{{Op: oplog.OpCommand, Command: "bigTxnBoundary"}}}
	if !BigTxnMarker(e) {
		t.Fatal("expected marker entry to be recognized")
	}
	other := oplog.Entry{Ops: []oplog.SubOp{{Op: oplog.OpInsert}}}
	if BigTxnMarker(other) {
		t.Fatal("did not expect a plain insert to be recognized as the marker")
	}
}
