package ghostsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tessera-db/core/gtid"
)

type fakeUpstream struct {
	mu      sync.Mutex
	calls   []gtid.GTID
	failing bool
}

func (f *fakeUpstream) Percolate(ctx context.Context, rid primitive.ObjectID, lastGTID gtid.GTID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFake
	}
	f.calls = append(f.calls, lastGTID)
	return nil
}

var errFake = errCustom("fake upstream failure")

type errCustom string

func (e errCustom) Error() string { return string(e) }

func (f *fakeUpstream) lastCall() (gtid.GTID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return gtid.GTID{}, false
	}
	return f.calls[len(f.calls)-1], true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUpdateSlavePercolatesToUpstream(t *testing.T) {
	up := &fakeUpstream{}
	dial := func(ctx context.Context) (Upstream, error) { return up, nil }
	r := New(dial, nil)

	rid := primitive.NewObjectID()
	r.AssociateSlave(rid, 3)
	r.UpdateSlave(rid, gtid.New(1, 5))

	waitFor(t, func() bool {
		g, ok := up.lastCall()
		return ok && g == gtid.New(1, 5)
	})
}

func TestUpdateSlaveIgnoresUnknownRID(t *testing.T) {
	up := &fakeUpstream{}
	dial := func(ctx context.Context) (Upstream, error) { return up, nil }
	r := New(dial, nil)

	r.UpdateSlave(primitive.NewObjectID(), gtid.New(1, 1))
	time.Sleep(50 * time.Millisecond)

	if _, ok := up.lastCall(); ok {
		t.Fatal("expected no percolation for an unassociated rid")
	}
}

func TestUpdateSlaveSkipsStaleGTID(t *testing.T) {
	up := &fakeUpstream{}
	dial := func(ctx context.Context) (Upstream, error) { return up, nil }
	r := New(dial, nil)

	rid := primitive.NewObjectID()
	r.AssociateSlave(rid, 1)
	r.UpdateSlave(rid, gtid.New(1, 5))
	waitFor(t, func() bool {
		g, ok := up.lastCall()
		return ok && g == gtid.New(1, 5)
	})

	r.UpdateSlave(rid, gtid.New(1, 3))
	time.Sleep(50 * time.Millisecond)

	g, _ := up.lastCall()
	if g != gtid.New(1, 5) {
		t.Fatalf("expected stale update to be dropped, last call is still %s", g)
	}
}

func TestPercolateFailureInvalidatesConnectionForRetry(t *testing.T) {
	up := &fakeUpstream{failing: true}
	dialCount := 0
	var mu sync.Mutex
	dial := func(ctx context.Context) (Upstream, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		return up, nil
	}
	r := New(dial, nil)

	rid := primitive.NewObjectID()
	r.AssociateSlave(rid, 1)
	r.UpdateSlave(rid, gtid.New(1, 1))
	time.Sleep(50 * time.Millisecond)

	up.mu.Lock()
	up.failing = false
	up.mu.Unlock()

	r.UpdateSlave(rid, gtid.New(1, 2))
	waitFor(t, func() bool {
		g, ok := up.lastCall()
		return ok && g == gtid.New(1, 2)
	})

	mu.Lock()
	defer mu.Unlock()
	if dialCount < 2 {
		t.Fatalf("expected a redial after the failed percolate, got %d dials", dialCount)
	}
}

func TestClearCacheDropsAssociations(t *testing.T) {
	up := &fakeUpstream{}
	dial := func(ctx context.Context) (Upstream, error) { return up, nil }
	r := New(dial, nil)

	rid := primitive.NewObjectID()
	r.AssociateSlave(rid, 1)
	r.ClearCache()
	r.UpdateSlave(rid, gtid.New(1, 1))
	time.Sleep(50 * time.Millisecond)

	if _, ok := up.lastCall(); ok {
		t.Fatal("expected no percolation after the slave's association was cleared")
	}
}
