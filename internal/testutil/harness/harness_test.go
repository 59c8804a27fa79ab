package harness

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/repl/initialsync"
)

func mustInsert(t *testing.T, ctx context.Context, n *Node, ns string, doc bson.D) gtid.GTID {
	t.Helper()
	g, err := n.SimulateInsert(ctx, ns, doc)
	if err != nil {
		t.Fatalf("SimulateInsert: %v", err)
	}
	return g
}

func twoNodeConfig() config.Config {
	cfg := config.Defaults()
	cfg.SetName = "rs0"
	cfg.SyncSourceLagWindow = 5 * time.Second
	cfg.Members = []config.MemberConfig{
		{ID: 1, Host: "n1", Priority: 1, Votes: 1},
		{ID: 2, Host: "n2", Priority: 1, Votes: 1},
	}
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSteadyStateReplicationConverges(t *testing.T) {
	cluster, err := New(twoNodeConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n1, n2 := cluster.Node(1), cluster.Node(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n1.Ctx.ReplSet.BecomePrimary(ctx, 1); err != nil {
		t.Fatalf("BecomePrimary: %v", err)
	}

	stopHB := cluster.PumpHeartbeats(ctx)
	defer stopHB()
	stopRun := cluster.Run(ctx)
	defer stopRun()

	var lastGTID = mustInsert(t, ctx, n1, "test.docs", bson.D{{Key: "_id", Value: 1}, {Key: "v", Value: "a"}})
	mustInsert(t, ctx, n1, "test.docs", bson.D{{Key: "_id", Value: 2}, {Key: "v", Value: "b"}})
	lastGTID = mustInsert(t, ctx, n1, "test.docs", bson.D{{Key: "_id", Value: 3}, {Key: "v", Value: "c"}})

	waitUntil(t, 2*time.Second, func() bool {
		return n2.Ctx.GTIDManager.GetLiveState().Applied == lastGTID
	})

	for id := int64(1); id <= 3; id++ {
		snap, err := n2.Ctx.Engine.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		var doc bson.M
		err = snap.Collection("test", "docs").FindOne(ctx, bson.D{{Key: "_id", Value: id}}, &doc)
		snap.Close(ctx)
		if err != nil {
			t.Fatalf("expected document %d to have replicated: %v", id, err)
		}
	}
}

func TestInitialSyncClonesAndCatchesUp(t *testing.T) {
	cluster, err := New(twoNodeConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cluster.Collections = []initialsync.CollectionRef{{DB: "test", Coll: "docs"}}

	n1, n2 := cluster.Node(1), cluster.Node(2)
	ctx := context.Background()

	if err := n1.Ctx.ReplSet.BecomePrimary(ctx, 1); err != nil {
		t.Fatalf("BecomePrimary: %v", err)
	}
	for id := int64(1); id <= 5; id++ {
		mustInsert(t, ctx, n1, "test.docs", bson.D{{Key: "_id", Value: id}})
	}

	source := n2.Ctx.ReplSet.Peers()[0]
	if err := n2.Ctx.InitialSync.Run(ctx, source); err != nil {
		t.Fatalf("InitialSync.Run: %v", err)
	}

	snap, err := n2.Ctx.Engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer snap.Close(ctx)
	for id := int64(1); id <= 5; id++ {
		var doc bson.M
		if err := snap.Collection("test", "docs").FindOne(ctx, bson.D{{Key: "_id", Value: id}}, &doc); err != nil {
			t.Fatalf("expected cloned document %d: %v", id, err)
		}
	}

	if n2.Ctx.GTIDManager.GetLiveState().Live != n1.Ctx.GTIDManager.GetLiveState().Live {
		t.Fatal("expected the frontier to be reset to the source's GTID after initial sync")
	}
}
