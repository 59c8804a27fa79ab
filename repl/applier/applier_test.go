package applier

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/oplog"
)

type fakeDrain struct {
	mu      sync.Mutex
	signals int
}

func (d *fakeDrain) SignalDrain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signals++
}

func (d *fakeDrain) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals
}

type noRefs struct{}

func (noRefs) GetRefs(oid string) []oplog.SubOp { return nil }

func TestApplierInsertsInsideTxn(t *testing.T) {
	eng := memengine.New()
	gm := gtid.NewManager()
	drain := &fakeDrain{}
	a := New(eng, gm, noRefs{}, drain, nil, 0, nil)

	queue := make(chan oplog.Entry, 1)
	doc := bson.D{{Key: "_id", Value: "x1"}, {Key: "v", Value: 1}}
	queue <- oplog.Entry{
		ID: gtid.New(1, 1),
		Ops: []oplog.SubOp{
			{Op: oplog.OpInsert, NS: "testdb.coll", Row: doc},
		},
	}
	close(queue)

	qlen := func() int { return len(queue) }
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Run(ctx, queue, qlen); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	verifyTxn, err := eng.BeginTxn(context.Background(), engine.TxnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var out bson.D
	if err := verifyTxn.Collection("testdb", "coll").FindOne(context.Background(), bson.D{{Key: "_id", Value: "x1"}}, &out); err != nil {
		t.Fatalf("expected inserted doc to be visible, err=%v", err)
	}
	_ = verifyTxn.Abort(context.Background())

	_, unapplied := gm.GetMins()
	if unapplied != gtid.New(1, 1) {
		t.Fatalf("expected unapplied to reach %v, got %v", gtid.New(1, 1), unapplied)
	}
	if drain.count() != 1 {
		t.Fatalf("expected exactly 1 drain signal, got %d", drain.count())
	}
}
