package harness

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/oplog"
)

// SimulateInsert stands in for the out-of-scope mongod write path: on a
// real deployment, committing a user transaction both mutates the engine
// and mints/appends the matching oplog entry in the same storage
// transaction. The harness has no such write path of its own, so this
// performs both halves directly against a node already acting as primary.
func (n *Node) SimulateInsert(ctx context.Context, ns string, doc bson.D) (gtid.GTID, error) {
	db, coll := splitNS(ns)

	g, err := n.Ctx.GTIDManager.AssignGTID()
	if err != nil {
		return gtid.GTID{}, errors.Wrap(err, "harness: assign gtid")
	}

	op := oplog.SubOp{Op: oplog.OpInsert, NS: ns, PK: findID(doc), Row: doc}
	entry := oplog.Entry{ID: g, TS: time.Now().UnixMilli(), Ops: []oplog.SubOp{op}, Applied: true}
	body, err := bson.Marshal(entry)
	if err != nil {
		return gtid.GTID{}, errors.Wrap(err, "harness: marshal entry body")
	}
	entry.Hash = gtid.ChainHash(n.Ctx.GTIDManager.LastHash(), body)

	txn, err := n.Ctx.Engine.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return gtid.GTID{}, errors.Wrap(err, "harness: begin txn")
	}
	if err := txn.Collection(db, coll).Insert(ctx, doc); err != nil {
		_ = txn.Abort(ctx)
		return gtid.GTID{}, errors.Wrap(err, "harness: insert")
	}
	if err := n.Ctx.OplogStore.Append(ctx, txn, entry); err != nil {
		_ = txn.Abort(ctx)
		return gtid.GTID{}, errors.Wrap(err, "harness: append oplog entry")
	}
	if err := txn.Commit(ctx); err != nil {
		return gtid.GTID{}, errors.Wrap(err, "harness: commit")
	}
	n.Ctx.GTIDManager.NoteGTIDAdded(g, entry.TS, entry.Hash)
	return g, nil
}

func findID(doc bson.D) interface{} {
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value
		}
	}
	return nil
}
