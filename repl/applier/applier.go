// Package applier implements the single-threaded apply loop
// that drains the producer's queue and writes each sub-operation into the
// storage engine, bracketing every entry with the GTID manager so the
// applied/unapplied frontier always reflects durable state.
package applier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/corefail"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/oplog"
)

// maxRetries bounds how many times a single entry is retried before the
// applier gives up and surfaces the error as fatal.
const maxRetries = 100

// RetryBackoff is the fixed delay between apply attempts.
const RetryBackoff = time.Second

// DrainSignal is satisfied by the producer, so the applier can unblock a
// backpressured producer once the queue has room again.
type DrainSignal interface {
	SignalDrain()
}

// RefResolver fetches the full operation list for an oversized transaction
// referenced by oplog.RefPointer.
type RefResolver interface {
	GetRefs(oid string) []oplog.SubOp
}

// CommandReplayer re-runs a replicated administrative command (createIndex,
// drop, ...) against whatever out-of-scope mechanism the storage engine
// uses for catalog changes; the engine.Collection seam exposes no such
// operation itself, so this is the hook the server wiring installs to reach
// it.
type CommandReplayer func(ctx context.Context, ns string, command interface{}) error

// Applier is the sole consumer of a producer's queue.
type Applier struct {
	eng       engine.Engine
	gtidM     *gtid.Manager
	refs      RefResolver
	drain     DrainSignal
	onCommand CommandReplayer
	log       *corelog.Event

	lowWater int
}

// New constructs an Applier. lowWater must match the producer's configured
// low-water mark; Run calls drain.SignalDrain once the queue length (as
// observed via queueLen) drops to or below it. onCommand may be nil, in
// which case replicated commands are dropped as metadata markers the way
// comments already are.
func New(eng engine.Engine, gtidM *gtid.Manager, refs RefResolver, drain DrainSignal, onCommand CommandReplayer, lowWater int, log *corelog.Event) *Applier {
	return &Applier{eng: eng, gtidM: gtidM, refs: refs, drain: drain, onCommand: onCommand, lowWater: lowWater, log: log}
}

// SetDrain wires the producer in after construction, for callers that
// build the applier and the producer it drains in the same step and
// would otherwise have a construction-order cycle between them.
func (a *Applier) SetDrain(drain DrainSignal) {
	a.drain = drain
}

// ApplyEntryOnce applies a single entry exactly once, with no retry
// bracketing -- used by initial sync's gap-fill replay and by rollback's
// forward replay, both of which own their own retry/backoff policy.
func (a *Applier) ApplyEntryOnce(ctx context.Context, e oplog.Entry) error {
	ops := e.Ops
	if e.Ref != nil {
		ops = a.refs.GetRefs(e.Ref.OID.Hex())
	}
	return a.applyOnce(ctx, ops)
}

// Run drains queue until it closes or ctx is canceled, applying each entry
// in order. queueLen reports the current number of buffered, not-yet-
// consumed entries so SignalDrain can be invoked precisely when the
// producer's backpressure gate should release.
func (a *Applier) Run(ctx context.Context, queue <-chan oplog.Entry, queueLen func() int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-queue:
			if !ok {
				return nil
			}
			if err := a.applyWithRetry(ctx, e); err != nil {
				return errors.Wrap(err, "applier: giving up on entry after retry budget")
			}
			if a.drain != nil && queueLen != nil && queueLen() <= a.lowWater {
				a.drain.SignalDrain()
			}
		}
	}
}

// applyWithRetry brackets the entry with NoteApplyingGTID/NoteGTIDApplied
// and retries transient failures up to maxRetries times with a fixed
// backoff ("retry indefinitely is the producer's
// job; the applier gives up and escalates after a bounded number").
func (a *Applier) applyWithRetry(ctx context.Context, e oplog.Entry) error {
	a.gtidM.NoteApplyingGTID(e.ID)

	ops := e.Ops
	if e.Ref != nil {
		ops = a.refs.GetRefs(e.Ref.OID.Hex())
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := a.applyOnce(ctx, ops)
		if err == nil {
			a.gtidM.NoteGTIDApplied(e.ID)
			return nil
		}
		lastErr = err
		if a.log != nil {
			a.log.Warn("apply attempt %d/%d for %v failed: %v", attempt+1, maxRetries, e.ID, err)
		}
		select {
		case <-time.After(RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return corefail.New(corefail.ExitApplyExhausted,
		errors.Wrapf(lastErr, "applier: exhausted %d consecutive retries on %v", maxRetries, e.ID))
}

// applyOnce runs every sub-operation of one entry inside a single storage
// transaction: either the whole entry becomes visible, or none of it does.
func (a *Applier) applyOnce(ctx context.Context, ops []oplog.SubOp) error {
	txn, err := a.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return errors.Wrap(err, "applier: begin txn")
	}

	for _, op := range ops {
		if err := a.applySubOp(ctx, txn, op); err != nil {
			_ = txn.Abort(ctx)
			return errors.Wrapf(err, "applier: apply %s on %s", op.Op, op.NS)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return errors.Wrap(err, "applier: commit")
	}
	return nil
}

func splitNS(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}

// applySubOp dispatches on op.Op, matching the kinds in oplog.OpKind.
// Comment entries never touch user data; command entries are handed to
// onCommand when one is installed and skipped otherwise.
func (a *Applier) applySubOp(ctx context.Context, txn engine.Txn, op oplog.SubOp) error {
	switch op.Op {
	case oplog.OpInsert, oplog.OpCappedInsert:
		db, coll := splitNS(op.NS)
		return txn.Collection(db, coll).Insert(ctx, op.Row)
	case oplog.OpUpdate:
		db, coll := splitNS(op.NS)
		return txn.Collection(db, coll).Upsert(ctx, filterFromPK(op.PK), op.Post)
	case oplog.OpDelete, oplog.OpCappedDelete:
		db, coll := splitNS(op.NS)
		return txn.Collection(db, coll).DeleteOne(ctx, filterFromPK(op.PK))
	case oplog.OpCommand:
		if a.onCommand == nil {
			return nil
		}
		return a.onCommand(ctx, op.NS, op.Command)
	case oplog.OpComment:
		return nil
	default:
		return errors.Errorf("applier: unknown op kind %q", op.Op)
	}
}

func filterFromPK(pk interface{}) bson.D {
	return bson.D{{Key: "_id", Value: pk}}
}
