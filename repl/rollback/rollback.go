// Package rollback implements the divergence-recovery path: when a node discovers its
// oplog has diverged from its sync source's, it must undo the operations
// that never made it to a majority, resynchronize the touched documents
// against the sync source's current state, and replay forward from the
// common point.
package rollback

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
	"github.com/tessera-db/core/replset"
)

// Phase is one step of the persisted rollback state machine: a crash between phases must resume rather than restart blind.
type Phase string

const (
	NotStarted     Phase = "not_started"
	Starting       Phase = "starting"
	DocsRemoved    Phase = "docs_removed"
	SnapshotApplied Phase = "snapshot_applied"
	Done           Phase = "done"
)

// abortWindow bounds how far back in wall-clock time a divergence point
// may lie before rollback refuses to proceed and instead surfaces a fatal
// condition.
const abortWindow = 30 * time.Minute

// gateRetryInterval is how long the Gate step waits before re-polling the
// remote's minUnapplied when it has not yet caught up to our rollback point.
const gateRetryInterval = 2 * time.Second

// ErrRollbackFatalOp is wrapped in a corefail.FatalError when rollback
// needs to undo a command sub-op: a replicated createIndex/drop has no
// well-defined inverse, so rollback cannot proceed past it.
var ErrRollbackFatalOp = errors.New("rollback: cannot undo a command op")

// ErrTooMuchToRollBack is returned when the divergence point is further
// back than abortWindow; the caller must fassert rather than silently
// discard that much committed-looking history.
var ErrTooMuchToRollBack = errors.New("rollback: divergence point exceeds abort window")

// stateDoc is the singleton persisted into local.rollbackState, the same
// pattern replset.VoteStore uses for local.voteInfo.
type stateDoc struct {
	ID      string `bson:"_id"`
	Phase   Phase  `bson:"phase"`
	RBID    int64  `bson:"rbid"`
	PointTS int64  `bson:"pointTs"`
}

// RemoteEntryFetcher lets the rollback walk the sync source's oplog
// backward to find the common point.
type RemoteEntryFetcher interface {
	FetchByGTID(ctx context.Context, m *replset.Member, g gtid.GTID) (*oplog.Entry, error)
}

// RemoteDocFetcher retrieves a sync source's current copy of a document,
// used to resynchronize anything rollback had to undo locally.
type RemoteDocFetcher interface {
	FetchDoc(ctx context.Context, m *replset.Member, ns string, pk interface{}) (doc interface{}, found bool, err error)
}

// TailSource lets rollback replay forward from the common point, the same
// seam repl/producer and repl/initialsync use.
type TailSource interface {
	TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (oplog.Cursor, error)
}

// EntryApplier applies one decoded oplog entry; repl/applier.Applier
// satisfies this.
type EntryApplier interface {
	ApplyEntryOnce(ctx context.Context, e oplog.Entry) error
}

// RemoteFrontier lets rollback consult the sync source's own apply
// frontier: the Gate step (§4.8 step 3) requires it be caught up to our
// rollback point before we start undoing local history, and the remote
// snapshot step (§4.8 step 8) needs the set of GTIDs the remote had
// actually marked applied at snapshot time, so forward replication doesn't
// apply operations the remote itself hadn't committed to.
type RemoteFrontier interface {
	// MinUnapplied returns the remote's current minUnapplied GTID.
	MinUnapplied(ctx context.Context, m *replset.Member) (gtid.GTID, error)
	// Snapshot opens a remote MVCC transaction and returns its last oplog
	// GTID/hash plus the set of GTIDs at-or-after minUnapplied the remote
	// had marked applied as of that transaction.
	Snapshot(ctx context.Context, m *replset.Member, minUnapplied gtid.GTID) (lastGTID gtid.GTID, lastHash int64, appliedSet map[gtid.GTID]bool, err error)
}

// Source bundles every remote seam rollback needs.
type Source interface {
	RemoteEntryFetcher
	RemoteDocFetcher
	TailSource
	RemoteFrontier
}

// Rollback drives one rollback attempt to completion (or a fatal abort).
type Rollback struct {
	eng     engine.Engine
	store   *oplog.Store
	gtidM   *gtid.Manager
	source  Source
	applier EntryApplier
	log     *corelog.Event
}

func New(eng engine.Engine, store *oplog.Store, gtidM *gtid.Manager, source Source, applier EntryApplier, log *corelog.Event) *Rollback {
	return &Rollback{eng: eng, store: store, gtidM: gtidM, source: source, applier: applier, log: log}
}

func (r *Rollback) loadState(ctx context.Context) (stateDoc, error) {
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return stateDoc{}, err
	}
	defer txn.Abort(ctx)
	var d stateDoc
	if err := txn.Collection("local", "rollbackState").FindOne(ctx, bson.D{{Key: "_id", Value: "current"}}, &d); err != nil {
		return stateDoc{ID: "current", Phase: NotStarted}, nil
	}
	return d, nil
}

func (r *Rollback) saveState(ctx context.Context, d stateDoc) error {
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return err
	}
	if err := txn.Collection("local", "rollbackState").Upsert(ctx, bson.D{{Key: "_id", Value: "current"}}, d); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// Run performs settle, find-point, undo, resync and forward-replay, in
// that order, persisting phase transitions so a restart resumes instead of
// repeating destructive work.
func (r *Rollback) Run(ctx context.Context, source *replset.Member) error {
	st, err := r.loadState(ctx)
	if err != nil {
		return errors.Wrap(err, "rollback: load state")
	}

	// STARTING is unrecoverable if crashed here: this call only ever sets
	// the phase to Starting itself below and carries on to DocsRemoved in
	// the same call, so seeing it already persisted means a previous
	// attempt died mid rollback of local history with no docs-map to
	// resume from.
	if st.Phase == Starting {
		return corefail.New(corefail.ExitRollbackUnrecoverable,
			errors.Errorf("rollback: found persisted STARTING phase (rbid=%d) from a previous crashed attempt", st.RBID))
	}

	if err := r.settle(ctx); err != nil {
		return errors.Wrap(err, "rollback: settle")
	}

	point, err := r.findRollbackPoint(ctx, source)
	if err != nil {
		return errors.Wrap(err, "rollback: find common point")
	}

	if err := r.gate(ctx, source, point); err != nil {
		return errors.Wrap(err, "rollback: gate on remote minUnapplied")
	}

	if st.Phase == NotStarted {
		st.Phase = Starting
		st.RBID++
		if err := r.saveState(ctx, st); err != nil {
			return errors.Wrap(err, "rollback: persist starting phase")
		}
	}

	if st.Phase == Starting {
		docs, err := r.undoLocal(ctx, point)
		if err != nil {
			return errors.Wrap(err, "rollback: undo local entries")
		}
		if err := r.resyncDocs(ctx, source, docs); err != nil {
			return errors.Wrap(err, "rollback: resync documents against source")
		}
		st.Phase = DocsRemoved
		st.PointTS = point.TS
		if err := r.saveState(ctx, st); err != nil {
			return errors.Wrap(err, "rollback: persist docs_removed phase")
		}
	}

	r.gtidM.ResetToRollbackPoint(point.ID, point.TS, point.Hash)

	if err := r.replayForward(ctx, source, point.ID); err != nil {
		return errors.Wrap(err, "rollback: replay forward")
	}

	st.Phase = Done
	if err := r.saveState(ctx, st); err != nil {
		return errors.Wrap(err, "rollback: persist done phase")
	}
	if r.log != nil {
		r.log.Info("rollback %d complete, common point %v", st.RBID, point.ID)
	}

	// reset for the next rollback, if one is ever needed.
	return r.saveState(ctx, stateDoc{ID: "current", Phase: NotStarted, RBID: st.RBID})
}

// settle drains in-flight work and forcibly unwinds any live user
// transaction before rollback touches data directly.
func (r *Rollback) settle(ctx context.Context) error {
	return r.eng.AbortAllLiveTxns(ctx)
}

// findRollbackPoint walks the local oplog backward, asking the source to
// confirm each entry, until it finds one the source agrees on -- or hits
// the abort window.
func (r *Rollback) findRollbackPoint(ctx context.Context, source *replset.Member) (*oplog.Entry, error) {
	last := r.store.GetLastEntry()
	if last == nil {
		return nil, errors.New("rollback: local oplog is empty")
	}

	cutoff := time.Now().Add(-abortWindow).UnixMilli()
	rc := r.store.ReverseCursorFromGTID(last.ID)
	defer rc.Close()

	for {
		e, err := rc.Prev(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, errors.New("rollback: exhausted local oplog without finding a common point")
		}
		if e.TS < cutoff {
			return nil, ErrTooMuchToRollBack
		}
		remote, err := r.source.FetchByGTID(ctx, source, e.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch remote entry at %v", e.ID)
		}
		if remote != nil && remote.Hash == e.Hash {
			return e, nil
		}
	}
}

// gate blocks until the remote's own minUnapplied has caught up to point,
// retrying rather than proceeding early: undoing local history ahead of
// what the remote has itself durably unapplied-or-later would let rollback
// race a remote that hasn't finished persisting the entries we're about to
// ask it to confirm.
func (r *Rollback) gate(ctx context.Context, source *replset.Member, point *oplog.Entry) error {
	for {
		minUnapplied, err := r.source.MinUnapplied(ctx, source)
		if err != nil {
			return errors.Wrap(err, "query remote minUnapplied")
		}
		if !minUnapplied.Less(point.ID) {
			return nil
		}
		if r.log != nil {
			r.log.Warn("gate: remote minUnapplied %v behind rollback point %v, retrying", minUnapplied, point.ID)
		}
		select {
		case <-time.After(gateRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// undoLocal drops every locally-recorded entry after point and returns the
// set of (ns, pk) pairs those entries touched, so they can be
// resynchronized against the source next.
func (r *Rollback) undoLocal(ctx context.Context, point *oplog.Entry) ([]touchedDoc, error) {
	var touched []touchedDoc
	last := r.store.GetLastEntry()
	if last == nil {
		return nil, nil
	}
	rc := r.store.ReverseCursorFromGTID(last.ID)
	defer rc.Close()

	for {
		e, err := rc.Prev(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil || !point.ID.Less(e.ID) {
			break
		}
		for _, op := range e.Ops {
			if op.NS == "" {
				continue
			}
			touched = append(touched, touchedDoc{NS: op.NS, PK: op.PK})
			if err := r.undoOp(ctx, op); err != nil {
				return nil, err
			}
		}
	}
	return touched, nil
}

type touchedDoc struct {
	NS string
	PK interface{}
}

func splitNS(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}

// undoOp reverses one sub-operation using its recorded before-image; a
// failure partway through leaves the range at a single-op granularity
// rather than needing to unwind a whole critical section.
func (r *Rollback) undoOp(ctx context.Context, op oplog.SubOp) error {
	db, coll := splitNS(op.NS)
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return err
	}
	c := txn.Collection(db, coll)

	var undoErr error
	switch op.Op {
	case oplog.OpInsert, oplog.OpCappedInsert:
		undoErr = c.DeleteOne(ctx, bson.D{{Key: "_id", Value: op.PK}})
	case oplog.OpUpdate:
		if op.Pre != nil {
			undoErr = c.Upsert(ctx, bson.D{{Key: "_id", Value: op.PK}}, op.Pre)
		}
	case oplog.OpDelete, oplog.OpCappedDelete:
		if op.Pre != nil {
			undoErr = c.Insert(ctx, op.Pre)
		}
	case oplog.OpCommand:
		_ = txn.Abort(ctx)
		return corefail.New(corefail.ExitRollbackFatalOp, errors.Wrapf(ErrRollbackFatalOp, "ns=%s cmd=%v", op.NS, op.Command))
	default:
		// comments never touch user data.
	}
	if undoErr != nil {
		_ = txn.Abort(ctx)
		return undoErr
	}
	return txn.Commit(ctx)
}

// resyncDocs fetches each touched document's current value from source and
// overwrites (or removes) the local copy to match
// ("remote snapshot phase").
func (r *Rollback) resyncDocs(ctx context.Context, source *replset.Member, touched []touchedDoc) error {
	for _, td := range touched {
		db, coll := splitNS(td.NS)
		doc, found, err := r.source.FetchDoc(ctx, source, td.NS, td.PK)
		if err != nil {
			return errors.Wrapf(err, "fetch current doc for %s", td.NS)
		}
		txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{})
		if err != nil {
			return err
		}
		c := txn.Collection(db, coll)
		if found {
			err = c.Upsert(ctx, bson.D{{Key: "_id", Value: td.PK}}, doc)
		} else {
			err = c.DeleteOne(ctx, bson.D{{Key: "_id", Value: td.PK}})
		}
		if err != nil {
			_ = txn.Abort(ctx)
			return err
		}
		if err := txn.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayForward implements steps 8-11: open a remote snapshot to learn the
// applied-GTID set, replicate forward from the rollback point to the
// snapshot boundary applying only entries the remote itself had marked
// applied, apply whatever in our own oplog is still unapplied as of the
// snapshot's minUnapplied, then replicate past the snapshot boundary
// unconditionally -- the remote could have dropped a collection mid-
// snapshot whose rows our docs-map still references, so that tail must
// always be applied regardless of the snapshot-time applied set.
func (r *Rollback) replayForward(ctx context.Context, source *replset.Member, from gtid.GTID) error {
	snapMinUnapplied, err := r.source.MinUnapplied(ctx, source)
	if err != nil {
		return errors.Wrap(err, "read remote minUnapplied before snapshot")
	}
	snapLastGTID, _, appliedSet, err := r.source.Snapshot(ctx, source, snapMinUnapplied)
	if err != nil {
		return errors.Wrap(err, "open remote snapshot")
	}

	if err := r.replicateRange(ctx, source, from, snapLastGTID, appliedSet); err != nil {
		return errors.Wrap(err, "replicate forward pre-snapshot")
	}

	if err := r.applyMissingSince(ctx, snapMinUnapplied); err != nil {
		return errors.Wrap(err, "apply missing ops since snapshot")
	}

	if err := r.replicateRange(ctx, source, snapLastGTID, gtid.Initial, nil); err != nil {
		return errors.Wrap(err, "replicate forward post-snapshot")
	}
	return nil
}

// replicateRange tails the remote oplog from from, persisting every entry
// locally. If until is non-zero, replication stops once an entry reaches
// until (inclusive) rather than running until the cursor goes idle. A
// non-nil appliedSet gates whether an entry is actually applied (and its
// persisted Applied bit) on membership in the set; a nil appliedSet means
// apply every entry unconditionally.
func (r *Rollback) replicateRange(ctx context.Context, source *replset.Member, from, until gtid.GTID, appliedSet map[gtid.GTID]bool) error {
	cur, err := r.source.TailFrom(ctx, source, from)
	if err != nil {
		return err
	}
	defer cur.Close()

	const idleRoundsToStop = 3
	idle := 0
	for idle < idleRoundsToStop {
		e, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if e == nil {
			idle++
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		idle = 0

		apply := appliedSet == nil || appliedSet[e.ID]
		if err := r.persistForwardEntry(ctx, e, apply); err != nil {
			return err
		}
		if apply {
			if err := r.applier.ApplyEntryOnce(ctx, *e); err != nil {
				return errors.Wrapf(err, "apply forward entry %v", e.ID)
			}
		}

		if !until.IsInitial() && !e.ID.Less(until) {
			return nil
		}
	}
	return nil
}

func (r *Rollback) persistForwardEntry(ctx context.Context, e *oplog.Entry, applied bool) error {
	e.Applied = applied
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{NoSync: true})
	if err != nil {
		return err
	}
	if err := r.store.Append(ctx, txn, *e); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	r.gtidM.NoteGTIDAdded(e.ID, e.TS, e.Hash)
	return nil
}

// applyMissingSince scans the local oplog from from forward and applies
// any entry still marked unapplied -- step 10, using the snapshot's own
// recorded minUnapplied as the scan's start.
func (r *Rollback) applyMissingSince(ctx context.Context, from gtid.GTID) error {
	cur := r.store.TailFromGTID(from)
	defer cur.Close()
	for {
		e, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.Applied {
			continue
		}
		if err := r.applier.ApplyEntryOnce(ctx, *e); err != nil {
			return errors.Wrapf(err, "apply missing entry %v", e.ID)
		}
		if err := r.store.MarkApplied(e.ID); err != nil {
			return errors.Wrapf(err, "mark %v applied", e.ID)
		}
	}
}
