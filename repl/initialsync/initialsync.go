// Package initialsync implements cloning a fresh or far-behind
// node's data from a live sync source under a remote snapshot, then
// replaying the oplog gap that accumulated during the clone before handing
// off to the steady-state producer/applier pipeline.
package initialsync

import (
	"context"
	"time"

	"github.com/mongodb/mongo-tools/common/idx"
	"github.com/pkg/errors"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/oplog"
	"github.com/tessera-db/core/replset"
)

// CollectionRef names one collection the remote snapshot exposes, along
// with its index catalog. Catalog is carried through to IndexBuilder
// unexamined, the same way restore.go's applyOplog only ever threads an
// *idx.IndexCatalog along to oplog.NewOplogRestore without inspecting it.
type CollectionRef struct {
	DB      string
	Coll    string
	Catalog *idx.IndexCatalog
}

// DocCursor streams documents out of one remote collection's snapshot.
type DocCursor interface {
	Next(ctx context.Context) (interface{}, bool, error)
	Close()
}

// Source is the seam to a sync source's remote-snapshot clone surface and
// its oplog tail, the out-of-scope wire protocol's data-clone RPCs
type Source interface {
	// BeginGTID returns the source's current live GTID, anchoring the
	// start of the gap that must be replayed after cloning completes.
	BeginGTID(ctx context.Context, m *replset.Member) (gtid.GTID, error)
	ListCollections(ctx context.Context, m *replset.Member) ([]CollectionRef, error)
	ScanCollection(ctx context.Context, m *replset.Member, db, coll string) (DocCursor, error)
	TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (oplog.Cursor, error)
}

// EntryApplier applies one already-decoded oplog entry to the storage
// engine; repl/applier.Applier satisfies this.
type EntryApplier interface {
	ApplyEntryOnce(ctx context.Context, e oplog.Entry) error
}

// IndexBuilder is invoked once per cloned collection so the caller can
// recreate indexes the storage-engine seam itself does not expose
type IndexBuilder func(ctx context.Context, ref CollectionRef) error

const (
	maxAttempts   = 3
	retryBackoff  = 5 * time.Second
	batchLogEvery = 10000
)

// InitialSync drives one clone-and-catch-up run against a chosen source.
type InitialSync struct {
	eng     engine.Engine
	store   *oplog.Store
	gtidM   *gtid.Manager
	source  Source
	applier EntryApplier
	onIndex IndexBuilder
	log     *corelog.Event
}

func New(eng engine.Engine, store *oplog.Store, gtidM *gtid.Manager, source Source, applier EntryApplier, onIndex IndexBuilder, log *corelog.Event) *InitialSync {
	return &InitialSync{eng: eng, store: store, gtidM: gtidM, source: source, applier: applier, onIndex: onIndex, log: log}
}

// Run performs the full clone + gap-fill, retrying the whole attempt up to
// maxAttempts times with a fixed backoff; if every attempt fails it returns
// a wrapped error so the caller can fassert rather than leave the node in a half-cloned
// state.
func (s *InitialSync) Run(ctx context.Context, source *replset.Member) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.attempt(ctx, source); err != nil {
			lastErr = err
			if s.log != nil {
				s.log.Warn("initial sync attempt %d/%d against %s failed: %v", attempt, maxAttempts, source.Host, err)
			}
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "initial sync: exhausted %d attempts", maxAttempts)
}

func (s *InitialSync) attempt(ctx context.Context, source *replset.Member) error {
	beginGTID, err := s.source.BeginGTID(ctx, source)
	if err != nil {
		return errors.Wrap(err, "initial sync: read remote begin GTID")
	}

	if err := s.dropLocalData(ctx); err != nil {
		return errors.Wrap(err, "initial sync: drop local databases")
	}

	refs, err := s.source.ListCollections(ctx, source)
	if err != nil {
		return errors.Wrap(err, "initial sync: list remote collections")
	}
	for _, ref := range refs {
		if err := s.cloneCollection(ctx, source, ref); err != nil {
			return errors.Wrapf(err, "initial sync: clone %s.%s", ref.DB, ref.Coll)
		}
		if s.onIndex != nil {
			if err := s.onIndex(ctx, ref); err != nil {
				return errors.Wrapf(err, "initial sync: build indexes for %s.%s", ref.DB, ref.Coll)
			}
		}
	}

	endGTID, err := s.fillGap(ctx, source, beginGTID)
	if err != nil {
		return errors.Wrap(err, "initial sync: fill oplog gap")
	}

	s.gtidM.ResetAfterInitialSync(endGTID, 0, 0)
	if s.log != nil {
		s.log.Info("initial sync complete, frontier reset to %v", endGTID)
	}
	return nil
}

// dropLocalData drops every database except "local", which holds the
// replication metadata this core itself owns.
func (s *InitialSync) dropLocalData(ctx context.Context) error {
	dbs, err := s.eng.ListDatabases(ctx)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if db == "local" {
			continue
		}
		if err := s.eng.DropDatabase(ctx, db); err != nil {
			return errors.Wrapf(err, "drop %s", db)
		}
	}
	return nil
}

func (s *InitialSync) cloneCollection(ctx context.Context, source *replset.Member, ref CollectionRef) error {
	cur, err := s.source.ScanCollection(ctx, source, ref.DB, ref.Coll)
	if err != nil {
		return errors.Wrap(err, "open remote scan")
	}
	defer cur.Close()

	n := 0
	for {
		doc, ok, err := cur.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "scan next")
		}
		if !ok {
			break
		}
		if err := s.insertCloned(ctx, ref.DB, ref.Coll, doc); err != nil {
			return err
		}
		n++
		if s.log != nil && n%batchLogEvery == 0 {
			s.log.Debug("cloned %d documents from %s.%s", n, ref.DB, ref.Coll)
		}
	}
	return nil
}

func (s *InitialSync) insertCloned(ctx context.Context, db, coll string, doc interface{}) error {
	txn, err := s.eng.BeginTxn(ctx, engine.TxnOptions{NoSync: true})
	if err != nil {
		return err
	}
	if err := txn.Collection(db, coll).Insert(ctx, doc); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// fillGap tails the source's oplog from beginGTID, applying and persisting
// each entry until the cursor reports it has caught up to the source's
// current end ("apply-missing-ops scan").
// A live tailing cursor never truly "ends"; initial sync treats a short
// run of consecutive nil reads as having caught up, since by that point the
// node is about to hand off to the steady-state producer anyway.
func (s *InitialSync) fillGap(ctx context.Context, source *replset.Member, beginGTID gtid.GTID) (gtid.GTID, error) {
	cur, err := s.source.TailFrom(ctx, source, beginGTID)
	if err != nil {
		return gtid.GTID{}, errors.Wrap(err, "open gap-fill cursor")
	}
	defer cur.Close()

	const idleRoundsToStop = 3
	last := beginGTID
	idle := 0
	for idle < idleRoundsToStop {
		e, err := cur.Next(ctx)
		if err != nil {
			return gtid.GTID{}, err
		}
		if e == nil {
			idle++
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return gtid.GTID{}, ctx.Err()
			}
			continue
		}
		idle = 0

		if err := s.persistGapEntry(ctx, *e); err != nil {
			return gtid.GTID{}, err
		}
		if err := s.applier.ApplyEntryOnce(ctx, *e); err != nil {
			return gtid.GTID{}, errors.Wrapf(err, "apply gap entry %v", e.ID)
		}
		last = e.ID
	}
	return last, nil
}

func (s *InitialSync) persistGapEntry(ctx context.Context, e oplog.Entry) error {
	e.Applied = true
	txn, err := s.eng.BeginTxn(ctx, engine.TxnOptions{NoSync: true})
	if err != nil {
		return err
	}
	if err := s.store.Append(ctx, txn, e); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}
