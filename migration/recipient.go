package migration

import (
	"context"
	"sync"
	"time"

	"github.com/mongodb/mongo-tools/common/idx"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/internal/corelog"
)

// RecipientState is the chunk-recipient state machine.
type RecipientState string

const (
	RecipientReady       RecipientState = "ready"
	RecipientClone       RecipientState = "clone"
	RecipientCatchup     RecipientState = "catchup"
	RecipientSteady      RecipientState = "steady"
	RecipientCommitStart RecipientState = "commit_start"
	RecipientDone        RecipientState = "done"
	RecipientFail        RecipientState = "fail"
	RecipientAbort       RecipientState = "abort"
)

// abortTimeout bounds how long a migration may sit without progress before
// the recipient gives up.
const abortTimeout = 300 * time.Second

// DonorSource is the recipient's pull-side view of the donor during clone
// and catch-up.
type DonorSource interface {
	MigrateClone(ctx context.Context, r ChunkRange) ([]bson.D, bool, error)
	TransferMods(ctx context.Context, r ChunkRange) ([]ModOp, bool, error)
}

// ModOp is one side-logged write the recipient must apply during catch-up.
type ModOp struct {
	PK  interface{}
	Doc interface{} // nil means deleted
}

// MajorityWaiter lets the recipient wait for the cloned+caught-up range to
// be majority-durable before reporting steady state.
type MajorityWaiter interface {
	WaitForMajority(ctx context.Context) error
}

// DonorDialer opens the recipient's pull-side connection back to the
// donor named by fromShard; the out-of-scope wire protocol resolves the
// shard name to an address.
type DonorDialer func(fromShard string) DonorSource

// IndexBuilder is invoked once the incoming range has finished cloning, so
// the caller can recreate the donor's indexes for ns against catalog before
// the recipient reports steady state. catalog is carried through unexamined,
// the same opaque-pointer pattern restore.go uses when it threads an
// *idx.IndexCatalog into oplog.NewOplogRestore without calling into it.
type IndexBuilder func(ctx context.Context, ns string, catalog *idx.IndexCatalog) error

// Recipient drives one incoming chunk migration.
type Recipient struct {
	eng      engine.Engine
	dial     DonorDialer
	majority MajorityWaiter
	onIndex  IndexBuilder
	log      *corelog.Event

	mu         sync.Mutex
	state      RecipientState
	rng        ChunkRange
	fromShard  string
	catalog    *idx.IndexCatalog
	lastActive time.Time
}

func NewRecipient(eng engine.Engine, dial DonorDialer, majority MajorityWaiter, onIndex IndexBuilder, log *corelog.Event) *Recipient {
	return &Recipient{eng: eng, dial: dial, majority: majority, onIndex: onIndex, log: log, state: RecipientReady}
}

func (r *Recipient) State() RecipientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recipient) setState(s RecipientState) {
	r.mu.Lock()
	r.state = s
	r.lastActive = time.Now()
	r.mu.Unlock()
	if r.log != nil {
		r.log.Info("recipient state -> %s", s)
	}
}

// RecvChunkStart is the `_recvChunkStart` entry point: it validates the
// recipient is idle, records the incoming range, and purges any stale
// local copy before starting the clone loop in the background.
func (r *Recipient) RecvChunkStart(ctx context.Context, rng ChunkRange, fromShard string, catalog *idx.IndexCatalog) error {
	r.mu.Lock()
	if r.state != RecipientReady && r.state != RecipientDone && r.state != RecipientFail && r.state != RecipientAbort {
		r.mu.Unlock()
		return errors.Errorf("migration: recipient busy in state %s", r.state)
	}
	r.rng = rng
	r.fromShard = fromShard
	r.catalog = catalog
	r.mu.Unlock()

	if err := r.purgeFromMigrate(ctx, rng); err != nil {
		return errors.Wrap(err, "migration: purge stale range before clone")
	}

	donor := r.dial(fromShard)
	r.setState(RecipientClone)
	go r.run(ctx, donor, r.majority)
	return nil
}

// purgeFromMigrate deletes any pre-existing documents in the incoming
// range with a plain DeleteMany. The deletion is not tagged as
// migration-driven and writes no oplog entry of its own.
func (r *Recipient) purgeFromMigrate(ctx context.Context, rng ChunkRange) error {
	db, coll := splitNS(rng.NS)
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return err
	}
	if _, err := txn.Collection(db, coll).DeleteMany(ctx, rangeFilter(rng)); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// run is the recipient's own state-machine loop: clone, then catch-up
// polling, then steady, waiting for the donor's commit-start signal.
func (r *Recipient) run(ctx context.Context, donor DonorSource, majority MajorityWaiter) {
	if err := r.cloneLoop(ctx, donor); err != nil {
		r.fail(err)
		return
	}
	if r.onIndex != nil {
		r.mu.Lock()
		ns, catalog := r.rng.NS, r.catalog
		r.mu.Unlock()
		if err := r.onIndex(ctx, ns, catalog); err != nil {
			r.fail(errors.Wrap(err, "build indexes for cloned range"))
			return
		}
	}
	if err := r.catchupLoop(ctx, donor); err != nil {
		r.fail(err)
		return
	}
	if majority != nil {
		if err := majority.WaitForMajority(ctx); err != nil {
			r.fail(err)
			return
		}
	}
	r.setState(RecipientSteady)
}

func (r *Recipient) fail(err error) {
	r.setState(RecipientFail)
	if r.log != nil {
		r.log.Error("recipient migration failed: %v", err)
	}
}

func (r *Recipient) cloneLoop(ctx context.Context, donor DonorSource) error {
	db, coll := splitNS(r.rng.NS)
	for {
		if err := r.checkTimeout(); err != nil {
			return err
		}
		batch, done, err := donor.MigrateClone(ctx, r.rng)
		if err != nil {
			return errors.Wrap(err, "clone batch")
		}
		if len(batch) > 0 {
			if err := r.insertBatch(ctx, db, coll, batch); err != nil {
				return err
			}
			r.touch()
		}
		if done {
			return nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Recipient) catchupLoop(ctx context.Context, donor DonorSource) error {
	r.setState(RecipientCatchup)
	db, coll := splitNS(r.rng.NS)
	const convergedRounds = 2
	converged := 0
	for converged < convergedRounds {
		if err := r.checkTimeout(); err != nil {
			return err
		}
		mods, done, err := donor.TransferMods(ctx, r.rng)
		if err != nil {
			return errors.Wrap(err, "transfer mods")
		}
		if len(mods) == 0 {
			converged++
		} else {
			converged = 0
			if err := r.applyMods(ctx, db, coll, mods); err != nil {
				return err
			}
			r.touch()
		}
		if done {
			return nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Recipient) insertBatch(ctx context.Context, db, coll string, docs []bson.D) error {
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{NoSync: true})
	if err != nil {
		return err
	}
	c := txn.Collection(db, coll)
	for _, d := range docs {
		if err := c.Insert(ctx, d); err != nil {
			_ = txn.Abort(ctx)
			return errors.Wrap(err, "insert cloned document")
		}
	}
	return txn.Commit(ctx)
}

func (r *Recipient) applyMods(ctx context.Context, db, coll string, mods []ModOp) error {
	txn, err := r.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return err
	}
	c := txn.Collection(db, coll)
	for _, m := range mods {
		var opErr error
		if m.Doc == nil {
			opErr = c.DeleteOne(ctx, bson.D{{Key: "_id", Value: m.PK}})
		} else {
			opErr = c.Upsert(ctx, bson.D{{Key: "_id", Value: m.PK}}, m.Doc)
		}
		if opErr != nil {
			_ = txn.Abort(ctx)
			return opErr
		}
	}
	return txn.Commit(ctx)
}

func (r *Recipient) touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

func (r *Recipient) checkTimeout() error {
	r.mu.Lock()
	last := r.lastActive
	r.mu.Unlock()
	if time.Since(last) > abortTimeout {
		return errors.New("migration: recipient timed out waiting for donor progress")
	}
	return nil
}

// RecvChunkStatus is the `_recvChunkStatus` entry point.
func (r *Recipient) RecvChunkStatus(ctx context.Context) (RecipientState, error) {
	return r.State(), nil
}

// RecvChunkCommit is the `_recvChunkCommit` entry point, called by the
// donor only after its CAS against the config registry has already
// succeeded; the recipient simply finalizes local bookkeeping.
func (r *Recipient) RecvChunkCommit(ctx context.Context) error {
	r.mu.Lock()
	if r.state != RecipientSteady {
		r.mu.Unlock()
		return errors.Errorf("migration: commit requested in unexpected state %s", r.state)
	}
	r.mu.Unlock()
	r.setState(RecipientCommitStart)
	r.setState(RecipientDone)
	return nil
}

// RecvChunkAbort is the `_recvChunkAbort` entry point: discard whatever
// was cloned and return to ready.
func (r *Recipient) RecvChunkAbort(ctx context.Context, reason string) error {
	rng := r.rng
	r.setState(RecipientAbort)
	if err := r.purgeFromMigrate(ctx, rng); err != nil && r.log != nil {
		r.log.Warn("abort cleanup of %s failed: %v", rng.NS, err)
	}
	r.setState(RecipientReady)
	return nil
}
