// Package replinfo implements the two small periodic housekeeping tasks
// every node is assigned: durably publishing the GTID
// frontier so other members' heartbeats can read it, and rotating/expiring
// oplog partitions per the configured retention policy.
package replinfo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/oplog"
)

// writerInterval is how often the repl-info writer checks the frontier for
// changes.
const writerInterval = time.Second

// partitionInterval is how often the partition/TTL thread runs.
const partitionInterval = time.Minute

type replInfoDoc struct {
	ID        string    `bson:"_id"`
	MinLive   gtid.GTID `bson:"minLive"`
	MinUnappl gtid.GTID `bson:"minUnapplied"`
	UpdatedAt int64     `bson:"updatedAt"`
}

// Writer periodically upserts the local.replInfo singleton whenever the
// GTID manager's minLive/minUnapplied change, so heartbeats and admin
// commands always read a durable, if slightly stale, frontier.
type Writer struct {
	eng   engine.Engine
	gtidM *gtid.Manager
	log   *corelog.Event

	lastLive      gtid.GTID
	lastUnapplied gtid.GTID
}

func NewWriter(eng engine.Engine, gtidM *gtid.Manager, log *corelog.Event) *Writer {
	return &Writer{eng: eng, gtidM: gtidM, log: log}
}

// Run loops until ctx is canceled, writing the frontier only when it has
// moved since the last tick.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(writerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil && w.log != nil {
				w.log.Warn("repl-info writer tick failed: %v", err)
			}
		}
	}
}

func (w *Writer) tick(ctx context.Context) error {
	live, unapplied := w.gtidM.GetMins()
	if live == w.lastLive && unapplied == w.lastUnapplied {
		return nil
	}

	txn, err := w.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return errors.Wrap(err, "begin txn")
	}
	d := replInfoDoc{ID: "current", MinLive: live, MinUnappl: unapplied, UpdatedAt: time.Now().UnixMilli()}
	if err := txn.Collection("local", "replInfo").Upsert(ctx, bson.D{{Key: "_id", Value: "current"}}, d); err != nil {
		_ = txn.Abort(ctx)
		return errors.Wrap(err, "upsert replInfo")
	}
	if err := txn.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	w.lastLive = live
	w.lastUnapplied = unapplied
	return nil
}

// ArchiveFunc is invoked once per dropped partition, before it is
// discarded from memory, so the caller can ship it to cold storage
//. A nil ArchiveFunc means partitions are simply
// dropped.
type ArchiveFunc func(ctx context.Context, p *oplog.Partition) error

// Policy parameterizes the partition thread: how often to cut a new
// partition and how long to retain closed ones.
type Policy struct {
	PartitionEvery time.Duration
	ExpireAfter    time.Duration
}

// PartitionThread owns the oplog's AddPartition/TrimByTimestamp cadence.
// Reconfig can change the policy at any time; changeCh wakes the loop
// immediately instead of waiting out the current tick, mirroring a
// condition-variable signal without sharing a mutex with the caller.
type PartitionThread struct {
	store   *oplog.Store
	archive ArchiveFunc
	log     *corelog.Event

	mu           sync.Mutex
	policy       Policy
	lastCutAtMS  int64
	changeCh     chan struct{}
}

func NewPartitionThread(store *oplog.Store, policy Policy, archive ArchiveFunc, log *corelog.Event) *PartitionThread {
	return &PartitionThread{
		store:    store,
		archive:  archive,
		log:      log,
		policy:   policy,
		changeCh: make(chan struct{}, 1),
	}
}

// Reconfigure updates the policy and wakes the loop so a shortened
// interval takes effect immediately.
func (p *PartitionThread) Reconfigure(policy Policy) {
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
	select {
	case p.changeCh <- struct{}{}:
	default:
	}
}

func (p *PartitionThread) currentPolicy() Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Run loops until ctx is canceled, cutting a new partition every
// PartitionEvery and trimming partitions older than ExpireAfter every
// partitionInterval tick.
func (p *PartitionThread) Run(ctx context.Context) error {
	ticker := time.NewTicker(partitionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.changeCh:
			p.tick(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *PartitionThread) tick(ctx context.Context) {
	policy := p.currentPolicy()
	now := time.Now().UnixMilli()

	p.mu.Lock()
	due := policy.PartitionEvery > 0 && now-p.lastCutAtMS >= policy.PartitionEvery.Milliseconds()
	p.mu.Unlock()
	if due {
		p.store.AddPartition(now)
		p.mu.Lock()
		p.lastCutAtMS = now
		p.mu.Unlock()
	}

	if policy.ExpireAfter <= 0 {
		return
	}
	cutoff := now - policy.ExpireAfter.Milliseconds()
	dropped := p.store.TrimByTimestamp(cutoff)
	for _, part := range dropped {
		if p.archive != nil {
			if err := p.archive(ctx, part); err != nil && p.log != nil {
				p.log.Warn("archive of partition %d failed (dropping anyway): %v", part.ID, err)
			}
		}
	}
	if len(dropped) > 0 && p.log != nil {
		p.log.Info("dropped %d expired oplog partitions", len(dropped))
	}
}
