// Package producer implements background sync: it pulls
// remote oplog entries, writes them into the local oplog, detects the
// need for rollback, and feeds a bounded queue that the applier drains.
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/oplog"
	"github.com/tessera-db/core/replset"
)

// RemoteCursor iterates a remote member's oplog starting at some GTID.
type RemoteCursor interface {
	Next(ctx context.Context) (*oplog.Entry, error)
	Close()
}

// Source is the seam to a sync-source member's oplog, the out-of-scope
// wire protocol's replication surface.
type Source interface {
	TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (RemoteCursor, error)
}

// RollbackRunner performs rollback against the chosen sync source; producer
// only needs to know whether it succeeded.
type RollbackRunner interface {
	Run(ctx context.Context, source *replset.Member) error
}

// BigTxnMarker reports whether e is the synthetic marker
// calls out: when seen the queue must be fully drained before any further
// entry is enqueued.
func BigTxnMarker(e oplog.Entry) bool {
	return len(e.Ops) == 1 && e.Ops[0].Op == oplog.OpCommand && e.Ops[0].Command == "bigTxnBoundary"
}

type runState int

const (
	stateStopped runState = iota
	stateRunning
)

// Producer is the single background-sync task for this node.
type Producer struct {
	rs       *replset.ReplSet
	store    *oplog.Store
	gtidM    *gtid.Manager
	eng      engine.Engine
	source   Source
	rollback RollbackRunner
	log      *corelog.Event

	lagWindow    time.Duration
	highWater    int
	lowWater     int
	queue        chan oplog.Entry
	signalDrain  chan struct{}

	mu      sync.Mutex
	state   runState
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Producer. queue is created with capacity highWater so
// the channel itself enforces an upper bound; the low/high watermark
// polling in run() decides when to pause enqueueing, matching the
// "block until it drains below the low-water mark" behavior more
// precisely than channel capacity alone would.
func New(rs *replset.ReplSet, store *oplog.Store, gtidM *gtid.Manager, eng engine.Engine,
	source Source, rollback RollbackRunner, lagWindow time.Duration, highWater, lowWater int,
	log *corelog.Event,
) *Producer {
	return &Producer{
		rs:          rs,
		store:       store,
		gtidM:       gtidM,
		eng:         eng,
		source:      source,
		rollback:    rollback,
		log:         log,
		lagWindow:   lagWindow,
		highWater:   highWater,
		lowWater:    lowWater,
		queue:       make(chan oplog.Entry, highWater),
		signalDrain: make(chan struct{}, 1),
		state:       stateStopped,
	}
}

// Queue is the channel the applier drains.
func (p *Producer) Queue() <-chan oplog.Entry { return p.queue }

// SignalDrain is called by the applier once the queue length drops back
// below the low-water mark, to unblock a producer waiting in enqueue().
func (p *Producer) SignalDrain() {
	select {
	case p.signalDrain <- struct{}{}:
	default:
	}
}

// Start launches the background-sync loop; it is idempotent.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state == stateRunning {
		p.mu.Unlock()
		return
	}
	p.state = stateRunning
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)
		p.run(ctx)
	}()
}

// Stop is cooperative: it signals the loop and blocks until the run loop
// returns.
func (p *Producer) Stop() {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return
	}
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.state = stateStopped
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (p *Producer) shouldExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Producer) run(ctx context.Context) {
	for !p.shouldExit() {
		if p.rs.SingleVotingMember() {
			// nothing to sync from; wait a second and
			// check again.
			p.sleepInterruptible(time.Second)
			continue
		}

		source := p.selectSyncSource()
		if source == nil {
			p.sleepInterruptible(time.Second)
			continue
		}

		if err := p.syncFrom(ctx, source); err != nil {
			if p.log != nil {
				p.log.Warn("sync round against %s ended: %v", source.Host, err)
			}
		}
	}
}

func (p *Producer) sleepInterruptible(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

// selectSyncSource picks among reachable members whose last-seen GTID
// exceeds ours and whose opTime is within the lag window, skipping
// slave-delayed/hidden members on the first pass and falling back on a
// second pass. Candidates are grouped by configured Priority so a
// higher-priority peer wins even if a lower-priority one currently has
// marginally better ping; ping latency only breaks ties within a
// priority group.
func (p *Producer) selectSyncSource() *replset.Member {
	myGTID := p.gtidM.GetLiveState().Live
	now := time.Now().UnixMilli()

	pick := func(allowDelayedOrHidden bool) *replset.Member {
		groups := replset.NewScoreGroups()
		for _, m := range p.rs.Peers() {
			hb := m.HB()
			if !m.Reachable(3 * p.lagWindow) {
				continue
			}
			if !allowDelayedOrHidden && (m.Hidden || m.SlaveDelay > 0) {
				continue
			}
			if !myGTID.Less(hb.LastGTID) {
				continue
			}
			lagMs := now - hb.LastOpTimeMS
			if time.Duration(lagMs)*time.Millisecond > p.lagWindow {
				continue
			}
			groups.Add(m, m.Priority)
		}
		return groups.Best(func(a, b *replset.Member) bool {
			return a.HB().PingLatency < b.HB().PingLatency
		})
	}

	if m := pick(false); m != nil {
		return m
	}
	return pick(true)
}

// syncFrom runs one sync-source session: opens a tailing cursor, and for
// each batch checks rollback-need then writes/enqueues entries.
func (p *Producer) syncFrom(ctx context.Context, source *replset.Member) error {
	from := p.gtidM.GetLiveState().Live
	cur, err := p.source.TailFrom(ctx, source, from)
	if err != nil {
		return errors.Wrap(err, "producer: open tailing cursor")
	}
	defer cur.Close()

	for !p.shouldExit() {
		if better := p.selectSyncSource(); better != nil && better.Host != source.Host {
			betterLag := better.HB().LastOpTimeMS
			sourceLag := source.HB().LastOpTimeMS
			if betterLag-sourceLag > p.lagWindow.Milliseconds() {
				// a meaningfully fresher member appeared; re-select.
				return nil
			}
		}

		entry, err := cur.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "producer: read remote entry")
		}
		if entry == nil {
			continue
		}

		if p.gtidM.RollbackNeeded(entry.ID, entry.TS, entry.Hash) {
			if p.rollback == nil {
				return errors.New("producer: rollback needed but no rollback runner configured")
			}
			return p.rollback.Run(ctx, source)
		}

		if err := p.persistAndEnqueue(ctx, *entry); err != nil {
			return err
		}

		p.honorSlaveDelay(entry.TS)
	}
	return nil
}

func (p *Producer) persistAndEnqueue(ctx context.Context, e oplog.Entry) error {
	e.Applied = false

	txn, err := p.eng.BeginTxn(ctx, engine.TxnOptions{NoSync: true})
	if err != nil {
		return errors.Wrap(err, "producer: begin txn")
	}
	if err := p.store.Append(ctx, txn, e); err != nil {
		_ = txn.Abort(ctx)
		return errors.Wrap(err, "producer: append")
	}
	if err := txn.Commit(ctx); err != nil {
		return errors.Wrap(err, "producer: commit")
	}

	p.gtidM.NoteGTIDAdded(e.ID, e.TS, e.Hash)

	p.enforceBackpressure(e)
	p.queue <- e
	return nil
}

// enforceBackpressure blocks while the queue is at/above highWater until
// it drains below lowWater, and fully drains before a big-transaction
// marker is enqueued.
func (p *Producer) enforceBackpressure(e oplog.Entry) {
	if BigTxnMarker(e) {
		for len(p.queue) > 0 {
			p.sleepInterruptible(50 * time.Millisecond)
		}
		return
	}
	if len(p.queue) < p.highWater {
		return
	}
	for len(p.queue) > p.lowWater {
		select {
		case <-p.signalDrain:
		case <-time.After(time.Second):
		case <-p.stopCh:
			return
		}
	}
}

// honorSlaveDelay sleeps until entryTS + configured delay is in the past,
// polling the stop flag every second.
func (p *Producer) honorSlaveDelay(entryTS int64) {
	self := p.rs.Self()
	if self.SlaveDelay <= 0 {
		return
	}
	target := time.UnixMilli(entryTS).Add(self.SlaveDelay)
	for time.Now().Before(target) {
		select {
		case <-time.After(time.Second):
		case <-p.stopCh:
			return
		}
	}
}
