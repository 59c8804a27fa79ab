// Package ghostsync implements the chained-replication relay: in a
// chain like S1 -> S2 -> S3 -> P, S2 never talks to P directly, so it
// relays its own downstream slaves' applied-GTID progress upstream through
// whichever node it is itself syncing from. This lets a primary compute
// write-concern acknowledgement counts correctly even across chains it
// cannot see directly.
package ghostsync

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/corelog"
)

// Upstream is the seam to whichever node this relay is itself syncing
// from; Percolate tells it "my downstream slave X has applied through g"
type Upstream interface {
	Percolate(ctx context.Context, rid primitive.ObjectID, lastGTID gtid.GTID) error
}

// Dialer (re)establishes the relay's connection to its current sync
// source; after the active Upstream fails it is called again on the next
// percolation. The relay tracks a doubling backoff value for failed dials
// but never waits on it, so a failed dial is retried without delay.
type Dialer func(ctx context.Context) (Upstream, error)

type ghostSlave struct {
	memberID int
	lastGTID gtid.GTID
	init     bool
}

const (
	maxCacheSize  = 10000
	reconnectBase = 200 * time.Millisecond
	reconnectMax  = 10 * time.Second
)

// Relay tracks every downstream slave's reported progress and percolates
// it upstream; a new Relay is created whenever this node's own sync source
// changes.
type Relay struct {
	dial Dialer
	log  *corelog.Event

	mu    sync.Mutex
	cache map[primitive.ObjectID]*ghostSlave

	connMu  sync.Mutex
	conn    Upstream
	backoff time.Duration
}

func New(dial Dialer, log *corelog.Event) *Relay {
	return &Relay{dial: dial, log: log, cache: make(map[primitive.ObjectID]*ghostSlave), backoff: reconnectBase}
}

// ClearCache drops every tracked slave, called whenever this node's own
// sync source changes since the old upstream no longer cares about these
// rids.
func (r *Relay) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[primitive.ObjectID]*ghostSlave)
}

// AssociateSlave records a downstream slave's identity at handshake time,
// before it has reported any progress.
func (r *Relay) AssociateSlave(rid primitive.ObjectID, memberID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[rid]; !ok {
		if len(r.cache) >= maxCacheSize {
			return
		}
		r.cache[rid] = &ghostSlave{}
	}
	r.cache[rid].memberID = memberID
}

// UpdateSlave records a downstream slave's latest applied GTID and, if it
// advanced, percolates it upstream in the background. Percolation is
// best-effort: a failure here never blocks or fails replication, it only
// means write-concern accounting upstream may be briefly stale.
func (r *Relay) UpdateSlave(rid primitive.ObjectID, lastGTID gtid.GTID) {
	r.mu.Lock()
	slave, ok := r.cache[rid]
	if !ok {
		r.mu.Unlock()
		return
	}
	if slave.init && !slave.lastGTID.Less(lastGTID) {
		r.mu.Unlock()
		return
	}
	slave.lastGTID = lastGTID
	slave.init = true
	r.mu.Unlock()

	go r.percolate(rid, lastGTID)
}

// percolate sends one ghost query upstream, dialing a new connection if the
// current one has failed; no delay is applied between dials. Errors are logged, never
// returned: a ghost-sync failure is never fatal to replication.
func (r *Relay) percolate(rid primitive.ObjectID, lastGTID gtid.GTID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := r.connection(ctx)
	if err != nil {
		if r.log != nil {
			r.log.Warn("ghost sync: no upstream connection available: %v", err)
		}
		return
	}

	if err := conn.Percolate(ctx, rid, lastGTID); err != nil {
		if r.log != nil {
			r.log.Warn("ghost sync: percolate to upstream failed: %v", err)
		}
		r.invalidateConnection()
	}
}

func (r *Relay) connection(ctx context.Context) (Upstream, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := r.dial(ctx)
	if err != nil {
		r.backoff = nextBackoff(r.backoff)
		return nil, err
	}
	r.conn = conn
	r.backoff = reconnectBase
	return conn, nil
}

func (r *Relay) invalidateConnection() {
	r.connMu.Lock()
	r.conn = nil
	r.connMu.Unlock()
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectMax {
		next = reconnectMax
	}
	return next
}
