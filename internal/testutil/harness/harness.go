// Package harness wires a small cluster of in-process server.Context
// nodes together for tests: every out-of-scope wire-protocol seam
// (producer/initialsync/rollback's remote source, ghostsync's upstream
// dial) is satisfied by reaching directly into a peer node's
// oplog.Store/engine.Engine instead of a real network transport. It lets
// the replication and migration state machines run end-to-end against
// each other without a real storage engine or wire codec.
package harness

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/ghostsync"
	"github.com/tessera-db/core/gtid"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/oplog"
	"github.com/tessera-db/core/repl/initialsync"
	"github.com/tessera-db/core/repl/producer"
	"github.com/tessera-db/core/replset"
	"github.com/tessera-db/core/server"
)

// Node is one in-process cluster member.
type Node struct {
	ID  int
	Ctx *server.Context
}

// Cluster is a set of Nodes sharing one replica-set config, wired so each
// node's remote seams resolve directly to its peers' in-memory state.
type Cluster struct {
	mu    sync.RWMutex
	cfg   config.Config
	nodes map[int]*Node

	// Collections lists every namespace initial sync should clone; the
	// in-memory engine exposes no catalog/listCollections of its own, so
	// the harness is told up front what a real storage engine's catalog
	// would otherwise report.
	Collections []initialsync.CollectionRef
}

// New builds a Cluster from cfg (whose Members list determines topology)
// and returns one fully wired Node per configured member, each running
// its own memengine.Engine.
func New(cfg config.Config) (*Cluster, error) {
	c := &Cluster{cfg: cfg, nodes: make(map[int]*Node)}

	for _, mc := range cfg.Members {
		logger := corelog.New(nil, corelog.Info)
		eng := memengine.New()

		src := &replSource{cluster: c}
		seams := server.WireSeams{
			ProducerSource: &producerSource{cluster: c},
			InitialSource:  src,
			RollbackSource: src,
			GhostDialer:    c.ghostDialerFor(mc.ID),
			IndexBuilder:   func(ctx context.Context, ref initialsync.CollectionRef) error { return nil },
		}

		sc, err := server.New(cfg, eng, mc.ID, seams, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "harness: construct node %d", mc.ID)
		}
		c.nodes[mc.ID] = &Node{ID: mc.ID, Ctx: sc}
	}
	return c, nil
}

// Node returns the member with the given configured id, or nil.
func (c *Cluster) Node(id int) *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[id]
}

// Run starts every node's steady-state background loops, returning a
// function that cancels and waits for all of them to stop.
func (c *Cluster) Run(ctx context.Context) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			_ = n.Ctx.Run(runCtx)
		}(n)
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *Cluster) peer(id int) *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[id]
}

// ghostDialerFor returns a Dialer that percolates upward to whichever
// configured member has the next lower id, approximating "dial my current
// sync source" without needing to observe live sync-source selection; the
// lowest-id member (the root of the chain) gets no dialer at all.
func (c *Cluster) ghostDialerFor(id int) ghostsync.Dialer {
	var upstreamID int
	found := false
	c.mu.RLock()
	for _, mc := range c.cfg.Members {
		if mc.ID < id && (!found || mc.ID > upstreamID) {
			upstreamID = mc.ID
			found = true
		}
	}
	c.mu.RUnlock()
	if !found {
		return nil
	}
	return func(ctx context.Context) (ghostsync.Upstream, error) {
		up := c.peer(upstreamID)
		if up == nil || up.Ctx.GhostRelay == nil {
			return nil, errors.Errorf("harness: no ghost relay on upstream member %d", upstreamID)
		}
		return &upstreamAdapter{relay: up.Ctx.GhostRelay, downstreamID: id}, nil
	}
}

// upstreamAdapter adapts a peer's ghostsync.Relay into the Upstream this
// node's own relay percolates through; it associates the downstream
// member on first contact rather than requiring a separate heartbeat path.
type upstreamAdapter struct {
	relay        *ghostsync.Relay
	downstreamID int
}

func (u *upstreamAdapter) Percolate(ctx context.Context, rid primitive.ObjectID, lastGTID gtid.GTID) error {
	u.relay.AssociateSlave(rid, u.downstreamID)
	u.relay.UpdateSlave(rid, lastGTID)
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

// replSource implements rollback.Source and initialsync.Source by
// reaching into the named member's in-process Node.
type replSource struct {
	cluster *Cluster
}

func (s *replSource) node(m *replset.Member) (*Node, error) {
	n := s.cluster.peer(m.ID)
	if n == nil {
		return nil, errors.Errorf("harness: no such member %d", m.ID)
	}
	return n, nil
}

func (s *replSource) TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (oplog.Cursor, error) {
	n, err := s.node(m)
	if err != nil {
		return nil, err
	}
	return n.Ctx.OplogStore.TailFromGTID(from), nil
}

func (s *replSource) FetchByGTID(ctx context.Context, m *replset.Member, g gtid.GTID) (*oplog.Entry, error) {
	n, err := s.node(m)
	if err != nil {
		return nil, err
	}
	return n.Ctx.OplogStore.FindByGTID(g)
}

func (s *replSource) FetchDoc(ctx context.Context, m *replset.Member, ns string, pk interface{}) (interface{}, bool, error) {
	n, err := s.node(m)
	if err != nil {
		return nil, false, err
	}
	db, coll := splitNS(ns)
	snap, err := n.Ctx.Engine.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	defer snap.Close(ctx)

	var doc bson.M
	if err := snap.Collection(db, coll).FindOne(ctx, bson.D{{Key: "_id", Value: pk}}, &doc); err != nil {
		return nil, false, nil
	}
	return doc, true, nil
}

func (s *replSource) BeginGTID(ctx context.Context, m *replset.Member) (gtid.GTID, error) {
	n, err := s.node(m)
	if err != nil {
		return gtid.GTID{}, err
	}
	return n.Ctx.GTIDManager.GetLiveState().Live, nil
}

// MinUnapplied reports the peer's own GTID manager's unapplied frontier,
// standing in for the remote minUnapplied a real wire protocol would
// report.
func (s *replSource) MinUnapplied(ctx context.Context, m *replset.Member) (gtid.GTID, error) {
	n, err := s.node(m)
	if err != nil {
		return gtid.GTID{}, err
	}
	return n.Ctx.GTIDManager.GetLiveState().Unapplied, nil
}

// Snapshot approximates a remote MVCC snapshot read: the peer's last oplog
// entry stands in for the remote transaction's view, and the applied-GTID
// set is read directly off its in-memory oplog store rather than over a
// wire protocol.
func (s *replSource) Snapshot(ctx context.Context, m *replset.Member, minUnapplied gtid.GTID) (gtid.GTID, int64, map[gtid.GTID]bool, error) {
	n, err := s.node(m)
	if err != nil {
		return gtid.GTID{}, 0, nil, err
	}
	lastGTID, lastHash := minUnapplied, int64(0)
	if last := n.Ctx.OplogStore.GetLastEntry(); last != nil {
		lastGTID, lastHash = last.ID, last.Hash
	}

	applied := make(map[gtid.GTID]bool)
	cur := n.Ctx.OplogStore.TailFromGTID(minUnapplied)
	defer cur.Close()
	for {
		e, err := cur.Next(ctx)
		if err != nil {
			return gtid.GTID{}, 0, nil, err
		}
		if e == nil {
			break
		}
		if e.Applied {
			applied[e.ID] = true
		}
	}
	return lastGTID, lastHash, applied, nil
}

func (s *replSource) ListCollections(ctx context.Context, m *replset.Member) ([]initialsync.CollectionRef, error) {
	if _, err := s.node(m); err != nil {
		return nil, err
	}
	return s.cluster.Collections, nil
}

func (s *replSource) ScanCollection(ctx context.Context, m *replset.Member, db, coll string) (initialsync.DocCursor, error) {
	n, err := s.node(m)
	if err != nil {
		return nil, err
	}
	snap, err := n.Ctx.Engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := snap.Collection(db, coll).Find(ctx, bson.D{}, engine.FindOptions{})
	if err != nil {
		snap.Close(ctx)
		return nil, err
	}
	return &snapshotDocCursor{snap: snap, cur: cur}, nil
}

type snapshotDocCursor struct {
	snap engine.Snapshot
	cur  engine.Cursor
}

func (c *snapshotDocCursor) Next(ctx context.Context) (interface{}, bool, error) {
	if !c.cur.Next(ctx) {
		return nil, false, c.cur.Err()
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (c *snapshotDocCursor) Close() {
	c.cur.Close(context.Background())
	c.snap.Close(context.Background())
}

// producerSource implements producer.Source; its TailFrom must be
// declared to return producer.RemoteCursor by name, so it cannot share
// replSource's method despite an identical body (oplog.Cursor and
// producer.RemoteCursor have the same method set but are distinct named
// interface types, and Go's interface satisfaction is nominal on the
// implementing method's declared signature).
type producerSource struct {
	cluster *Cluster
}

func (s *producerSource) TailFrom(ctx context.Context, m *replset.Member, from gtid.GTID) (producer.RemoteCursor, error) {
	n := s.cluster.peer(m.ID)
	if n == nil {
		return nil, errors.Errorf("harness: no such member %d", m.ID)
	}
	return n.Ctx.OplogStore.TailFromGTID(from), nil
}
