package oplog

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tessera-db/core/engine"
	"github.com/tessera-db/core/gtid"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("oplog: not found")

// Cursor is a restartable forward reader positioned at-or-after a GTID.
// Producer and fillGaps both hold one open for extended periods; Next
// returns a nil entry and nil error, without blocking, once it has passed
// the last entry present when the cursor was opened.
type Cursor interface {
	Next(ctx context.Context) (*Entry, error)
	Close()
}

// ReverseCursor walks backward from a GTID, used by rollback.
type ReverseCursor interface {
	Prev(ctx context.Context) (*Entry, error)
	Close()
}

// Partition is one time-sliced segment of the oplog. Partitioning lets the
// TTL thread drop whole segments by age instead of scanning row-by-row.
type Partition struct {
	ID       int64
	StartTS  int64
	EndTS    int64 // 0 while still the open/current partition
	Entries  []Entry
}

// Store is the ordered, GTID-keyed, optionally time-partitioned oplog
// described below.
type Store struct {
	mu         sync.RWMutex
	engine     engine.Engine
	partitions []*Partition
	refs       map[string][]RefEntry // keyed by oid.Hex()
	partitioned bool
	nextPartID int64
}

// NewStore returns an oplog backed by eng. A fresh store starts with a
// single open (unbounded) partition; ConvertToPartitionedIfNecessary is a
// no-op until a primary explicitly requests time partitioning.
func NewStore(eng engine.Engine) *Store {
	return &Store{
		engine: eng,
		refs:   make(map[string][]RefEntry),
		partitions: []*Partition{
			{ID: 0, StartTS: 0},
		},
		nextPartID: 1,
	}
}

// Append writes entry into the currently-open partition and, when txn is
// non-nil, inserts it into txn's local.oplog.rs collection. The caller is
// responsible for durability/commit discipline of txn (NOSYNC for the
// producer, the write concern's discipline for a committed primary write).
// The in-memory entry is visible to new cursors at once and is not
// withdrawn if the insert fails or txn aborts.
func (s *Store) Append(ctx context.Context, txn engine.Txn, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.partitions[len(s.partitions)-1]
	cur.Entries = append(cur.Entries, e)

	if txn != nil {
		coll := txn.Collection("local", "oplog.rs")
		if err := coll.Insert(ctx, e); err != nil {
			return errors.Wrap(err, "oplog: insert")
		}
	}
	return nil
}

// AppendRef stores one chunk of an oversized transaction's op list.
func (s *Store) AppendRef(ctx context.Context, txn engine.Txn, r RefEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.OID.Hex()
	s.refs[key] = append(s.refs[key], r)
	if txn != nil {
		coll := txn.Collection("local", "oplog.refs")
		if err := coll.Insert(ctx, r); err != nil {
			return errors.Wrap(err, "oplog: insert ref")
		}
	}
	return nil
}

// GetRefs reconstructs the full ordered op list for an oversized
// transaction pointed to by oid.
func (s *Store) GetRefs(oid string) []SubOp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := s.refs[oid]
	var out []SubOp
	for _, c := range chunks {
		out = append(out, c.Ops...)
	}
	return out
}

// GetLastEntry returns the newest entry by GTID, or nil if the oplog is empty.
func (s *Store) GetLastEntry() *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.partitions) - 1; i >= 0; i-- {
		p := s.partitions[i]
		if len(p.Entries) > 0 {
			e := p.Entries[len(p.Entries)-1]
			return &e
		}
	}
	return nil
}

// FindByGTID looks up a single entry by its exact GTID.
func (s *Store) FindByGTID(g gtid.GTID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.partitions {
		for _, e := range p.Entries {
			if e.ID == g {
				cp := e
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

// all flattens every partition's entries in GTID order; callers needing a
// cursor snapshot use this, since the in-memory store never reorders.
func (s *Store) all() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, p := range s.partitions {
		out = append(out, p.Entries...)
	}
	return out
}

type sliceCursor struct {
	entries []Entry
	idx     int
}

func (c *sliceCursor) Next(ctx context.Context) (*Entry, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.idx >= len(c.entries) {
		return nil, nil
	}
	e := c.entries[c.idx]
	c.idx++
	return &e, nil
}

func (c *sliceCursor) Close() {}

// TailFromGTID returns a restartable forward cursor over entries with
// GTID >= g, in GTID order.
func (s *Store) TailFromGTID(g gtid.GTID) Cursor {
	entries := s.all()
	start := 0
	for i, e := range entries {
		if !e.ID.Less(g) {
			start = i
			break
		}
		start = i + 1
	}
	return &sliceCursor{entries: entries[start:]}
}

type sliceReverseCursor struct {
	entries []Entry
	idx     int
}

func (c *sliceReverseCursor) Prev(ctx context.Context) (*Entry, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.idx < 0 {
		return nil, nil
	}
	e := c.entries[c.idx]
	c.idx--
	return &e, nil
}

func (c *sliceReverseCursor) Close() {}

// ReverseCursorFromGTID walks backward starting at (and including) g.
func (s *Store) ReverseCursorFromGTID(g gtid.GTID) ReverseCursor {
	entries := s.all()
	end := -1
	for i, e := range entries {
		if !e.ID.Less(g) && e.ID.Compare(g) <= 0 {
			end = i
		}
		if e.ID.Compare(g) > 0 {
			break
		}
	}
	return &sliceReverseCursor{entries: entries, idx: end}
}

// MarkApplied flips the applied bit of the already-persisted entry at g
// in place, for callers (rollback's apply-missing-ops pass) that decide
// after the fact that an entry already in the log should now be
// considered applied, without re-appending it.
func (s *Store) MarkApplied(g gtid.GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.partitions {
		for i := range p.Entries {
			if p.Entries[i].ID == g {
				p.Entries[i].Applied = true
				return nil
			}
		}
	}
	return ErrNotFound
}

// AddPartition closes the current partition (stamping its EndTS with the
// timestamp of its last entry) and opens a fresh one. Driven by the
// partition thread once per policy interval.
func (s *Store) AddPartition(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.partitions[len(s.partitions)-1]
	if len(cur.Entries) > 0 {
		cur.EndTS = cur.Entries[len(cur.Entries)-1].TS
	} else {
		cur.EndTS = nowMs
	}
	s.partitions = append(s.partitions, &Partition{ID: s.nextPartID, StartTS: nowMs})
	s.nextPartID++
}

// TrimByTimestamp drops every closed partition whose EndTS is older than
// olderThanMs, returning the dropped partitions so the caller (the
// partition thread) can archive them first if configured to.
func (s *Store) TrimByTimestamp(olderThanMs int64) []*Partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []*Partition
	var kept []*Partition
	for _, p := range s.partitions {
		if p.EndTS != 0 && p.EndTS < olderThanMs {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		// never drop the open partition
		kept = append(kept, &Partition{ID: s.nextPartID, StartTS: olderThanMs})
		s.nextPartID++
	}
	s.partitions = kept
	return dropped
}

// ConvertToPartitionedIfNecessary is the one-shot migration a primary in a
// single-node set performs on startup to move from an unpartitioned oplog
// to the partitioned layout. It only records that the conversion happened:
// lastGTID is not used and the existing partitions are left unchanged. It
// is a no-op once partitioning has already happened.
func (s *Store) ConvertToPartitionedIfNecessary(lastGTID gtid.GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitioned {
		return
	}
	s.partitioned = true
}
