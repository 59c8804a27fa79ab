// Package memengine is a transactional, in-memory stand-in for the
// product storage engine, used by tests and by the docker-less harness.
// It is explicitly not the product engine; it only provides enough snapshot-isolation behavior to exercise
// the replication and migration state machines deterministically.
package memengine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
)

type doc = bson.D

// collState is one namespace's document set, keyed by the document's "_id" field
// rendered through bson.Marshal for comparability.
type collState struct {
	mu   sync.RWMutex
	docs map[string]doc
	ord  []string // insertion order, for natural-order scans
}

func newCollState() *collState {
	return &collState{docs: make(map[string]doc)}
}

func (c *collState) clone() *collState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := newCollState()
	for _, k := range c.ord {
		n.docs[k] = append(doc{}, c.docs[k]...)
		n.ord = append(n.ord, k)
	}
	return n
}

// Engine is the in-memory Engine implementation. mu guards the namespace
// map and the live-transaction set; each collection's documents are guarded
// by that collection's own mutex. Snapshot and snapshot transactions read
// from deep copies of collections.
type Engine struct {
	mu   sync.Mutex
	data map[string]*collState // "db.coll" -> state
	live map[*memTxn]struct{}
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		data: make(map[string]*collState),
		live: make(map[*memTxn]struct{}),
	}
}

func nsKey(db, coll string) string { return db + "." + coll }

func (e *Engine) coll(db, coll string) *collState {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := nsKey(db, coll)
	c, ok := e.data[k]
	if !ok {
		c = newCollState()
		e.data[k] = c
	}
	return c
}

// BeginTxn returns a transaction. Writes through it apply directly to the
// shared state (serialized by the per-collection mutex). With opts.Snapshot
// each collection is instead copied the first time this handle touches it,
// giving repeatable reads of that collection from then on; writes through
// such a handle go to the private copy only.
func (e *Engine) BeginTxn(ctx context.Context, opts engine.TxnOptions) (engine.Txn, error) {
	t := &memTxn{eng: e, opts: opts}
	if opts.Snapshot {
		t.frozen = make(map[string]*collState)
	}
	e.mu.Lock()
	e.live[t] = struct{}{}
	e.mu.Unlock()
	return t, nil
}

// Snapshot returns a read-only, fully-isolated view for initial sync and
// migration clone.
func (e *Engine) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	e.mu.Lock()
	frozen := make(map[string]*collState, len(e.data))
	for k, v := range e.data {
		frozen[k] = v.clone()
	}
	e.mu.Unlock()
	return &memSnapshot{frozen: frozen}, nil
}

// AbortAllLiveTxns marks every currently-open transaction aborted; callers
// still holding a reference get ErrAborted on their next operation.
func (e *Engine) AbortAllLiveTxns(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for t := range e.live {
		t.aborted = true
	}
	return nil
}

func (e *Engine) ListDatabases(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for k := range e.data {
		for i := 0; i < len(k); i++ {
			if k[i] == '.' {
				db := k[:i]
				if _, ok := seen[db]; !ok {
					seen[db] = struct{}{}
					out = append(out, db)
				}
				break
			}
		}
	}
	return out, nil
}

func (e *Engine) DropDatabase(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := name + "."
	for k := range e.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.data, k)
		}
	}
	return nil
}

// ErrAborted is returned by operations on a transaction that was aborted
// out from under the caller (rollback, step-down).
var ErrAborted = errors.New("memengine: transaction aborted")

type memTxn struct {
	eng     *Engine
	opts    engine.TxnOptions
	frozen  map[string]*collState
	aborted bool
	done    bool
}

func (t *memTxn) Collection(db, coll string) engine.Collection {
	if t.frozen != nil {
		k := nsKey(db, coll)
		c, ok := t.frozen[k]
		if !ok {
			c = t.eng.coll(db, coll).clone()
			t.frozen[k] = c
		}
		return &memCollection{txn: t, state: c}
	}
	return &memCollection{txn: t, state: t.eng.coll(db, coll)}
}

func (t *memTxn) Commit(ctx context.Context) error {
	if t.aborted {
		return ErrAborted
	}
	t.done = true
	t.eng.mu.Lock()
	delete(t.eng.live, t)
	t.eng.mu.Unlock()
	return nil
}

func (t *memTxn) Abort(ctx context.Context) error {
	t.done = true
	t.eng.mu.Lock()
	delete(t.eng.live, t)
	t.eng.mu.Unlock()
	return nil
}

type memSnapshot struct {
	frozen map[string]*collState
}

func (s *memSnapshot) Collection(db, coll string) engine.Collection {
	k := nsKey(db, coll)
	c, ok := s.frozen[k]
	if !ok {
		c = newCollState()
		s.frozen[k] = c
	}
	return &memCollection{state: c}
}

func (s *memSnapshot) Close(ctx context.Context) error { return nil }

type memCollection struct {
	txn   *memTxn
	state *collState
}

func idKey(d doc) (string, error) {
	for _, e := range d {
		if e.Key == "_id" {
			b, err := bson.Marshal(e.Value)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	}
	b, err := bson.Marshal(d)
	return string(b), err
}

func toD(in interface{}) (doc, error) {
	if d, ok := in.(doc); ok {
		return d, nil
	}
	b, err := bson.Marshal(in)
	if err != nil {
		return nil, err
	}
	var d doc
	if err := bson.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *memCollection) checkLive() error {
	if c.txn != nil && c.txn.aborted {
		return ErrAborted
	}
	return nil
}

func (c *memCollection) Insert(ctx context.Context, in interface{}) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	d, err := toD(in)
	if err != nil {
		return errors.Wrap(err, "memengine: marshal")
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	k, err := idKey(d)
	if err != nil {
		return err
	}
	if _, exists := c.state.docs[k]; !exists {
		c.state.ord = append(c.state.ord, k)
	}
	c.state.docs[k] = d
	return nil
}

func matches(d doc, filter bson.D) bool {
	for _, f := range filter {
		found := false
		for _, e := range d {
			if e.Key == f.Key {
				found = true
				ev, _ := bson.Marshal(e.Value)
				fv, _ := bson.Marshal(f.Value)
				if string(ev) != string(fv) {
					return false
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *memCollection) FindOne(ctx context.Context, filter bson.D, out interface{}) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	for _, k := range c.state.ord {
		d := c.state.docs[k]
		if matches(d, filter) {
			b, err := bson.Marshal(d)
			if err != nil {
				return err
			}
			return bson.Unmarshal(b, out)
		}
	}
	return errMongoNoDocuments
}

var errMongoNoDocuments = errors.New("memengine: no documents in result")

type sliceCursor struct {
	docs []doc
	idx  int
}

func (sc *sliceCursor) Next(ctx context.Context) bool {
	if sc.idx >= len(sc.docs) {
		return false
	}
	sc.idx++
	return true
}

func (sc *sliceCursor) Decode(out interface{}) error {
	b, err := bson.Marshal(sc.docs[sc.idx-1])
	if err != nil {
		return err
	}
	return bson.Unmarshal(b, out)
}

func (sc *sliceCursor) Close(ctx context.Context) error { return nil }
func (sc *sliceCursor) Err() error                      { return nil }

func (c *memCollection) Find(ctx context.Context, filter bson.D, opts engine.FindOptions) (engine.Cursor, error) {
	if err := c.checkLive(); err != nil {
		return nil, err
	}
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	var out []doc
	for _, k := range c.state.ord {
		d := c.state.docs[k]
		if matches(d, filter) {
			out = append(out, d)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return &sliceCursor{docs: out}, nil
}

func (c *memCollection) Upsert(ctx context.Context, filter bson.D, in interface{}) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	d, err := toD(in)
	if err != nil {
		return err
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	for _, k := range c.state.ord {
		if matches(c.state.docs[k], filter) {
			c.state.docs[k] = d
			return nil
		}
	}
	k, err := idKey(d)
	if err != nil {
		return err
	}
	c.state.ord = append(c.state.ord, k)
	c.state.docs[k] = d
	return nil
}

func (c *memCollection) DeleteOne(ctx context.Context, filter bson.D) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	for i, k := range c.state.ord {
		if matches(c.state.docs[k], filter) {
			delete(c.state.docs, k)
			c.state.ord = append(c.state.ord[:i], c.state.ord[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *memCollection) DeleteMany(ctx context.Context, filter bson.D) (int64, error) {
	if err := c.checkLive(); err != nil {
		return 0, err
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	var kept []string
	var n int64
	for _, k := range c.state.ord {
		if matches(c.state.docs[k], filter) {
			delete(c.state.docs, k)
			n++
			continue
		}
		kept = append(kept, k)
	}
	c.state.ord = kept
	return n, nil
}
