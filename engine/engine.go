// Package engine declares the narrow seam the core needs from the
// transactional key/value storage engine, which is out of
// scope: multi-statement serializable transactions with snapshot reads,
// ordered cursors, and the ability to abort a live transaction under
// administrative command. Nothing in this package implements the engine
// itself; engine/memengine is a test stand-in, not the product.
package engine

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// FindOptions narrows a Find call; zero value means "match everything in
// natural/insertion order".
type FindOptions struct {
	Sort  bson.D
	Limit int
}

// Cursor iterates documents already materialized in memory by Find.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(out interface{}) error
	Close(ctx context.Context) error
	Err() error
}

// Collection is a single namespace within a Txn's view of the world.
type Collection interface {
	Insert(ctx context.Context, doc interface{}) error
	FindOne(ctx context.Context, filter bson.D, out interface{}) error
	Find(ctx context.Context, filter bson.D, opts FindOptions) (Cursor, error)
	Upsert(ctx context.Context, filter bson.D, doc interface{}) error
	DeleteOne(ctx context.Context, filter bson.D) error
	DeleteMany(ctx context.Context, filter bson.D) (int64, error)
}

// TxnOptions configures a transaction's isolation/durability discipline.
// The core never implements these semantics; it only requests them.
type TxnOptions struct {
	// Snapshot requests repeatable-read isolation for the lifetime of the
	// transaction (used by initial sync and migration clone/snapshot).
	Snapshot bool
	// NoSync requests the engine commit without forcing a journal fsync
	NoSync bool
}

// Txn is one multi-statement serializable transaction.
type Txn interface {
	Collection(db, coll string) Collection
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Snapshot is a read-only, point-in-time view used by initial sync and
// migration donor cloning.
type Snapshot interface {
	Collection(db, coll string) Collection
	Close(ctx context.Context) error
}

// Engine is the full collaborator surface the core depends on.
type Engine interface {
	BeginTxn(ctx context.Context, opts TxnOptions) (Txn, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	// AbortAllLiveTxns is invoked by rollback and step-down to forcibly
	// unwind in-flight user transactions before the core touches data
	// directly.
	AbortAllLiveTxns(ctx context.Context) error
	// ListDatabases/DropDatabase back initial sync's "drop all local
	// databases except system-local" step.
	ListDatabases(ctx context.Context) ([]string, error)
	DropDatabase(ctx context.Context, name string) error
}
