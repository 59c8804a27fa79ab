// Package oplog implements the ordered, GTID-keyed operation log: the
// ground truth that the producer/applier pipeline, initial sync, and
// rollback all read and write.
package oplog

import (
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tessera-db/core/gtid"
)

// OpKind identifies the kind of a sub-operation.
type OpKind string

const (
	OpInsert       OpKind = "insert"
	OpUpdate       OpKind = "update"
	OpDelete       OpKind = "delete"
	OpCappedInsert OpKind = "capped-insert"
	OpCappedDelete OpKind = "capped-delete"
	OpCommand      OpKind = "command"
	OpComment      OpKind = "comment"
)

// SubOp is one sub-operation within a transaction's entry.
type SubOp struct {
	Op          OpKind         `bson:"op"`
	NS          string         `bson:"ns"`
	PK          interface{}    `bson:"pk,omitempty"`
	Row         interface{}    `bson:"row,omitempty"`
	Pre         interface{}    `bson:"pre,omitempty"`
	Post        interface{}    `bson:"post,omitempty"`
	Command     interface{}    `bson:"cmd,omitempty"`
	FromMigrate bool           `bson:"fromMigrate,omitempty"`
}

// RefPointer spills an oversized transaction's ops into the oplog.refs side
// table, referenced by object-id.
type RefPointer struct {
	OID primitive.ObjectID `bson:"oid"`
}

// Entry is one oplog document, keyed by GTID.
type Entry struct {
	ID      gtid.GTID `bson:"_id"`
	TS      int64     `bson:"ts"`
	Hash    int64     `bson:"h"`
	Applied bool      `bson:"a"`
	Ops     []SubOp   `bson:"ops,omitempty"`
	Ref     *RefPointer `bson:"ref,omitempty"`
}

// RefChunkSize bounds how many sub-operations are inlined into a ref row
// before another is started.
const RefChunkSize = 8000

// RefEntry is one chunk of an oversized transaction's operation list, keyed
// by (oid, seq).
type RefEntry struct {
	OID primitive.ObjectID `bson:"_id"`
	Seq int32              `bson:"seq"`
	Ops []SubOp            `bson:"ops"`
}
