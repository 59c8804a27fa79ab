// Package wire decodes the admin command that kicks off a chunk
// migration. Two generations of config-server client exist in the wild:
// current ones send fromShard/toShard/shardKeyPattern; older ones send
// from/to and omit shardKeyPattern, expecting the donor to infer it. This
// package bridges both onto the same migration.ChunkRange +
// fromShard/toShard pair that migration.Donor.Move already takes.
package wire

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/mod/semver"

	"github.com/tessera-db/core/migration"
)

// legacyFieldFloor is the oldest donor version this core still accepts
// the legacy from/to field names from; anything older is rejected rather
// than guessed at.
const legacyFieldFloor = "v4.0.0"

// IndexSpec is one index a storage engine reports for a collection, the
// minimal shape wire needs to guess a shard key from.
type IndexSpec struct {
	Name string
	Key  bson.D
}

// IndexLister is the donor-local catalog lookup wire needs to infer a
// shard key pattern when the command omits one; the real catalog lives
// in the out-of-scope storage engine, so this is the seam a concrete
// engine binding supplies.
type IndexLister interface {
	ListIndexes(ctx context.Context, ns string) ([]IndexSpec, error)
}

// MoveChunkCmd is the decoded, normalized form of a moveChunk/_recvChunkStart
// style command, ready to hand to migration.Donor.Move.
type MoveChunkCmd struct {
	Range            migration.ChunkRange
	FromShard        string
	ToShard          string
	ShardKeyPattern  bson.D
	ExpectedVersion  int64
	usedLegacyFields bool
}

// wireMoveChunk mirrors the wire shape of a moveChunk command, accepting
// both field-name generations; bson.Raw fields decode lazily so an absent
// field stays a zero-length Raw rather than erroring.
type wireMoveChunk struct {
	NS              string   `bson:"ns"`
	Min             bson.D   `bson:"min"`
	Max             bson.D   `bson:"max"`
	FromShard       string   `bson:"fromShard,omitempty"`
	ToShard         string   `bson:"toShard,omitempty"`
	From            string   `bson:"from,omitempty"`
	To              string   `bson:"to,omitempty"`
	ShardKeyPattern bson.Raw `bson:"shardKeyPattern,omitempty"`
	ConfigVersion   int64    `bson:"configVersion"`
}

// DecodeMoveChunk decodes raw per the rules above. donorVersion is the
// donor's advertised semver (e.g. "v5.2.1"); it gates whether the legacy
// from/to names are honored at all. lister is consulted only when the
// command omits shardKeyPattern.
func DecodeMoveChunk(ctx context.Context, raw bson.Raw, donorVersion string, lister IndexLister) (*MoveChunkCmd, error) {
	var w wireMoveChunk
	if err := bson.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "wire: decode moveChunk command")
	}

	cmd := &MoveChunkCmd{
		Range:           migration.ChunkRange{NS: w.NS, Min: w.Min, Max: w.Max},
		ExpectedVersion: w.ConfigVersion,
	}

	cmd.FromShard, cmd.ToShard = w.FromShard, w.ToShard
	if cmd.FromShard == "" || cmd.ToShard == "" {
		if w.From == "" || w.To == "" {
			return nil, errors.New("wire: moveChunk command names no shard pair")
		}
		if !semver.IsValid(donorVersion) || semver.Compare(donorVersion, legacyFieldFloor) < 0 {
			return nil, errors.Errorf("wire: donor %s predates the legacy from/to floor %s", donorVersion, legacyFieldFloor)
		}
		cmd.FromShard, cmd.ToShard = w.From, w.To
		cmd.usedLegacyFields = true
	}

	if len(w.ShardKeyPattern) > 0 {
		if err := bson.Unmarshal(w.ShardKeyPattern, &cmd.ShardKeyPattern); err != nil {
			return nil, errors.Wrap(err, "wire: decode shardKeyPattern")
		}
		return cmd, nil
	}

	pattern, err := inferShardKeyPattern(ctx, w.NS, w.Min, lister)
	if err != nil {
		return nil, errors.Wrap(err, "wire: infer shard key pattern")
	}
	cmd.ShardKeyPattern = pattern
	return cmd, nil
}

// inferShardKeyPattern finds the donor-local index whose key document has
// the same field names, in order, as min (the chunk's lower bound), since
// a shard key's index is the only index guaranteed to match the chunk
// bounds field-for-field.
func inferShardKeyPattern(ctx context.Context, ns string, min bson.D, lister IndexLister) (bson.D, error) {
	if lister == nil {
		return nil, errors.New("wire: no index lister configured to infer a shard key")
	}
	indexes, err := lister.ListIndexes(ctx, ns)
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		if sameFieldOrder(idx.Key, min) {
			return idx.Key, nil
		}
	}
	return nil, errors.Errorf("wire: no local index on %s matches the chunk bounds' field order", ns)
}

func sameFieldOrder(key, bound bson.D) bool {
	if len(key) != len(bound) {
		return false
	}
	for i := range key {
		if key[i].Key != bound[i].Key {
			return false
		}
	}
	return true
}
