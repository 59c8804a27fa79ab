package replset

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tessera-db/core/engine"
)

// voteDoc is the singleton persisted into the local voteInfo collection
type voteDoc struct {
	ID          string `bson:"_id"`
	HighestVote int64  `bson:"highestVote"`
}

// VoteStore persists the highest-known-primary term with synchronous
// durability, required before a node may assert PRIMARY.
type VoteStore struct {
	eng engine.Engine
}

func NewVoteStore(eng engine.Engine) *VoteStore {
	return &VoteStore{eng: eng}
}

// Load returns the persisted highest vote, or 0 if none has ever been
// written.
func (v *VoteStore) Load(ctx context.Context) (int64, error) {
	txn, err := v.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return 0, err
	}
	defer txn.Abort(ctx)
	var d voteDoc
	err = txn.Collection("local", "voteInfo").FindOne(ctx, bson.D{{Key: "_id", Value: "highestVote"}}, &d)
	if err != nil {
		return 0, nil //nolint:nilerr // absent singleton means "never voted"
	}
	return d.HighestVote, nil
}

// Persist durably writes term as the new highest vote. The caller must
// await this call's success before asserting PRIMARY.
func (v *VoteStore) Persist(ctx context.Context, term int64) error {
	txn, err := v.eng.BeginTxn(ctx, engine.TxnOptions{})
	if err != nil {
		return err
	}
	d := voteDoc{ID: "highestVote", HighestVote: term}
	if err := txn.Collection("local", "voteInfo").Upsert(ctx, bson.D{{Key: "_id", Value: "highestVote"}}, d); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}
