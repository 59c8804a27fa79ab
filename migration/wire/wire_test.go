package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type fakeIndexLister struct {
	byNS map[string][]IndexSpec
}

func (f *fakeIndexLister) ListIndexes(ctx context.Context, ns string) ([]IndexSpec, error) {
	return f.byNS[ns], nil
}

func TestDecodeMoveChunkCurrentFields(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "ns", Value: "test.docs"},
		{Key: "min", Value: bson.D{{Key: "shardKey", Value: 0}}},
		{Key: "max", Value: bson.D{{Key: "shardKey", Value: 100}}},
		{Key: "fromShard", Value: "rs0"},
		{Key: "toShard", Value: "rs1"},
		{Key: "shardKeyPattern", Value: bson.D{{Key: "shardKey", Value: 1}}},
		{Key: "configVersion", Value: int64(7)},
	})
	require.NoError(t, err)

	cmd, err := DecodeMoveChunk(context.Background(), raw, "v6.0.0", nil)
	require.NoError(t, err)
	assert.Equal(t, "rs0", cmd.FromShard)
	assert.Equal(t, "rs1", cmd.ToShard)
	assert.False(t, cmd.usedLegacyFields)
	require.Len(t, cmd.ShardKeyPattern, 1)
	assert.Equal(t, "shardKey", cmd.ShardKeyPattern[0].Key)
	assert.EqualValues(t, 7, cmd.ExpectedVersion)
}

func TestDecodeMoveChunkLegacyFieldsAcceptedWhenDonorNewEnough(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "ns", Value: "test.docs"},
		{Key: "min", Value: bson.D{{Key: "shardKey", Value: 0}}},
		{Key: "max", Value: bson.D{{Key: "shardKey", Value: 100}}},
		{Key: "from", Value: "rs0"},
		{Key: "to", Value: "rs1"},
	})
	require.NoError(t, err)

	lister := &fakeIndexLister{byNS: map[string][]IndexSpec{
		"test.docs": {{Name: "_id_", Key: bson.D{{Key: "_id", Value: 1}}}, {Name: "shardKey_1", Key: bson.D{{Key: "shardKey", Value: 1}}}},
	}}

	cmd, err := DecodeMoveChunk(context.Background(), raw, "v4.2.0", lister)
	require.NoError(t, err)
	assert.True(t, cmd.usedLegacyFields)
	assert.Equal(t, "rs0", cmd.FromShard)
	assert.Equal(t, "rs1", cmd.ToShard)
	require.Len(t, cmd.ShardKeyPattern, 1)
	assert.Equal(t, "shardKey", cmd.ShardKeyPattern[0].Key)
}

func TestDecodeMoveChunkRejectsLegacyFieldsFromOldDonor(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "ns", Value: "test.docs"},
		{Key: "min", Value: bson.D{{Key: "shardKey", Value: 0}}},
		{Key: "max", Value: bson.D{{Key: "shardKey", Value: 100}}},
		{Key: "from", Value: "rs0"},
		{Key: "to", Value: "rs1"},
	})
	require.NoError(t, err)

	_, err = DecodeMoveChunk(context.Background(), raw, "v3.6.0", nil)
	assert.Error(t, err)
}

func TestDecodeMoveChunkMissingShardPair(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "ns", Value: "test.docs"},
		{Key: "min", Value: bson.D{{Key: "shardKey", Value: 0}}},
		{Key: "max", Value: bson.D{{Key: "shardKey", Value: 100}}},
	})
	require.NoError(t, err)

	_, err = DecodeMoveChunk(context.Background(), raw, "v6.0.0", nil)
	assert.Error(t, err)
}

func TestDecodeMoveChunkNoMatchingIndexToInferFrom(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "ns", Value: "test.docs"},
		{Key: "min", Value: bson.D{{Key: "shardKey", Value: 0}}},
		{Key: "max", Value: bson.D{{Key: "shardKey", Value: 100}}},
		{Key: "fromShard", Value: "rs0"},
		{Key: "toShard", Value: "rs1"},
	})
	require.NoError(t, err)

	lister := &fakeIndexLister{byNS: map[string][]IndexSpec{
		"test.docs": {{Name: "_id_", Key: bson.D{{Key: "_id", Value: 1}}}},
	}}

	_, err = DecodeMoveChunk(context.Background(), raw, "v6.0.0", lister)
	assert.Error(t, err)
}
