package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoSnapshotRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mt.Run("save", func(mt *mtest.T) {
		repo := NewMongoSnapshotRepository(mt.Client, "saga", snapshotCollection)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := repo.SaveSnapshot(context.Background(), Snapshot{ID: "s-1", OrderID: "o-1", CreatedAt: created})
		assert.NoError(mt, err)
	})

	mt.Run("latest", func(mt *mtest.T) {
		repo := NewMongoSnapshotRepository(mt.Client, "saga", snapshotCollection)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "saga.order_snapshots", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "s-1"},
			{Key: "order_id", Value: "o-1"},
			{Key: "partition", Value: int32(2)},
			{Key: "event_offset", Value: int64(7)},
			{Key: "event_count", Value: int32(3)},
			{Key: "state", Value: []byte(`{"orderId":"o-1"}`)},
			{Key: "created_at", Value: created},
		}))

		snap, err := repo.LatestSnapshot(context.Background(), "o-1")
		require.NoError(mt, err)
		assert.Equal(mt, "s-1", snap.ID)
		assert.Equal(mt, 2, snap.Partition)
		assert.Equal(mt, int64(7), snap.EventOffset)
		assert.Equal(mt, 3, snap.EventCount)
		assert.JSONEq(mt, `{"orderId":"o-1"}`, string(snap.State))
		assert.True(mt, created.Equal(snap.CreatedAt))
	})

	mt.Run("latest not found", func(mt *mtest.T) {
		repo := NewMongoSnapshotRepository(mt.Client, "saga", snapshotCollection)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "saga.order_snapshots", mtest.FirstBatch))

		_, err := repo.LatestSnapshot(context.Background(), "o-1")
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}
