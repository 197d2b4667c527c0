package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-saga/pkg/broker"
)

func TestMemoryLog_SameKeySamePartitionInOrder(t *testing.T) {
	log := NewMemoryLog(6)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, log.Publish(ctx, broker.Message{Topic: "order-events", Key: "o-1", Value: []byte(v)}))
	}
	require.NoError(t, log.Publish(ctx, broker.Message{Topic: "order-events", Key: "o-2", Value: []byte("x")}))

	recs := log.Records("order-events")
	var values []string
	partition := -1
	for _, r := range recs {
		if r.Key != "o-1" {
			continue
		}
		if partition == -1 {
			partition = r.Partition
		}
		assert.Equal(t, partition, r.Partition)
		values = append(values, string(r.Value))
	}
	assert.Equal(t, []string{"a", "b", "c"}, values)
}

func TestMemoryLog_PartitionsLikeKafkaWriter(t *testing.T) {
	log := NewMemoryLog(6)
	for _, key := range []string{"o-1", "o-2", "order-42", "9b2c7e4a-1f0d-4c8e-a7b1-3d6f2e9c0a11"} {
		rec := log.Append("order-events", key, []byte("v"), nil)
		want := (&kafka.Hash{}).Balance(kafka.Message{Key: []byte(key)}, 0, 1, 2, 3, 4, 5)
		assert.Equal(t, want, rec.Partition, key)
	}
}

func TestMemoryLog_ScanFromOffset(t *testing.T) {
	log := NewMemoryLog(1)
	for i := 0; i < 5; i++ {
		log.Append("t", "k", []byte{byte('0' + i)}, nil)
	}

	var got []int64
	err := log.Scan(context.Background(), "t", 0, 2, func(r Record) bool {
		got = append(got, r.Offset)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, got)

	got = nil
	err = log.Scan(context.Background(), "t", 0, 0, func(r Record) bool {
		got = append(got, r.Offset)
		return r.Offset < 1
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, got)

	assert.Error(t, log.Scan(context.Background(), "t", 3, 0, func(Record) bool { return true }))
}

func TestMemoryLog_CreateTopicKeepsExisting(t *testing.T) {
	log := NewMemoryLog(2)
	log.EnsureTopics(DefaultTopics(".DLT", 1)...)
	log.CreateTopic("order-events", 1)

	parts, err := log.Partitions(context.Background(), "order-events")
	require.NoError(t, err)
	assert.Len(t, parts, 6)
	assert.Contains(t, log.Topics(), "orders.DLT")
}

func TestMemorySource_FetchBlocksUntilPublish(t *testing.T) {
	log := NewMemoryLog(3)
	src := log.Subscribe("orders", "g")

	got := make(chan Record, 1)
	go func() {
		rec, err := src.Fetch(context.Background())
		if err == nil {
			got <- rec
		}
	}()

	time.Sleep(20 * time.Millisecond)
	log.Append("orders", "o-1", []byte("v"), map[string]string{"h": "1"})

	select {
	case rec := <-got:
		assert.Equal(t, "o-1", rec.Key)
		assert.Equal(t, "1", rec.Headers["h"])
	case <-time.After(time.Second):
		t.Fatal("fetch did not return")
	}
}

func TestMemorySource_FetchHonoursContext(t *testing.T) {
	log := NewMemoryLog(1)
	src := log.Subscribe("orders", "g")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := src.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemorySource_UncommittedRedelivered(t *testing.T) {
	log := NewMemoryLog(1)
	log.Append("orders", "o-1", []byte("1"), nil)
	log.Append("orders", "o-1", []byte("2"), nil)
	ctx := context.Background()

	src := log.Subscribe("orders", "g")
	first, err := src.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Commit(ctx, first))
	_, err = src.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	again := log.Subscribe("orders", "g")
	rec, err := again.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", string(rec.Value))
	assert.Equal(t, map[int]int64{0: 1}, log.Committed("orders", "g"))

	other := log.Subscribe("orders", "other")
	rec, err = other.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(rec.Value))
}
