package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/bus"
)

func TestAppendAndPullFIFO(t *testing.T) {
	b := bus.New(zap.NewNop(), time.Second)
	ctx := context.Background()

	b.EnsureGroup("events:price", "executor_group")

	for i := 0; i < 3; i++ {
		data, _ := json.Marshal(map[string]int{"seq": i})
		_, err := b.Append(ctx, "events:price", "price", data)
		require.NoError(t, err)
	}

	recs, err := b.Pull(ctx, "events:price", "executor_group", "consumer-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(r.Data, &payload))
		assert.Equal(t, i, payload["seq"])
	}
}

func TestEnsureGroupResumesFromTail(t *testing.T) {
	b := bus.New(zap.NewNop(), time.Second)
	ctx := context.Background()

	data, _ := json.Marshal(map[string]string{"k": "before group"})
	_, err := b.Append(ctx, "events:depth", "depth", data)
	require.NoError(t, err)

	b.EnsureGroup("events:depth", "g1")

	data2, _ := json.Marshal(map[string]string{"k": "after group"})
	_, err = b.Append(ctx, "events:depth", "depth", data2)
	require.NoError(t, err)

	recs, err := b.Pull(ctx, "events:depth", "g1", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(recs[0].Data, &payload))
	assert.Equal(t, "after group", payload["k"])
}

func TestUnackedRecordIsRedelivered(t *testing.T) {
	b := bus.New(zap.NewNop(), 20*time.Millisecond)
	ctx := context.Background()

	b.EnsureGroup("events:whale", "g1")
	data, _ := json.Marshal(map[string]int{"n": 1})
	_, err := b.Append(ctx, "events:whale", "whale", data)
	require.NoError(t, err)

	recs, err := b.Pull(ctx, "events:whale", "g1", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	firstID := recs[0].ID

	time.Sleep(30 * time.Millisecond)

	redelivered, err := b.Pull(ctx, "events:whale", "g1", "c2", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, firstID, redelivered[0].ID)

	require.NoError(t, b.Ack("events:whale", "g1", firstID))
	assert.Equal(t, 0, b.PendingCount("events:whale", "g1"))
}

func TestAckRemovesFromPending(t *testing.T) {
	b := bus.New(zap.NewNop(), time.Minute)
	ctx := context.Background()
	b.EnsureGroup("events:social", "g1")

	data, _ := json.Marshal(map[string]int{"n": 1})
	_, err := b.Append(ctx, "events:social", "social", data)
	require.NoError(t, err)

	recs, err := b.Pull(ctx, "events:social", "g1", "c1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, 1, b.PendingCount("events:social", "g1"))
	require.NoError(t, b.Ack("events:social", "g1", recs[0].ID))
	assert.Equal(t, 0, b.PendingCount("events:social", "g1"))
}

func TestMarshalParseRecordRoundTrip(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"token_address": "SOL"})
	raw, err := bus.MarshalRecord(bus.Record{Type: "price", Data: data})
	require.NoError(t, err)

	eventType, parsedData, err := bus.ParseRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "price", eventType)
	assert.JSONEq(t, string(data), string(parsedData))
}

func TestPullBlocksUntilTimeout(t *testing.T) {
	b := bus.New(zap.NewNop(), time.Second)
	ctx := context.Background()
	b.EnsureGroup("events:funding", "g1")

	start := time.Now()
	recs, err := b.Pull(ctx, "events:funding", "g1", "c1", 1, 40*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
