package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/eventbus"
)

func TestRecord_PublishesOnceThresholdReached(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var ticks int
	bus.Subscribe(eventbus.TopicSyncProgressTick, func(eventbus.Event) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	p := New(bus, nil, "job1", 3)
	require.NoError(t, p.Record(context.Background(), "def1", 1, 0, 0, 0, 0))
	require.NoError(t, p.Record(context.Background(), "def1", 1, 0, 0, 0, 0))
	mu.Lock()
	require.Equal(t, 0, ticks)
	mu.Unlock()

	require.NoError(t, p.Record(context.Background(), "def1", 1, 0, 0, 0, 0))
	mu.Lock()
	require.Equal(t, 1, ticks)
	mu.Unlock()
}

func TestFlush_PublishesRegardlessOfThreshold(t *testing.T) {
	bus := eventbus.New()
	var got Tick
	bus.Subscribe(eventbus.TopicSyncProgressTick, func(evt eventbus.Event) {
		got = evt.Payload.(Tick)
	})

	p := New(bus, nil, "job1", 100)
	require.NoError(t, p.Record(context.Background(), "def1", 1, 0, 0, 0, 0))
	require.NoError(t, p.Flush(context.Background()))

	require.Equal(t, "job1", got.SyncJobID)
	require.Equal(t, int64(1), got.Counters.Inserted)
}

func TestRecord_TracksEntityCounts(t *testing.T) {
	bus := eventbus.New()
	p := New(bus, nil, "job1", 1000)
	require.NoError(t, p.Record(context.Background(), "def1", 2, 0, 0, 0, 0))
	require.NoError(t, p.Record(context.Background(), "def2", 0, 1, 0, 0, 0))

	snap := p.Snapshot()
	require.Equal(t, int64(2), snap.EntityCounts["def1"])
	require.Equal(t, int64(1), snap.EntityCounts["def2"])
}
