package progress

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/model"
)

func update(processID string, stage model.Stage, percent float64) model.ProgressUpdate {
	return model.ProgressUpdate{ProcessID: processID, Stage: stage, Percent: percent}
}

func TestSnapshotTracksLatest(t *testing.T) {
	bus := NewBus(BusConfig{})

	_, ok := bus.Snapshot("p1")
	assert.False(t, ok)

	bus.Publish(update("p1", model.StageValidation, 5))
	bus.Publish(update("p1", model.StageTextExtraction, 20))

	snap, ok := bus.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, model.StageTextExtraction, snap.Stage)
	assert.Equal(t, float64(20), snap.Percent)
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	bus := NewBus(BusConfig{})
	bus.Publish(update("p1", model.StageValidation, 10))

	sub := bus.Subscribe("p1")
	defer sub.Close()

	first := <-sub.C
	assert.Equal(t, float64(10), first.Percent)

	bus.Publish(update("p1", model.StageValidation, 12))
	second := <-sub.C
	assert.Equal(t, float64(12), second.Percent)
}

func TestPercentMonotonicWithinStage(t *testing.T) {
	bus := NewBus(BusConfig{})
	bus.Publish(update("p1", model.StageGraphWrite, 80))
	bus.Publish(update("p1", model.StageGraphWrite, 70)) // must clamp up

	snap, _ := bus.Snapshot("p1")
	assert.Equal(t, float64(80), snap.Percent)

	// A stage transition resets the floor.
	bus.Publish(update("p1", model.StageIntegrityCheck, 85))
	bus.Publish(update("p1", model.StageIntegrityCheck, 86))
	snap, _ = bus.Snapshot("p1")
	assert.Equal(t, float64(86), snap.Percent)
}

func TestTerminalClosesSubscribers(t *testing.T) {
	bus := NewBus(BusConfig{})
	sub := bus.Subscribe("p1")

	terminal := update("p1", model.StageFinalization, 100)
	terminal.Terminal = true
	bus.Publish(terminal)

	got := <-sub.C
	assert.True(t, got.Terminal)

	_, open := <-sub.C
	assert.False(t, open, "channel must close after the terminal update is drained")

	// Publishing after terminal is ignored.
	bus.Publish(update("p1", model.StageFinalization, 100))
	snap, _ := bus.Snapshot("p1")
	assert.True(t, snap.Terminal)
}

func TestLateSubscriberOnTerminalProcess(t *testing.T) {
	bus := NewBus(BusConfig{})
	terminal := update("p1", model.StageFinalization, 100)
	terminal.Terminal = true
	bus.Publish(terminal)

	sub := bus.Subscribe("p1")
	got := <-sub.C
	assert.True(t, got.Terminal)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus(BusConfig{})
	sub := bus.Subscribe("p1")

	// Overflow the subscriber buffer without draining.
	for i := 0; i <= subscriberBuffer+1; i++ {
		bus.Publish(update("p1", model.StageGraphWrite, float64(i)))
	}

	// The channel was closed on drop; draining observes closure.
	for range sub.C {
	}

	// Publisher is unaffected.
	bus.Publish(update("p1", model.StageGraphWrite, 99))
	snap, ok := bus.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, float64(99), snap.Percent)
}

func TestHistoryRingBounded(t *testing.T) {
	bus := NewBus(BusConfig{})
	for i := 0; i < historySize+50; i++ {
		bus.Publish(update("p1", model.StageGraphWrite, float64(i%100)))
	}
	history := bus.History("p1")
	assert.Len(t, history, historySize)
}

func TestForgetDropsState(t *testing.T) {
	bus := NewBus(BusConfig{})
	bus.Publish(update("p1", model.StageValidation, 5))
	sub := bus.Subscribe("p1")

	bus.Forget("p1")
	_, ok := bus.Snapshot("p1")
	assert.False(t, ok)

	// Drain the snapshot that was delivered on subscribe, then expect closure.
	for range sub.C {
	}
}

func TestRedisMirrorRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	mirror, err := NewRedisMirror(context.Background(), MirrorConfig{
		RedisURL: "redis://" + srv.Addr(),
	})
	require.NoError(t, err)
	defer mirror.Close()

	bus := NewBus(BusConfig{Mirror: mirror})
	bus.Publish(update("p1", model.StageDeduplication, 55))

	snap, err := mirror.Snapshot(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, model.StageDeduplication, snap.Stage)
	assert.Equal(t, float64(55), snap.Percent)
}

func TestMirrorUnknownProcess(t *testing.T) {
	srv := miniredis.RunT(t)
	mirror, err := NewRedisMirror(context.Background(), MirrorConfig{RedisURL: "redis://" + srv.Addr()})
	require.NoError(t, err)
	defer mirror.Close()

	snap, err := mirror.Snapshot(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, snap)
}
