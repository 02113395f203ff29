package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlive/transit-cache/types"
)

func TestEventBusDeliversToKeyListener(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var received []types.CacheEvent
	unsubscribe := bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		received = append(received, event)
	})
	defer unsubscribe()

	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2", Data: "v1"})
	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "routes:44", Data: "other"})

	require.Len(t, received, 1)
	assert.Equal(t, "vehicles:2", received[0].Key)
	assert.Equal(t, "v1", received[0].Data)
	assert.NotEmpty(t, received[0].ID)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestEventBusWildcardReceivesEverything(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var keys []string
	unsubscribe := bus.Subscribe(WildcardKey, func(event types.CacheEvent) {
		keys = append(keys, event.Key)
	})
	defer unsubscribe()

	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})
	bus.Publish(types.CacheEvent{Type: types.EventCleared, Key: "routes:44"})
	bus.Publish(types.CacheEvent{Type: types.EventExpired, Key: "stops:12"})

	assert.Equal(t, []string{"vehicles:2", "routes:44", "stops:12"}, keys)
}

func TestEventBusWildcardNotNotifiedTwice(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var count int
	unsubscribe := bus.Subscribe(WildcardKey, func(event types.CacheEvent) {
		count++
	})
	defer unsubscribe()

	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: WildcardKey})

	assert.Equal(t, 1, count)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var count int
	unsubscribe := bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		count++
	})

	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})
	unsubscribe()
	unsubscribe() // second call is a no-op
	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})

	assert.Equal(t, 1, count)
	assert.Zero(t, bus.Subscribers("vehicles:2"))
}

func TestEventBusListenerPanicIsolated(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	defer bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		panic("listener blew up")
	})()

	var delivered bool
	defer bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		delivered = true
	})()

	assert.NotPanics(t, func() {
		bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})
	})
	assert.True(t, delivered, "a panicking listener must not block the others")
}

func TestEventBusUnsubscribeDuringDelivery(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var unsubscribe func()
	var count int
	unsubscribe = bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		count++
		unsubscribe()
	})

	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})
	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})

	assert.Equal(t, 1, count)
}

func TestEventBusNilListenerIgnored(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	unsubscribe := bus.Subscribe("vehicles:2", nil)
	assert.NotPanics(t, unsubscribe)
	assert.Zero(t, bus.Subscribers("vehicles:2"))
}

func TestEventBusClosedDropsEverything(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	var count int
	bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		count++
	})

	bus.Close()
	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})

	unsubscribe := bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		count++
	})
	unsubscribe()
	bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})

	assert.Zero(t, count)
}

func TestEventBusPreservesExplicitMetadata(t *testing.T) {
	bus := NewEventBus(newTestLogger())

	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var received types.CacheEvent
	defer bus.Subscribe("vehicles:2", func(event types.CacheEvent) {
		received = event
	})()

	bus.Publish(types.CacheEvent{
		ID:        "evt-1",
		Type:      types.EventUpdated,
		Key:       "vehicles:2",
		Timestamp: stamp,
	})

	assert.Equal(t, "evt-1", received.ID)
	assert.Equal(t, stamp, received.Timestamp)
}
