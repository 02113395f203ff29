package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transitlive/transit-cache/types"
)

// WildcardKey subscribes a listener to events for every cache key.
const WildcardKey = "*"

// EventBus fans cache mutation events out to per-key listener sets. Listener
// sets are snapshotted before notification so a listener may unsubscribe
// itself (or others) mid-delivery without invalidating the iteration.
type EventBus struct {
	logger    types.Logger
	mu        sync.RWMutex
	listeners map[string]map[uint64]types.EventListener
	nextID    uint64
	closed    bool
}

func NewEventBus(logger types.Logger) *EventBus {
	return &EventBus{
		logger:    logger,
		listeners: make(map[string]map[uint64]types.EventListener),
	}
}

func (b *EventBus) Subscribe(key string, listener types.EventListener) func() {
	if listener == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID

	set, exists := b.listeners[key]
	if !exists {
		set = make(map[uint64]types.EventListener)
		b.listeners[key] = set
	}
	set[id] = listener

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if set, exists := b.listeners[key]; exists {
			delete(set, id)
			if len(set) == 0 {
				delete(b.listeners, key)
			}
		}
	}
}

func (b *EventBus) Publish(event types.CacheEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}

	snapshot := make([]types.EventListener, 0, len(b.listeners[event.Key])+len(b.listeners[WildcardKey]))
	for _, listener := range b.listeners[event.Key] {
		snapshot = append(snapshot, listener)
	}
	if event.Key != WildcardKey {
		for _, listener := range b.listeners[WildcardKey] {
			snapshot = append(snapshot, listener)
		}
	}
	b.mu.RUnlock()

	for _, listener := range snapshot {
		b.notify(listener, event)
	}
}

// notify isolates listener panics so one failing subscriber never blocks the
// rest, nor the cache operation that produced the event.
func (b *EventBus) notify(listener types.EventListener, event types.CacheEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Cache event listener panicked",
				zap.String("key", event.Key),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()

	listener(event)
}

func (b *EventBus) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[key])
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.listeners = make(map[string]map[uint64]types.EventListener)
}
