package types

import (
	"time"
)

type EventType string

const (
	EventUpdated EventType = "updated"
	EventCleared EventType = "cleared"
	EventExpired EventType = "expired"
)

// CacheEvent is an ephemeral notification; it is never stored.
type CacheEvent struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Key       string      `json:"key"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type EventListener func(event CacheEvent)

// EventBus delivers per-key cache mutation notifications. The wildcard key
// "*" subscribes to events for every key.
type EventBus interface {
	Subscribe(key string, listener EventListener) func()
	Publish(event CacheEvent)
	Subscribers(key string) int
	Close()
}
