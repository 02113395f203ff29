package types

import (
	"context"
	"time"
)

// Fetcher loads fresh data for a cache key from its origin (API, database).
// The cache never times a fetcher out; deadlines belong to the supplied ctx.
type Fetcher func(ctx context.Context) (interface{}, error)

type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// FreshnessPolicy governs how long an entry is served as fresh and how long
// it may be served at all. TTL marks the stale boundary, MaxAge the expiry
// boundary. Policies are selected by the caller per key and never mutated.
type FreshnessPolicy struct {
	TTL                  time.Duration `yaml:"ttl" json:"ttl" validate:"gt=0"`
	MaxAge               time.Duration `yaml:"max_age" json:"max_age" validate:"gtefield=TTL"`
	StaleWhileRevalidate bool          `yaml:"stale_while_revalidate" json:"stale_while_revalidate"`
}

type CacheEntry struct {
	Key       string          `json:"key"`
	Data      interface{}     `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Policy    FreshnessPolicy `json:"policy"`
	Source    Source          `json:"source"`
	Size      int64           `json:"size"`
}

func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Valid reports whether the entry may still be returned at all.
func (e *CacheEntry) Valid(now time.Time) bool {
	return e.Age(now) < e.Policy.MaxAge
}

// Stale reports whether the entry is past its TTL. A stale entry remains
// valid until it also passes MaxAge.
func (e *CacheEntry) Stale(now time.Time) bool {
	return e.Age(now) > e.Policy.TTL
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return e.Age(now) >= e.Policy.MaxAge
}

// StaleValue is the result of a freshness-agnostic read: whatever data is
// present, annotated with its age relative to the entry's TTL.
type StaleValue struct {
	Data      interface{}   `json:"data"`
	Age       time.Duration `json:"age"`
	IsStale   bool          `json:"is_stale"`
	Source    Source        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}

type PressureLevel string

const (
	PressureNone     PressureLevel = "none"
	PressureElevated PressureLevel = "elevated"
	PressureCritical PressureLevel = "critical"
)

type TypeStats struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

type CacheStats struct {
	Entries   int                  `json:"entries"`
	Valid     int                  `json:"valid"`
	Stale     int                  `json:"stale"`
	Expired   int                  `json:"expired"`
	ByType    map[string]TypeStats `json:"by_type"`
	OldestAge time.Duration        `json:"oldest_age"`
	TotalSize int64                `json:"total_size"`
	Pressure  PressureLevel        `json:"pressure"`
	Hits      uint64               `json:"hits"`
	Misses    uint64               `json:"misses"`
	Refreshes uint64               `json:"refreshes"`
	Coalesced uint64               `json:"coalesced"`
}

// ConnectivityChecker replaces the browser online/offline signal. When it
// reports offline, Get serves any cached value regardless of staleness.
type ConnectivityChecker interface {
	Online() bool
}

type CacheManager interface {
	LifecycleManager
	Get(ctx context.Context, key string, fetcher Fetcher, policy FreshnessPolicy) (interface{}, error)
	ForceRefresh(ctx context.Context, key string, fetcher Fetcher, policy FreshnessPolicy) (interface{}, error)
	Set(key string, data interface{}, policy FreshnessPolicy) error
	Has(key string, policy FreshnessPolicy) bool
	GetCached(key string, policy FreshnessPolicy) (interface{}, bool)
	GetCachedStale(key string) (*StaleValue, bool)
	Clear(key string) bool
	ClearAll() int
	CacheAge(key string) (time.Duration, bool)
	Sweep() int
	Flush(ctx context.Context) error
	Stats() CacheStats
	StorageInfo() StorageInfo
	Subscribe(key string, listener EventListener) func()
}

type CacheManagerCreator func(config interface{}) (CacheManager, error)
