package types

import (
	"context"
	"time"
)

const SnapshotVersion = 1

// Snapshot is the persisted form of the cache. Entries are written as an
// array; historical snapshots encoded them as a key-indexed map, which the
// decoder still accepts.
type Snapshot struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"saved_at"`
	Entries []*CacheEntry `json:"entries"`
}

// SnapshotStore is the persistence substrate: an opaque byte area holding at
// most one snapshot, with a platform-imposed size ceiling. Save returns
// ErrStorageQuotaExceeded when the payload does not fit; Load returns
// ErrSnapshotNotFound when nothing has been persisted yet.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	Close() error
}

type SnapshotStoreCreator func(ctx context.Context, config interface{}) (SnapshotStore, error)

type StorageInfo struct {
	Backend      string        `json:"backend"`
	Enabled      bool          `json:"enabled"`
	UsedBytes    int64         `json:"used_bytes"`
	SoftLimit    int64         `json:"soft_limit"`
	HardLimit    int64         `json:"hard_limit"`
	MinimalLimit int64         `json:"minimal_limit"`
	Pressure     PressureLevel `json:"pressure"`
	LastPersist  time.Time     `json:"last_persist,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Degraded     bool          `json:"degraded"`
}

// PersistenceManager mirrors the in-memory store to a SnapshotStore with
// tiered degradation under size pressure.
type PersistenceManager interface {
	LifecycleManager
	Restore(ctx context.Context) ([]*CacheEntry, error)
	Persist(ctx context.Context, entries []*CacheEntry) error
	ClearPersisted(ctx context.Context) error
	Info() StorageInfo
}
