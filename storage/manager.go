package storage

import (
	"context"
	"sync"

	"github.com/transitlive/transit-cache/types"
)

var (
	storeCreators = make(map[string]types.SnapshotStoreCreator)
	creatorsMutex sync.RWMutex
)

func RegisterSnapshotStore(storeType string, creator types.SnapshotStoreCreator) {
	creatorsMutex.Lock()
	defer creatorsMutex.Unlock()
	storeCreators[storeType] = creator
}

func init() {
	RegisterSnapshotStore("file", NewFileStore)
	RegisterSnapshotStore("clover", NewCloverStore)
	RegisterSnapshotStore("redis", NewRedisStore)
	RegisterSnapshotStore("sqlite", NewSQLiteStore)
}

func createSnapshotStore(ctx context.Context, config *types.StorageConfig) (types.SnapshotStore, error) {
	creatorsMutex.RLock()
	creator, exists := storeCreators[config.Type]
	creatorsMutex.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrStorageTypeUnknown, "unsupported store type: %s", config.Type)
	}

	return creator(ctx, config.Config)
}

// NewPersistenceManager builds the snapshot substrate named by the config and
// wraps it in a PersistenceAdapter. Returns ErrStorageIsDisabled when
// persistence is off so the caller can run memory-only.
func NewPersistenceManager(
	ctx context.Context,
	logger types.Logger,
	config *types.StorageConfig,
	bus types.EventBus,
) (types.PersistenceManager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	if !config.Enabled {
		return nil, types.ErrStorageIsDisabled
	}

	store, err := createSnapshotStore(ctx, config)
	if err != nil {
		return nil, types.WrapError(err, "failed to create snapshot store")
	}

	return NewPersistenceAdapter(ctx, logger, config, bus, store)
}
