package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// DataCache is the authoritative key-to-entry map. It owns entry lifecycle
// (creation, freshness classification, expiry) and delegates persistence to
// the PersistenceManager and notifications to the EventBus. Freshness on the
// access path is classified against the policy the caller passes, not the one
// stored with the entry; stored policies only govern the sweep and the
// persisted snapshot.
type DataCache struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	bus          types.EventBus
	persistence  types.PersistenceManager
	connectivity types.ConnectivityChecker

	maxEntryBytes int64
	softLimit     int64
	flushOnSet    bool

	data map[string]*types.CacheEntry
	mu   sync.RWMutex

	flights    singleflight.Group
	refreshing sync.Map

	hits      uint64
	misses    uint64
	refreshes uint64
	coalesced uint64

	state           atomic.Value
	shutdownTimeout time.Duration
	now             func() time.Time
}

func NewDataCache(
	ctx context.Context,
	logger types.Logger,
	cacheConfig *types.CacheConfig,
	storageConfig *types.StorageConfig,
	bus types.EventBus,
	persistence types.PersistenceManager,
	connectivity types.ConnectivityChecker,
) (*DataCache, error) {
	if cacheConfig == nil {
		return nil, types.ErrConfigIsNil
	}

	if connectivity == nil {
		connectivity = NewStaticConnectivity(true)
	}

	var softLimit int64
	var flushOnSet bool
	if storageConfig != nil {
		softLimit = storageConfig.SoftLimitBytes
		flushOnSet = storageConfig.Enabled && storageConfig.FlushOnSet
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	c := &DataCache{
		ctx:             cacheCtx,
		cancel:          cancel,
		logger:          logger,
		bus:             bus,
		persistence:     persistence,
		connectivity:    connectivity,
		maxEntryBytes:   cacheConfig.MaxEntryBytes,
		softLimit:       softLimit,
		flushOnSet:      flushOnSet,
		data:            make(map[string]*types.CacheEntry),
		shutdownTimeout: 10 * time.Second,
		now:             time.Now,
	}

	c.state.Store(StateStopped)

	return c, nil
}

func (c *DataCache) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	if c.persistence != nil {
		entries, err := c.persistence.Restore(c.ctx)
		if err != nil {
			// A corrupt or unreadable snapshot means a cold start, never a
			// failed one.
			c.logger.Warn("Cache starting cold, snapshot restore failed", zap.Error(err))
		} else if len(entries) > 0 {
			c.mu.Lock()
			for _, entry := range entries {
				entry.Source = types.SourceCache
				c.data[entry.Key] = entry
			}
			c.mu.Unlock()

			c.logger.Info("Cache restored from snapshot", zap.Int("entries", len(entries)))
		}
	}

	c.logger.Info("Data cache started")
	return nil
}

func (c *DataCache) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if c.persistence == nil {
			return nil
		}
		return c.persistence.Persist(gCtx, c.Entries())
	})

	if err := g.Wait(); err != nil {
		c.logger.Error("Final cache flush failed", zap.Error(err))
	} else {
		c.logger.Info("Data cache stopped gracefully")
	}

	return nil
}

func (c *DataCache) IsRunning() bool {
	return c.getState() == StateRunning
}

// Get returns cached data when fresh, serves stale data while revalidating in
// the background when the policy allows it, and otherwise fetches through the
// single-flight coordinator.
func (c *DataCache) Get(ctx context.Context, key string, fetcher types.Fetcher, policy types.FreshnessPolicy) (interface{}, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	now := c.now()

	c.mu.RLock()
	entry, exists := c.data[key]
	c.mu.RUnlock()

	if exists {
		age := entry.Age(now)
		valid := age < policy.MaxAge
		stale := age > policy.TTL

		if valid && !stale {
			atomic.AddUint64(&c.hits, 1)
			return entry.Data, nil
		}

		if valid && stale && policy.StaleWhileRevalidate {
			atomic.AddUint64(&c.hits, 1)
			c.scheduleRefresh(key, fetcher, policy)
			return entry.Data, nil
		}

		// Past TTL without revalidation, or expired outright. Offline, any
		// cached value beats no value.
		if !c.connectivity.Online() {
			atomic.AddUint64(&c.hits, 1)
			return entry.Data, nil
		}
	}

	atomic.AddUint64(&c.misses, 1)

	if fetcher == nil {
		return nil, types.ErrFetcherIsNil
	}

	return c.fetch(ctx, key, fetcher, policy)
}

func (c *DataCache) ForceRefresh(ctx context.Context, key string, fetcher types.Fetcher, policy types.FreshnessPolicy) (interface{}, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}
	if fetcher == nil {
		return nil, types.ErrFetcherIsNil
	}

	return c.fetch(ctx, key, fetcher, policy)
}

func (c *DataCache) Set(key string, data interface{}, policy types.FreshnessPolicy) error {
	return c.write(key, data, policy, types.SourceNetwork)
}

func (c *DataCache) write(key string, data interface{}, policy types.FreshnessPolicy, source types.Source) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	size, err := utils.SerializedSize(data)
	if err != nil {
		c.logger.Warn("Skipping cache write, value is not serializable",
			zap.String("key", key),
			zap.Error(err))
		return nil
	}

	if c.maxEntryBytes > 0 && size > c.maxEntryBytes {
		c.logger.Warn("Skipping cache write, entry exceeds size ceiling",
			zap.String("key", key),
			zap.String("size", utils.FormatBytes(size)),
			zap.String("ceiling", utils.FormatBytes(c.maxEntryBytes)))
		return nil
	}

	now := c.now()
	entry := &types.CacheEntry{
		Key:       key,
		Data:      data,
		Timestamp: now,
		CreatedAt: now,
		UpdatedAt: now,
		Policy:    policy,
		Source:    source,
		Size:      size,
	}

	c.mu.Lock()
	if old, ok := c.data[key]; ok {
		entry.CreatedAt = old.CreatedAt
	}
	c.data[key] = entry
	totalSize := c.totalSizeUnsafe()
	c.mu.Unlock()

	c.bus.Publish(types.CacheEvent{
		Type:      types.EventUpdated,
		Key:       key,
		Data:      data,
		Timestamp: now,
	})

	if c.softLimit > 0 && totalSize >= c.softLimit {
		c.logger.Debug("Cache size over soft limit after write",
			zap.String("total", utils.FormatBytes(totalSize)),
			zap.String("soft_limit", utils.FormatBytes(c.softLimit)))
	}

	c.persistAsync()
	return nil
}

func (c *DataCache) Has(key string, policy types.FreshnessPolicy) bool {
	c.mu.RLock()
	entry, exists := c.data[key]
	c.mu.RUnlock()

	if !exists {
		return false
	}

	return entry.Age(c.now()) < policy.MaxAge
}

func (c *DataCache) GetCached(key string, policy types.FreshnessPolicy) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.data[key]
	c.mu.RUnlock()

	if !exists || entry.Age(c.now()) >= policy.MaxAge {
		return nil, false
	}

	return entry.Data, true
}

func (c *DataCache) GetCachedStale(key string) (*types.StaleValue, bool) {
	c.mu.RLock()
	entry, exists := c.data[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	age := entry.Age(c.now())

	return &types.StaleValue{
		Data:      entry.Data,
		Age:       age,
		IsStale:   age > entry.Policy.TTL,
		Source:    entry.Source,
		Timestamp: entry.Timestamp,
	}, true
}

func (c *DataCache) Clear(key string) bool {
	c.mu.Lock()
	_, existed := c.data[key]
	delete(c.data, key)
	c.mu.Unlock()

	if !existed {
		return false
	}

	c.bus.Publish(types.CacheEvent{
		Type:      types.EventCleared,
		Key:       key,
		Timestamp: c.now(),
	})

	c.persistAsync()
	return true
}

func (c *DataCache) ClearAll() int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	c.data = make(map[string]*types.CacheEntry)
	c.mu.Unlock()

	now := c.now()
	for _, key := range keys {
		c.bus.Publish(types.CacheEvent{
			Type:      types.EventCleared,
			Key:       key,
			Timestamp: now,
		})
	}

	if c.persistence != nil {
		if err := c.persistence.ClearPersisted(c.ctx); err != nil {
			c.logger.Warn("Failed to clear persisted snapshot", zap.Error(err))
		}
	}

	return len(keys)
}

func (c *DataCache) CacheAge(key string) (time.Duration, bool) {
	c.mu.RLock()
	entry, exists := c.data[key]
	c.mu.RUnlock()

	if !exists {
		return 0, false
	}

	return entry.Age(c.now()), true
}

// Sweep removes every entry past its MaxAge, emitting an expired event per
// removed key. Invoked by the scheduler and independent of storage pressure.
func (c *DataCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var removed []string
	for key, entry := range c.data {
		if entry.Expired(now) {
			removed = append(removed, key)
			delete(c.data, key)
		}
	}
	c.mu.Unlock()

	for _, key := range removed {
		c.bus.Publish(types.CacheEvent{
			Type:      types.EventExpired,
			Key:       key,
			Timestamp: now,
		})
	}

	if len(removed) > 0 {
		c.logger.Debug("Expiry sweep completed", zap.Int("removed", len(removed)))
		c.persistAsync()
	}

	return len(removed)
}

func (c *DataCache) Stats() types.CacheStats {
	now := c.now()

	stats := types.CacheStats{
		ByType:    make(map[string]types.TypeStats),
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Refreshes: atomic.LoadUint64(&c.refreshes),
		Coalesced: atomic.LoadUint64(&c.coalesced),
	}

	c.mu.RLock()
	for key, entry := range c.data {
		stats.Entries++
		stats.TotalSize += entry.Size

		age := entry.Age(now)
		switch {
		case entry.Expired(now):
			stats.Expired++
		case entry.Stale(now):
			stats.Stale++
			stats.Valid++
		default:
			stats.Valid++
		}

		keyType := utils.KeyType(key)
		ts := stats.ByType[keyType]
		ts.Count++
		ts.Size += entry.Size
		stats.ByType[keyType] = ts

		if age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	c.mu.RUnlock()

	stats.Pressure = c.pressure(stats.TotalSize)

	return stats
}

func (c *DataCache) StorageInfo() types.StorageInfo {
	if c.persistence != nil {
		return c.persistence.Info()
	}

	c.mu.RLock()
	total := c.totalSizeUnsafe()
	c.mu.RUnlock()

	return types.StorageInfo{
		Backend:   "none",
		Enabled:   false,
		UsedBytes: total,
		Pressure:  c.pressure(total),
	}
}

func (c *DataCache) Subscribe(key string, listener types.EventListener) func() {
	return c.bus.Subscribe(key, listener)
}

// Entries returns a point-in-time copy of the stored entries, used by the
// persistence layer. Entries themselves are immutable once stored.
func (c *DataCache) Entries() []*types.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]*types.CacheEntry, 0, len(c.data))
	for _, entry := range c.data {
		entries = append(entries, entry)
	}
	return entries
}

// Flush persists the current entries synchronously.
func (c *DataCache) Flush(ctx context.Context) error {
	if c.persistence == nil {
		return nil
	}
	return c.persistence.Persist(ctx, c.Entries())
}

func (c *DataCache) persistAsync() {
	if c.persistence == nil || !c.flushOnSet {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic during async flush", zap.Any("panic", r))
			}
		}()

		if err := c.Flush(c.ctx); err != nil {
			c.logger.Warn("Async persistence flush failed", zap.Error(err))
		}
	}()
}

func (c *DataCache) pressure(total int64) types.PressureLevel {
	switch {
	case c.softLimit > 0 && total >= c.softLimit:
		return types.PressureCritical
	case c.softLimit > 0 && total*10 >= c.softLimit*8:
		return types.PressureElevated
	default:
		return types.PressureNone
	}
}

// totalSizeUnsafe must be called with c.mu held.
func (c *DataCache) totalSizeUnsafe() int64 {
	var total int64
	for _, entry := range c.data {
		total += entry.Size
	}
	return total
}

func (c *DataCache) getState() State {
	return c.state.Load().(State)
}

func (c *DataCache) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *DataCache) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
