package service

import (
	"sync/atomic"

	"github.com/transitlive/transit-cache/cache"
	"github.com/transitlive/transit-cache/logger"
	"github.com/transitlive/transit-cache/metrics"
	"github.com/transitlive/transit-cache/storage"
	"github.com/transitlive/transit-cache/types"
)

// Container holds the wired components behind atomic pointers so callers can
// read them without locks. Every Service owns its own container; nothing is
// process-global.
type Container struct {
	Config      atomic.Pointer[types.ConfigManager]
	Logger      atomic.Pointer[types.LoggerManager]
	Bus         atomic.Pointer[types.EventBus]
	Metrics     atomic.Pointer[types.MetricsManager]
	Health      atomic.Pointer[types.HealthManager]
	Persistence atomic.Pointer[types.PersistenceManager]
	Cache       atomic.Pointer[types.CacheManager]
	Scheduler   atomic.Pointer[types.SchedulerManager]
	Server      atomic.Pointer[types.LifecycleManager]
	Stream      atomic.Pointer[types.LifecycleManager]
}

func NewContainer() *Container {
	return &Container{}
}

func (c *Container) GetConfig() types.ConfigManager {
	if ptr := c.Config.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetLogger() types.LoggerManager {
	if ptr := c.Logger.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetBus() types.EventBus {
	if ptr := c.Bus.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetMetrics() types.MetricsManager {
	if ptr := c.Metrics.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetHealth() types.HealthManager {
	if ptr := c.Health.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetPersistence() types.PersistenceManager {
	if ptr := c.Persistence.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetCache() types.CacheManager {
	if ptr := c.Cache.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetScheduler() types.SchedulerManager {
	if ptr := c.Scheduler.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetServer() types.LifecycleManager {
	if ptr := c.Server.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetStream() types.LifecycleManager {
	if ptr := c.Stream.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) SetConfig(manager types.ConfigManager) {
	c.Config.Store(&manager)
}

func (c *Container) SetLogger(manager types.LoggerManager) {
	c.Logger.Store(&manager)
}

func (c *Container) SetBus(bus types.EventBus) {
	c.Bus.Store(&bus)
}

func (c *Container) SetMetrics(manager types.MetricsManager) {
	c.Metrics.Store(&manager)
}

func (c *Container) SetHealth(manager types.HealthManager) {
	c.Health.Store(&manager)
}

func (c *Container) SetPersistence(manager types.PersistenceManager) {
	c.Persistence.Store(&manager)
}

func (c *Container) SetCache(manager types.CacheManager) {
	c.Cache.Store(&manager)
}

func (c *Container) SetScheduler(manager types.SchedulerManager) {
	c.Scheduler.Store(&manager)
}

func (c *Container) SetServer(manager types.LifecycleManager) {
	c.Server.Store(&manager)
}

func (c *Container) SetStream(manager types.LifecycleManager) {
	c.Stream.Store(&manager)
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	cache.RegisterCacheManager(cacheManagerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterSnapshotStore(storeType string, creator types.SnapshotStoreCreator) {
	storage.RegisterSnapshotStore(storeType, creator)
}
