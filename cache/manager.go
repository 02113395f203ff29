package cache

import (
	"context"
	"time"

	"github.com/transitlive/transit-cache/types"
)

var customCacheCreators = make(map[string]types.CacheManagerCreator)

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	customCacheCreators[cacheManagerName] = creator
}

func NewCacheManager(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	bus types.EventBus,
	persistence types.PersistenceManager,
) (types.CacheManager, error) {
	cacheConfig := config.GetConfig().Cache
	if cacheConfig == nil {
		return nil, types.ErrConfigIsNil
	}

	if cacheConfig.Type != "" {
		creator, exists := customCacheCreators[cacheConfig.Type]
		if !exists {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "cache type: %s", cacheConfig.Type)
		}
		return creator(cacheConfig)
	}

	connectivity := NewConnectivityChecker(cacheConfig.Connectivity)

	impl, err := NewDataCache(ctx, logger, cacheConfig, config.GetConfig().Storage, bus, persistence, connectivity)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedCacheManager(logger, metrics, impl), nil
}

type instrumentedCacheManager struct {
	impl    types.CacheManager
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedCacheManager(logger types.Logger, metrics types.MetricsManager, impl types.CacheManager) types.CacheManager {
	return &instrumentedCacheManager{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (icm *instrumentedCacheManager) Get(ctx context.Context, key string, fetcher types.Fetcher, policy types.FreshnessPolicy) (interface{}, error) {
	start := time.Now()
	data, err := icm.impl.Get(ctx, key, fetcher, policy)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	icm.recordMetric("get", result, duration)
	return data, err
}

func (icm *instrumentedCacheManager) ForceRefresh(ctx context.Context, key string, fetcher types.Fetcher, policy types.FreshnessPolicy) (interface{}, error) {
	start := time.Now()
	data, err := icm.impl.ForceRefresh(ctx, key, fetcher, policy)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	icm.recordMetric("force_refresh", result, duration)
	return data, err
}

func (icm *instrumentedCacheManager) Set(key string, data interface{}, policy types.FreshnessPolicy) error {
	start := time.Now()
	err := icm.impl.Set(key, data, policy)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	icm.recordMetric("set", result, duration)
	return err
}

func (icm *instrumentedCacheManager) Has(key string, policy types.FreshnessPolicy) bool {
	return icm.impl.Has(key, policy)
}

func (icm *instrumentedCacheManager) GetCached(key string, policy types.FreshnessPolicy) (interface{}, bool) {
	start := time.Now()
	data, ok := icm.impl.GetCached(key, policy)
	duration := time.Since(start)

	result := "miss"
	if ok {
		result = "hit"
	}

	icm.recordMetric("get_cached", result, duration)
	return data, ok
}

func (icm *instrumentedCacheManager) GetCachedStale(key string) (*types.StaleValue, bool) {
	return icm.impl.GetCachedStale(key)
}

func (icm *instrumentedCacheManager) Clear(key string) bool {
	start := time.Now()
	removed := icm.impl.Clear(key)
	duration := time.Since(start)

	result := "noop"
	if removed {
		result = "success"
	}

	icm.recordMetric("clear", result, duration)
	return removed
}

func (icm *instrumentedCacheManager) ClearAll() int {
	start := time.Now()
	removed := icm.impl.ClearAll()
	duration := time.Since(start)

	icm.recordMetric("clear_all", "success", duration)
	return removed
}

func (icm *instrumentedCacheManager) CacheAge(key string) (time.Duration, bool) {
	return icm.impl.CacheAge(key)
}

func (icm *instrumentedCacheManager) Sweep() int {
	start := time.Now()
	removed := icm.impl.Sweep()
	duration := time.Since(start)

	icm.recordMetric("sweep", "success", duration)

	counter := icm.metrics.Counter("cache_swept_entries_total", nil)
	counter.Add(float64(removed))

	return removed
}

func (icm *instrumentedCacheManager) Flush(ctx context.Context) error {
	start := time.Now()
	err := icm.impl.Flush(ctx)
	if err != nil {
		icm.recordMetric("flush", "error", time.Since(start))
		return err
	}

	icm.recordMetric("flush", "success", time.Since(start))
	return nil
}

func (icm *instrumentedCacheManager) Stats() types.CacheStats {
	return icm.impl.Stats()
}

func (icm *instrumentedCacheManager) StorageInfo() types.StorageInfo {
	return icm.impl.StorageInfo()
}

func (icm *instrumentedCacheManager) Subscribe(key string, listener types.EventListener) func() {
	return icm.impl.Subscribe(key, listener)
}

func (icm *instrumentedCacheManager) Start() error {
	return icm.impl.Start()
}

func (icm *instrumentedCacheManager) Stop() error {
	return icm.impl.Stop()
}

func (icm *instrumentedCacheManager) IsRunning() bool {
	return icm.impl.IsRunning()
}

func (icm *instrumentedCacheManager) recordMetric(operation, result string, duration time.Duration) {
	opCounter := icm.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := icm.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}
