package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlive/transit-cache/config"
	"github.com/transitlive/transit-cache/metrics"
	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

func newManagerWithMetrics(t *testing.T) (types.CacheManager, types.MetricsManager) {
	t.Helper()

	cfg := config.NewLoader().Defaults()
	configManager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	mm, err := metrics.NewMetricsManager(newTestLogger(), &types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, mm.Start())

	manager, err := NewCacheManager(context.Background(), configManager, newTestLogger(), mm, NewEventBus(newTestLogger()), nil)
	require.NoError(t, err)
	require.NoError(t, manager.Start())

	t.Cleanup(func() {
		_ = manager.Stop()
		_ = mm.Stop()
	})

	return manager, mm
}

func metricValues(t *testing.T, mm types.MetricsManager) map[string]float64 {
	t.Helper()

	raw, err := mm.Expose()
	require.NoError(t, err)

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal(raw, &values))

	byKey := make(map[string]float64, len(values))
	for _, value := range values {
		key := value.Name
		for _, label := range []string{"operation", "result"} {
			if v, ok := value.Labels[label]; ok {
				key += "|" + v
			}
		}
		byKey[key] = value.Value
	}
	return byKey
}

func TestManagerInstrumentsOperations(t *testing.T) {
	manager, mm := newManagerWithMetrics(t)

	require.NoError(t, manager.Set("routes:44", "ballard", Routes))

	_, err := manager.Get(context.Background(), "routes:44", nil, Routes)
	require.NoError(t, err)

	_, ok := manager.GetCached("routes:44", Routes)
	require.True(t, ok)
	_, ok = manager.GetCached("missing", Routes)
	require.False(t, ok)

	values := metricValues(t, mm)
	assert.Equal(t, float64(1), values["cache_operations_total|set|success"])
	assert.Equal(t, float64(1), values["cache_operations_total|get|success"])
	assert.Equal(t, float64(1), values["cache_operations_total|get_cached|hit"])
	assert.Equal(t, float64(1), values["cache_operations_total|get_cached|miss"])
}

func TestManagerInstrumentsSweep(t *testing.T) {
	manager, mm := newManagerWithMetrics(t)

	require.NoError(t, manager.Set("routes:44", "ballard", Routes))
	assert.Zero(t, manager.Sweep(), "fresh entries are never swept")

	values := metricValues(t, mm)
	assert.Equal(t, float64(0), values["cache_swept_entries_total"])
	assert.Equal(t, float64(1), values["cache_operations_total|sweep|success"])
}

func TestManagerClearResults(t *testing.T) {
	manager, mm := newManagerWithMetrics(t)

	require.NoError(t, manager.Set("routes:44", "ballard", Routes))
	assert.True(t, manager.Clear("routes:44"))
	assert.False(t, manager.Clear("routes:44"))

	values := metricValues(t, mm)
	assert.Equal(t, float64(1), values["cache_operations_total|clear|success"])
	assert.Equal(t, float64(1), values["cache_operations_total|clear|noop"])
}

func TestNewCacheManagerCustomType(t *testing.T) {
	var received interface{}
	RegisterCacheManager("recording", func(cacheConfig interface{}) (types.CacheManager, error) {
		received = cacheConfig
		c, err := NewDataCache(context.Background(), newTestLogger(), cacheConfig.(*types.CacheConfig), nil, NewEventBus(newTestLogger()), nil, nil)
		return c, err
	})

	cfg := config.NewLoader().Defaults()
	cfg.Cache.Type = "recording"
	configManager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	manager, err := NewCacheManager(context.Background(), configManager, newTestLogger(), nil, NewEventBus(newTestLogger()), nil)
	require.NoError(t, err)
	assert.NotNil(t, manager)
	assert.Same(t, cfg.Cache, received)

	cfg.Cache.Type = "unregistered"
	_, err = NewCacheManager(context.Background(), configManager, newTestLogger(), nil, NewEventBus(newTestLogger()), nil)
	assert.True(t, types.IsError(err, types.ErrCacheTypeUnknown))
}

func TestNewCacheManagerWithoutMetrics(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	configManager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	manager, err := NewCacheManager(context.Background(), configManager, newTestLogger(), nil, NewEventBus(newTestLogger()), nil)
	require.NoError(t, err)

	_, ok := manager.(*DataCache)
	assert.True(t, ok, "no metrics means no instrumentation wrapper")
}
