package metrics

import (
	"sync"

	"github.com/transitlive/transit-cache/types"
)

var (
	metricsCreators = make(map[string]types.MetricsManagerCreator)
	creatorsMutex   sync.RWMutex
)

func RegisterMetricsManager(metricsType string, creator types.MetricsManagerCreator) {
	creatorsMutex.Lock()
	defer creatorsMutex.Unlock()
	metricsCreators[metricsType] = creator
}

func init() {
	RegisterMetricsManager("prometheus", NewPrometheusMetrics)
	RegisterMetricsManager("memory", NewMemoryMetrics)
}

// NewMetricsManager builds the backend named by the config. Returns
// ErrMetricsIsDisabled when metrics are off so the caller can pass nil
// downstream and skip instrumentation entirely.
func NewMetricsManager(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	metricsType := config.Type
	if metricsType == "" {
		metricsType = "prometheus"
	}

	creatorsMutex.RLock()
	creator, exists := metricsCreators[metricsType]
	creatorsMutex.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "unsupported metrics type: %s", metricsType)
	}

	return creator(logger, config)
}
