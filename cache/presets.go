package cache

import (
	"time"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

// Freshness presets per transit data class. Static reference data (agencies,
// routes, stops) changes on a timescale of days; schedules roll over daily;
// live vehicle positions are useless within minutes.
var (
	Agencies = types.FreshnessPolicy{
		TTL:                  24 * time.Hour,
		MaxAge:               7 * 24 * time.Hour,
		StaleWhileRevalidate: true,
	}

	Routes = types.FreshnessPolicy{
		TTL:                  24 * time.Hour,
		MaxAge:               7 * 24 * time.Hour,
		StaleWhileRevalidate: true,
	}

	Stops = types.FreshnessPolicy{
		TTL:                  24 * time.Hour,
		MaxAge:               7 * 24 * time.Hour,
		StaleWhileRevalidate: true,
	}

	Schedules = types.FreshnessPolicy{
		TTL:                  24 * time.Hour,
		MaxAge:               3 * 24 * time.Hour,
		StaleWhileRevalidate: true,
	}

	StopTimes = types.FreshnessPolicy{
		TTL:                  24 * time.Hour,
		MaxAge:               3 * 24 * time.Hour,
		StaleWhileRevalidate: true,
	}

	Vehicles = types.FreshnessPolicy{
		TTL:                  30 * time.Second,
		MaxAge:               5 * time.Minute,
		StaleWhileRevalidate: true,
	}

	LiveData = types.FreshnessPolicy{
		TTL:                  30 * time.Second,
		MaxAge:               2 * time.Minute,
		StaleWhileRevalidate: true,
	}
)

func defaultPresets() map[string]types.FreshnessPolicy {
	return map[string]types.FreshnessPolicy{
		"agencies":   Agencies,
		"routes":     Routes,
		"stops":      Stops,
		"schedules":  Schedules,
		"stop_times": StopTimes,
		"vehicles":   Vehicles,
		"live":       LiveData,
	}
}

// Presets merges config overrides over the built-in defaults, keyed by the
// data-class prefix of cache keys.
func Presets(overrides map[string]types.FreshnessPolicy) map[string]types.FreshnessPolicy {
	presets := defaultPresets()
	for name, policy := range overrides {
		presets[name] = policy
	}
	return presets
}

// PresetFor resolves a freshness policy from a key's type prefix.
func PresetFor(presets map[string]types.FreshnessPolicy, key string) (types.FreshnessPolicy, bool) {
	policy, ok := presets[utils.KeyType(key)]
	return policy, ok
}
