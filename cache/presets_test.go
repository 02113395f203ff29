package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlive/transit-cache/types"
)

func TestPresetForResolvesByKeyPrefix(t *testing.T) {
	presets := Presets(nil)

	policy, ok := PresetFor(presets, "vehicles:2")
	require.True(t, ok)
	assert.Equal(t, Vehicles, policy)

	policy, ok = PresetFor(presets, "routes:44-east")
	require.True(t, ok)
	assert.Equal(t, Routes, policy)

	_, ok = PresetFor(presets, "unknown:thing")
	assert.False(t, ok)
}

func TestPresetForKeyWithoutQualifier(t *testing.T) {
	presets := Presets(nil)

	policy, ok := PresetFor(presets, "agencies")
	require.True(t, ok)
	assert.Equal(t, Agencies, policy)
}

func TestPresetsMergeOverrides(t *testing.T) {
	custom := types.FreshnessPolicy{
		TTL:                  time.Minute,
		MaxAge:               10 * time.Minute,
		StaleWhileRevalidate: false,
	}

	presets := Presets(map[string]types.FreshnessPolicy{
		"vehicles": custom,
		"weather":  LiveData,
	})

	policy, ok := PresetFor(presets, "vehicles:2")
	require.True(t, ok)
	assert.Equal(t, custom, policy, "overrides replace defaults")

	policy, ok = PresetFor(presets, "weather:seattle")
	require.True(t, ok)
	assert.Equal(t, LiveData, policy, "overrides may add new data classes")

	policy, ok = PresetFor(presets, "routes:44")
	require.True(t, ok)
	assert.Equal(t, Routes, policy, "untouched defaults survive the merge")
}

func TestDefaultPresetsFreshnessOrdering(t *testing.T) {
	for name, policy := range defaultPresets() {
		assert.Greater(t, policy.MaxAge, policy.TTL, "preset %q must allow a stale window", name)
		assert.True(t, policy.StaleWhileRevalidate, "preset %q must revalidate in the background", name)
	}
}
