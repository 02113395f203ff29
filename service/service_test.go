package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlive/transit-cache/cache"
	"github.com/transitlive/transit-cache/config"
	"github.com/transitlive/transit-cache/types"
)

func testServiceConfig() *types.ServiceConfig {
	cfg := config.NewLoader().Defaults()
	cfg.Name = "transit-cache-test"
	cfg.Logger.Level = "error"
	cfg.Sweep.Enabled = false
	return cfg
}

func TestNewServiceWithConfigBuildsContainer(t *testing.T) {
	svc, err := NewServiceWithConfig(context.Background(), testServiceConfig())
	require.NoError(t, err)

	container := svc.Container()
	assert.NotNil(t, container.GetConfig())
	assert.NotNil(t, container.GetLogger())
	assert.NotNil(t, container.GetBus())
	assert.NotNil(t, container.GetCache())
	assert.NotNil(t, container.GetHealth())

	// Disabled components stay out of the container.
	assert.Nil(t, container.GetMetrics())
	assert.Nil(t, container.GetPersistence())
	assert.Nil(t, container.GetServer())
	assert.Nil(t, container.GetStream())
	assert.Nil(t, container.GetScheduler())

	assert.False(t, svc.IsRunning())
}

func TestNewServiceWithConfigRejectsNil(t *testing.T) {
	_, err := NewServiceWithConfig(context.Background(), nil)
	assert.Error(t, err)
}

func TestServiceStartStop(t *testing.T) {
	svc, err := NewServiceWithConfig(context.Background(), testServiceConfig())
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		startErr <- svc.Start()
	}()

	require.Eventually(t, func() bool {
		return svc.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	// The cache is live while the service runs.
	cacheManager := svc.Cache()
	require.NotNil(t, cacheManager)
	require.NoError(t, cacheManager.Set("routes:44", "ballard", cache.Routes))

	data, ok := cacheManager.GetCached("routes:44", cache.Routes)
	require.True(t, ok)
	assert.Equal(t, "ballard", data)

	require.NoError(t, svc.Stop())

	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not shut down")
	}

	assert.False(t, svc.IsRunning())
}

func TestServiceSchedulesStorageFlush(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Sweep.Enabled = true
	cfg.Sweep.Spec = "@every 1h"
	cfg.Storage.Enabled = true
	cfg.Storage.Type = "file"
	cfg.Storage.Config = map[string]interface{}{
		"path": filepath.Join(t.TempDir(), "cache.snapshot"),
	}
	cfg.Storage.FlushSpec = "@every 1h"

	svc, err := NewServiceWithConfig(context.Background(), cfg)
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		startErr <- svc.Start()
	}()

	require.Eventually(t, func() bool {
		return svc.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	schedulerManager := svc.Container().GetScheduler()
	require.NotNil(t, schedulerManager)

	names := make([]string, 0, 2)
	for _, job := range schedulerManager.Jobs() {
		names = append(names, job.Name)
	}
	assert.Contains(t, names, sweepJobName)
	assert.Contains(t, names, flushJobName)

	require.NoError(t, svc.Stop())
	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not shut down")
	}
}

func TestServiceStopWhenNotRunning(t *testing.T) {
	svc, err := NewServiceWithConfig(context.Background(), testServiceConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestServiceStopsWhenParentContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	svc, err := NewServiceWithConfig(ctx, testServiceConfig())
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		startErr <- svc.Start()
	}()

	require.Eventually(t, func() bool {
		return svc.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not react to context cancellation")
	}
}

func TestServiceHealthCheckersRegistered(t *testing.T) {
	svc, err := NewServiceWithConfig(context.Background(), testServiceConfig())
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		startErr <- svc.Start()
	}()
	require.Eventually(t, func() bool {
		return svc.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)
	defer func() {
		_ = svc.Stop()
		<-startErr
	}()

	report := svc.Container().GetHealth().Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "cache")
}

func TestContainerNilSafety(t *testing.T) {
	container := NewContainer()

	assert.Nil(t, container.GetConfig())
	assert.Nil(t, container.GetCache())
	assert.Nil(t, container.GetServer())

	bus := cache.NewEventBus(nil)
	container.SetBus(bus)
	assert.NotNil(t, container.GetBus())
}
