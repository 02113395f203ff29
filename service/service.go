package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transitlive/transit-cache/cache"
	"github.com/transitlive/transit-cache/config"
	"github.com/transitlive/transit-cache/health"
	"github.com/transitlive/transit-cache/logger"
	"github.com/transitlive/transit-cache/metrics"
	"github.com/transitlive/transit-cache/scheduler"
	"github.com/transitlive/transit-cache/server"
	"github.com/transitlive/transit-cache/storage"
	"github.com/transitlive/transit-cache/stream"
	"github.com/transitlive/transit-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	sweepJobName = "cache_sweep"
	flushJobName = "storage_flush"
)

// Service wires the cache, its persistence, and the supporting managers into
// one explicitly constructed unit. Construct with NewService, run with Start.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	doneOnce        sync.Once
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	container       *Container
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "config file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		container:       NewContainer(),
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := service.buildComponents(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build components")
	}

	return service, nil
}

// NewServiceWithConfig wires a service from an in-memory config, bypassing
// the filesystem. Used by tests and embedders.
func NewServiceWithConfig(ctx context.Context, cfg *types.ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, types.ErrConfigIsNil
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		container:       NewContainer(),
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	service.state.Store(StateStopped)

	configManager, err := config.NewStaticManager(cfg)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create config manager")
	}
	service.container.SetConfig(configManager)

	if err := service.buildFromConfig(configManager); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build components")
	}

	return service, nil
}

func (s *Service) Container() *Container {
	return s.container
}

// Cache returns the wired cache manager; the primary programmatic surface.
func (s *Service) Cache() types.CacheManager {
	return s.container.GetCache()
}

func (s *Service) buildComponents() error {
	configManager, err := config.NewConfigurationManager(s.ctx, s.configPath)
	if err != nil {
		return types.WrapError(err, "failed to create config manager")
	}
	s.container.SetConfig(configManager)

	return s.buildFromConfig(configManager)
}

func (s *Service) buildFromConfig(configManager types.ConfigManager) error {
	cfg := configManager.GetConfig()

	loggerManager, err := logger.NewManager(s.ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to create logger")
	}
	s.container.SetLogger(loggerManager)

	metricsManager, err := metrics.NewMetricsManager(loggerManager, cfg.Metrics)
	if err != nil {
		if !types.IsError(err, types.ErrMetricsIsDisabled) {
			return types.WrapError(err, "failed to create metrics manager")
		}
		metricsManager = nil
	}
	if metricsManager != nil {
		s.container.SetMetrics(metricsManager)
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		healthManager, err := health.NewManager(loggerManager, cfg)
		if err != nil {
			return types.WrapError(err, "failed to create health manager")
		}
		s.container.SetHealth(healthManager)
	}

	bus := cache.NewEventBus(loggerManager)
	s.container.SetBus(bus)

	persistence, err := storage.NewPersistenceManager(s.ctx, loggerManager, cfg.Storage, bus)
	if err != nil {
		if !types.IsError(err, types.ErrStorageIsDisabled) {
			return types.WrapError(err, "failed to create persistence manager")
		}
		persistence = nil
	}
	if persistence != nil {
		s.container.SetPersistence(persistence)
	}

	cacheManager, err := cache.NewCacheManager(s.ctx, configManager, loggerManager, metricsManager, bus, persistence)
	if err != nil {
		return types.WrapError(err, "failed to create cache manager")
	}
	s.container.SetCache(cacheManager)

	if cfg.Sweep != nil && cfg.Sweep.Enabled {
		schedulerManager, err := scheduler.NewManager(s.ctx, loggerManager, cfg.Sweep, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to create scheduler")
		}
		s.container.SetScheduler(schedulerManager)
	}

	if cfg.Server != nil && cfg.Server.Enabled {
		adminServer, err := server.NewAdminServer(s.ctx, loggerManager, s.container.GetConfig(), cacheManager, s.container.GetHealth(), metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to create admin server")
		}
		s.container.SetServer(adminServer)
	}

	if cfg.Stream != nil && cfg.Stream.Enabled {
		forwarder, err := stream.NewForwarder(s.ctx, loggerManager, cfg.Stream, bus)
		if err != nil {
			return types.WrapError(err, "failed to create event forwarder")
		}
		s.container.SetStream(forwarder)
	}

	s.registerHealthCheckers()

	return nil
}

func (s *Service) registerHealthCheckers() {
	healthManager := s.container.GetHealth()
	if healthManager == nil {
		return
	}

	cacheManager := s.container.GetCache()
	healthManager.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		stats := cacheManager.Stats()

		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"entries":    stats.Entries,
				"valid":      stats.Valid,
				"stale":      stats.Stale,
				"total_size": stats.TotalSize,
				"pressure":   stats.Pressure,
			},
		}

		if !cacheManager.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "cache manager not running"
		}

		return check
	})

	persistence := s.container.GetPersistence()
	if persistence == nil {
		return
	}

	healthManager.RegisterChecker("storage", func(ctx context.Context) types.HealthCheck {
		info := persistence.Info()

		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"backend":    info.Backend,
				"used_bytes": info.UsedBytes,
				"pressure":   info.Pressure,
				"degraded":   info.Degraded,
			},
		}

		switch {
		case info.Degraded:
			check.Status = types.StatusUnhealthy
			check.Message = "storage degraded, running on emergency snapshots"
		case info.LastError != "":
			check.Status = types.StatusUnhealthy
			check.Message = info.LastError
		case info.Pressure == types.PressureCritical:
			check.Status = types.StatusUnhealthy
			check.Message = "storage pressure critical"
		}

		return check
	})
}

// Start runs the service until Stop is called or the context is canceled.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	log := s.container.GetLogger()

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				log.Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	log := s.container.GetLogger()
	log.Info("Starting service")

	if err := s.startComponents(); err != nil {
		s.setState(StateStopped)
		if stopErr := s.stopComponents(); stopErr != nil {
			log.Error("Failed to unwind partially started components", zap.Error(stopErr))
		}
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	log.Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		log.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	log.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	s.container.GetLogger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) startComponents() error {
	log := s.container.GetLogger()

	if err := log.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	if healthManager := s.container.GetHealth(); healthManager != nil {
		if err := healthManager.Start(); err != nil {
			return types.WrapError(err, "failed to start health manager")
		}
	}

	if metricsManager := s.container.GetMetrics(); metricsManager != nil {
		if err := metricsManager.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	if persistence := s.container.GetPersistence(); persistence != nil {
		if err := persistence.Start(); err != nil {
			return types.WrapError(err, "failed to start persistence manager")
		}
	}

	cacheManager := s.container.GetCache()
	if err := cacheManager.Start(); err != nil {
		return types.WrapError(err, "failed to start cache manager")
	}

	if schedulerManager := s.container.GetScheduler(); schedulerManager != nil {
		if err := schedulerManager.Start(); err != nil {
			return types.WrapError(err, "failed to start scheduler")
		}

		spec := s.container.GetConfig().GetConfig().Sweep.Spec
		if err := schedulerManager.Add(sweepJobName, spec, func() {
			if swept := cacheManager.Sweep(); swept > 0 {
				log.Debug("Expiry sweep removed entries", zap.Int("swept", swept))
			}
		}); err != nil {
			return types.WrapError(err, "failed to schedule expiry sweep")
		}

		storageConfig := s.container.GetConfig().GetConfig().Storage
		if storageConfig != nil && storageConfig.Enabled && storageConfig.FlushSpec != "" {
			if err := schedulerManager.Add(flushJobName, storageConfig.FlushSpec, func() {
				if err := cacheManager.Flush(s.ctx); err != nil {
					log.Error("Scheduled snapshot flush failed", zap.Error(err))
				}
			}); err != nil {
				return types.WrapError(err, "failed to schedule snapshot flush")
			}
		}
	}

	if adminServer := s.container.GetServer(); adminServer != nil {
		if err := adminServer.Start(); err != nil {
			return types.WrapError(err, "failed to start admin server")
		}
	}

	if forwarder := s.container.GetStream(); forwarder != nil {
		if err := forwarder.Start(); err != nil {
			// A missing dashboard endpoint must not take the cache down.
			log.Error("Failed to start event forwarder", zap.Error(err))
		}
	}

	log.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	log := s.container.GetLogger()
	log.Info("Stopping service components...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	if forwarder := s.container.GetStream(); forwarder != nil && forwarder.IsRunning() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return forwarder.Stop()
			}
		})
	}

	if adminServer := s.container.GetServer(); adminServer != nil && adminServer.IsRunning() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return adminServer.Stop()
			}
		})
	}

	if schedulerManager := s.container.GetScheduler(); schedulerManager != nil && schedulerManager.IsRunning() {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return schedulerManager.Stop()
			}
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("Error stopping outer components", zap.Error(err))
	}

	// The cache flushes its final snapshot before persistence closes.
	if cacheManager := s.container.GetCache(); cacheManager != nil && cacheManager.IsRunning() {
		if err := cacheManager.Stop(); err != nil {
			log.Error("Failed to stop cache manager", zap.Error(err))
		}
	}

	if persistence := s.container.GetPersistence(); persistence != nil && persistence.IsRunning() {
		if err := persistence.Stop(); err != nil {
			log.Error("Failed to stop persistence manager", zap.Error(err))
		}
	}

	if bus := s.container.GetBus(); bus != nil {
		bus.Close()
	}

	if metricsManager := s.container.GetMetrics(); metricsManager != nil && metricsManager.IsRunning() {
		if err := metricsManager.Stop(); err != nil {
			log.Error("Failed to stop metrics manager", zap.Error(err))
		}
	}

	if healthManager := s.container.GetHealth(); healthManager != nil && healthManager.IsRunning() {
		if err := healthManager.Stop(); err != nil {
			log.Error("Failed to stop health manager", zap.Error(err))
		}
	}

	if log.IsRunning() {
		if err := log.Stop(); err != nil {
			return types.WrapError(err, "failed to stop logger")
		}
	}

	return nil
}

func (s *Service) setupSignalHandling() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-signals:
			s.container.GetLogger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			s.cancel()
		case <-s.ctx.Done():
		}

		signal.Stop(signals)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()

	<-s.ctx.Done()
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
