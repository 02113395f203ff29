package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

// AdminServer exposes the cache over a small fasthttp surface: health,
// stats, storage info, metrics, config introspection, and cache
// invalidation.
type AdminServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.ServerConfig
	configManager   types.ConfigManager
	cache           types.CacheManager
	health          types.HealthManager
	metrics         types.MetricsManager
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewAdminServer(
	ctx context.Context,
	logger types.Logger,
	configManager types.ConfigManager,
	cache types.CacheManager,
	health types.HealthManager,
	metrics types.MetricsManager,
) (*AdminServer, error) {
	if configManager == nil || configManager.GetConfig() == nil || configManager.GetConfig().Server == nil {
		return nil, types.ErrConfigIsNil
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := &AdminServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		config:          configManager.GetConfig().Server,
		configManager:   configManager,
		cache:           cache,
		health:          health,
		metrics:         metrics,
		shutdownTimeout: 5 * time.Second,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (s *AdminServer) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	s.server = &fasthttp.Server{
		Handler:      s.handle,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.IdleTimeout) * time.Second,
		CloseOnShutdown: true,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "admin listener failed")
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("Admin server failed", zap.Error(err))
			s.setState(StateStopped)
		}
	}()

	s.logger.Info("Admin server started", zap.String("address", addr))
	return nil
}

func (s *AdminServer) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if s.server != nil {
			if s.listener != nil {
				if err := s.listener.Close(); err != nil {
					s.logger.Error("Failed to close listener", zap.Error(err))
				}
			}

			return s.server.ShutdownWithContext(ctx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			s.logger.Warn("Admin server stop timeout")
		default:
			s.logger.Error("Error during admin server shutdown", zap.Error(err))
		}
	} else {
		s.logger.Info("Admin server stopped gracefully")
	}

	return nil
}

func (s *AdminServer) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *AdminServer) handle(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == fasthttp.MethodGet && path == "/health":
		s.handleHealth(ctx)
	case method == fasthttp.MethodGet && path == "/stats":
		s.handleStats(ctx)
	case method == fasthttp.MethodGet && path == "/storage":
		s.handleStorage(ctx)
	case method == fasthttp.MethodGet && path == "/metrics":
		s.handleMetrics(ctx)
	case method == fasthttp.MethodGet && strings.HasPrefix(path, "/config/"):
		s.handleConfig(ctx, strings.TrimPrefix(path, "/config/"))
	case method == fasthttp.MethodDelete && path == "/cache":
		s.handleClearAll(ctx)
	case method == fasthttp.MethodDelete && strings.HasPrefix(path, "/cache/"):
		s.handleClear(ctx, strings.TrimPrefix(path, "/cache/"))
	default:
		utils.WriteError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *AdminServer) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "health manager disabled")
		return
	}

	report := s.health.Check(s.ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, report)
}

func (s *AdminServer) handleStats(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, s.cache.Stats())
}

func (s *AdminServer) handleStorage(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, s.cache.StorageInfo())
}

func (s *AdminServer) handleMetrics(ctx *fasthttp.RequestCtx) {
	if s.metrics == nil {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "metrics disabled")
		return
	}

	body, err := s.metrics.Expose()
	if err != nil {
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, "failed to gather metrics")
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleConfig resolves a dotted path into the running configuration, e.g.
// GET /config/cache.max_entry_bytes or /config/storage.type.
func (s *AdminServer) handleConfig(ctx *fasthttp.RequestCtx, path string) {
	if path == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "config path is required")
		return
	}

	value := s.configManager.GetValue(path, nil)
	if value == nil {
		utils.WriteError(ctx, fasthttp.StatusNotFound, "config path not found")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"path":  path,
		"value": value,
	})
}

func (s *AdminServer) handleClearAll(ctx *fasthttp.RequestCtx) {
	cleared := s.cache.ClearAll()
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status":  "cleared",
		"entries": cleared,
	})
}

func (s *AdminServer) handleClear(ctx *fasthttp.RequestCtx, key string) {
	if key == "" {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "cache key is required")
		return
	}

	existed := s.cache.Clear(key)
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status":  "cleared",
		"key":     key,
		"existed": existed,
	})
}

func (s *AdminServer) getState() State {
	return s.state.Load().(State)
}

func (s *AdminServer) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *AdminServer) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
