package health

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/transitlive/transit-cache/types"
)

const checkTimeout = 5 * time.Second

// Manager runs registered checkers on demand and aggregates them into a
// single report. Checkers are registered by the components that own the
// resource being checked.
type Manager struct {
	logger    types.Logger
	service   types.ServiceInfo
	checkers  map[string]types.HealthChecker
	mu        sync.RWMutex
	startedAt time.Time
	running   int32
}

func NewManager(logger types.Logger, config *types.ServiceConfig) (types.HealthManager, error) {
	host, _ := os.Hostname()

	service := types.ServiceInfo{
		Name:    config.Name,
		Version: config.Version,
		Host:    host,
	}
	if config.Server != nil {
		service.Port = config.Server.Port
	}

	return &Manager{
		logger:   logger,
		service:  service,
		checkers: make(map[string]types.HealthChecker),
	}, nil
}

func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	m.startedAt = time.Now()
	m.logger.Info("Health manager started")
	return nil
}

func (m *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	if name == "" || checker == nil {
		return
	}

	m.mu.Lock()
	m.checkers[name] = checker
	m.mu.Unlock()

	m.logger.Debug("Health checker registered", zap.String("checker", name))
}

func (m *Manager) Check(ctx context.Context) types.HealthReport {
	m.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(m.checkers))
	for name, checker := range m.checkers {
		checkers[name] = checker
	}
	m.mu.RUnlock()

	report := types.HealthReport{
		Status:    types.StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startedAt),
		Service:   m.service,
		Checks:    make(map[string]types.HealthCheck, len(checkers)),
	}

	for name, checker := range checkers {
		check := m.runChecker(ctx, name, checker)
		report.Checks[name] = check

		report.Summary.Total++
		switch check.Status {
		case types.StatusHealthy:
			report.Summary.Healthy++
		case types.StatusUnhealthy:
			report.Summary.Unhealthy++
			report.Status = types.StatusUnhealthy
		default:
			report.Summary.Unknown++
			if report.Status == types.StatusHealthy {
				report.Status = types.StatusUnknown
			}
		}
	}

	return report
}

func (m *Manager) runChecker(ctx context.Context, name string, checker types.HealthChecker) (check types.HealthCheck) {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in health checker",
				zap.String("checker", name),
				zap.Any("panic", r))

			check = types.HealthCheck{
				Name:    name,
				Status:  types.StatusUnhealthy,
				Message: "checker panicked",
			}
		}

		check.Name = name
		check.LastCheck = started
		check.Duration = time.Since(started)
	}()

	done := make(chan types.HealthCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: "checker panicked",
				}
			}
		}()
		done <- checker(checkCtx)
	}()

	select {
	case check = <-done:
	case <-checkCtx.Done():
		check = types.HealthCheck{
			Status:  types.StatusUnknown,
			Message: types.ErrHealthCheckTimeout.Error(),
		}
	}

	return check
}
