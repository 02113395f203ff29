package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrCacheKeyEmpty     = errors.New("cache key empty")
	ErrCacheMiss         = errors.New("cache miss")
	ErrEntryTooLarge     = errors.New("cache entry too large")
	ErrFetcherIsNil      = errors.New("fetcher is nil")
	ErrCacheIsDisabled   = errors.New("cache manager is disabled")
	ErrCacheTypeUnknown  = errors.New("cache type unknown")
	ErrListenerIsNil     = errors.New("event listener is nil")
	ErrEventBusClosed    = errors.New("event bus closed")
	ErrFetchFailed       = errors.New("fetch failed")
	ErrNoDataAvailable   = errors.New("no data available")
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

var (
	ErrStorageTypeUnknown    = errors.New("storage type unknown")
	ErrStorageQuotaExceeded  = errors.New("storage quota exceeded")
	ErrSnapshotCorrupt       = errors.New("snapshot corrupt")
	ErrSnapshotNotFound      = errors.New("snapshot not found")
	ErrStorageWriteFailed    = errors.New("storage write failed")
	ErrStorageIsDisabled     = errors.New("persistence is disabled")
	ErrStorageNotInitialized = errors.New("storage not initialized")
)

var (
	ErrSchedulerStopped      = errors.New("scheduler stopped")
	ErrJobNotFound           = errors.New("scheduled job not found")
	ErrJobExists             = errors.New("scheduled job exists")
	ErrJobNameIsEmpty        = errors.New("scheduled job name is empty")
	ErrJobIsNil              = errors.New("scheduled job is nil")
	ErrJobFailed             = errors.New("scheduled job failed")
	ErrJobTimeout            = errors.New("scheduled job timeout")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrSchedulerIsRunning    = errors.New("scheduler is running")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsIsDisabled    = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
	ErrLoggerTypeUnknown  = errors.New("logger type unknown")
)

var (
	ErrServerNotRunning     = errors.New("component not running")
	ErrServerAlreadyRunning = errors.New("component already running")
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotImplemented   = errors.New("not implemented")
	ErrInvalidState     = errors.New("invalid state")
	ErrContextCancelled = errors.New("context cancelled")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
