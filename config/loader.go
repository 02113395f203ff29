package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/transitlive/transit-cache/types"
)

const (
	defaultMaxEntryBytes     = 2 * 1024 * 1024
	defaultSoftLimitBytes    = 3 * 1024 * 1024
	defaultHardLimitBytes    = 4 * 1024 * 1024
	defaultMinimalLimitBytes = 1 * 1024 * 1024
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.WrapError(err, "config validation failed")
	}

	if c := config.Cache; c != nil {
		for name, policy := range c.Presets {
			if policy.TTL <= 0 {
				return types.Errorf(types.ErrConfigValidateFailed, "preset %s: ttl must be positive", name)
			}
			if policy.MaxAge < policy.TTL {
				return types.Errorf(types.ErrConfigValidateFailed, "preset %s: max_age below ttl", name)
			}
		}
	}

	if s := config.Storage; s != nil && s.Enabled {
		if s.SoftLimitBytes > s.HardLimitBytes {
			return types.Errorf(types.ErrConfigValidateFailed, "storage soft limit %d exceeds hard limit %d", s.SoftLimitBytes, s.HardLimitBytes)
		}
		if s.MinimalLimitBytes > s.SoftLimitBytes {
			return types.Errorf(types.ErrConfigValidateFailed, "storage minimal limit %d exceeds soft limit %d", s.MinimalLimitBytes, s.SoftLimitBytes)
		}
	}

	return nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "transit-cache",
		Version: "dev",
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			MaxEntryBytes: defaultMaxEntryBytes,
			Presets:       map[string]types.FreshnessPolicy{},
			Connectivity: &types.ConnectivityConfig{
				Type:          "static",
				ProbeInterval: 30 * time.Second,
				ProbeTimeout:  3 * time.Second,
			},
		},
		Storage: &types.StorageConfig{
			Enabled:           false,
			Type:              "file",
			SoftLimitBytes:    defaultSoftLimitBytes,
			HardLimitBytes:    defaultHardLimitBytes,
			MinimalLimitBytes: defaultMinimalLimitBytes,
			FlushOnSet:        true,
		},
		Sweep: &types.SweepConfig{
			Enabled:  true,
			Spec:     "@every 5m",
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Server: &types.ServerConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			IdleTimeout:     120,
			ShutdownTimeout: 10,
		},
	}
}
