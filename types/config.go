package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Cache   *CacheConfig   `yaml:"cache" json:"cache"`
	Storage *StorageConfig `yaml:"storage" json:"storage"`
	Sweep   *SweepConfig   `yaml:"sweep" json:"sweep"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  *HealthConfig  `yaml:"health" json:"health"`
	Server  *ServerConfig  `yaml:"server" json:"server"`
	Stream  *StreamConfig  `yaml:"stream" json:"stream"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	// Type selects a registered custom cache implementation; empty means the
	// built-in memory cache.
	Type string `yaml:"type" json:"type"`

	// MaxEntryBytes is the hard per-entry ceiling on serialized size.
	// Oversized entries are skipped with a warning, never stored.
	MaxEntryBytes int64                      `yaml:"max_entry_bytes" json:"max_entry_bytes" validate:"min=0"`
	Presets       map[string]FreshnessPolicy `yaml:"presets" json:"presets" validate:"dive"`
	Connectivity  *ConnectivityConfig        `yaml:"connectivity" json:"connectivity"`
}

type ConnectivityConfig struct {
	Type          string        `yaml:"type" json:"type"`
	ProbeAddr     string        `yaml:"probe_addr" json:"probe_addr"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval" validate:"min=0"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"min=0"`
}

type StorageConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`

	// Size tiers for the persisted snapshot. A serialization at or below
	// SoftLimitBytes is written directly; above it, the oldest entries are
	// dropped; above HardLimitBytes the write is abandoned. The emergency
	// path writes at most MinimalLimitBytes.
	SoftLimitBytes    int64 `yaml:"soft_limit_bytes" json:"soft_limit_bytes" validate:"min=0"`
	HardLimitBytes    int64 `yaml:"hard_limit_bytes" json:"hard_limit_bytes" validate:"min=0,gtefield=SoftLimitBytes"`
	MinimalLimitBytes int64 `yaml:"minimal_limit_bytes" json:"minimal_limit_bytes" validate:"min=0"`

	FlushOnSet bool `yaml:"flush_on_set" json:"flush_on_set"`

	// FlushSpec, when set, schedules periodic snapshot flushes
	// independent of the expiry sweep.
	FlushSpec string `yaml:"flush_spec" json:"flush_spec"`
}

type SweepConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Spec     string `yaml:"spec" json:"spec" validate:"required_if=Enabled true"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
	Prefix  string      `yaml:"prefix" json:"prefix"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ServerConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	URL            string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" validate:"min=0"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval" validate:"min=0"`
	WriteWait      time.Duration `yaml:"write_wait" json:"write_wait" validate:"min=0"`
	Buffer         int           `yaml:"buffer" json:"buffer" validate:"min=0"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}
