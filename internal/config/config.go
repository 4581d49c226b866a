package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// MaxStorePayloadBytes is the shared store's own per-value ceiling.
const MaxStorePayloadBytes = 1_048_576

// Config holds the complete application configuration
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StorageConfig defines the shared store backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "memory"
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// SyncConfig defines publisher and subscriber behaviour
type SyncConfig struct {
	DeviceName      string `mapstructure:"device_name"`       // overrides the host name in published snapshots
	MaxPayloadBytes int    `mapstructure:"max_payload_bytes"` // must not exceed MaxStorePayloadBytes
	SettingsPath    string `mapstructure:"settings_path"`     // persisted sync-enabled flag
	FeedPath        string `mapstructure:"feed_path"`         // usage state file watched by the publisher
}

// TransportConfig defines the wire format
type TransportConfig struct {
	Codec string `mapstructure:"codec"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("USAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, use defaults and environment variables
		}
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "usagesync")

	// Sync defaults
	v.SetDefault("sync.device_name", "")
	v.SetDefault("sync.max_payload_bytes", MaxStorePayloadBytes)
	v.SetDefault("sync.settings_path", "/var/lib/usagesync/settings.yaml")
	v.SetDefault("sync.feed_path", "/var/lib/usagesync/usage.yaml")

	// Transport defaults
	v.SetDefault("transport.codec", "json")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s (must be redis or memory)", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "redis" && cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if cfg.Storage.Redis.Port < 0 || cfg.Storage.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", cfg.Storage.Redis.Port)
	}

	if cfg.Sync.MaxPayloadBytes <= 0 {
		cfg.Sync.MaxPayloadBytes = MaxStorePayloadBytes
	}
	if cfg.Sync.MaxPayloadBytes > MaxStorePayloadBytes {
		return fmt.Errorf("sync.max_payload_bytes %d exceeds the store limit of %d bytes",
			cfg.Sync.MaxPayloadBytes, MaxStorePayloadBytes)
	}

	if cfg.Transport.Codec == "" {
		cfg.Transport.Codec = "json"
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
