// Package config loads runtime configuration for the sync core.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. OFFLINESYNC_SYNC_ENGINE.
const EnvPrefix = "OFFLINESYNC"

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	API          APIConfig          `mapstructure:"api"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Credentials  CredentialsConfig  `mapstructure:"credentials"`
}

type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	FileName string `mapstructure:"file_name"`
}

type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	ProbeURL string        `mapstructure:"probe_url"`
}

type SyncConfig struct {
	Engine             string          `mapstructure:"engine"` // baseline | optimized
	BaseInterval       time.Duration   `mapstructure:"base_interval"`
	MinInterval        time.Duration   `mapstructure:"min_interval"`
	MaxInterval        time.Duration   `mapstructure:"max_interval"`
	MaxRetries         int             `mapstructure:"max_retries"`
	RetryDelays        []time.Duration `mapstructure:"retry_delays"`
	BatchMaxOps        int             `mapstructure:"batch_max_ops"`
	BatchMaxBytes      int             `mapstructure:"batch_max_bytes"`
	MaxConcurrency     int             `mapstructure:"max_concurrency"`
	Retention          time.Duration   `mapstructure:"retention"`
	CriticalDebounce   time.Duration   `mapstructure:"critical_debounce"`
	ReconnectDelay     time.Duration   `mapstructure:"reconnect_delay"`
	PoorReconnectDelay time.Duration   `mapstructure:"poor_reconnect_delay"`
	ConflictStrategy   string          `mapstructure:"conflict_strategy"`
	PullConflictCheck  bool            `mapstructure:"pull_conflict_check"`
	ProbeInterval      time.Duration   `mapstructure:"probe_interval"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type HousekeepingConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CredentialsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Default returns the built-in policy values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: "./data", FileName: "offlinesync.db"},
		API: APIConfig{
			BaseURL:  "http://localhost:8000/api",
			Timeout:  30 * time.Second,
			ProbeURL: "https://www.google.com",
		},
		Sync: SyncConfig{
			Engine:             "optimized",
			BaseInterval:       60 * time.Second,
			MinInterval:        60 * time.Second,
			MaxInterval:        300 * time.Second,
			MaxRetries:         5,
			RetryDelays:        []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
			BatchMaxOps:        10,
			BatchMaxBytes:      50 * 1024,
			MaxConcurrency:     3,
			Retention:          24 * time.Hour,
			CriticalDebounce:   time.Second,
			ReconnectDelay:     2 * time.Second,
			PoorReconnectDelay: 5 * time.Second,
			ConflictStrategy:   "last-write-wins",
			ProbeInterval:      30 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Housekeeping: HousekeepingConfig{Schedule: "@every 1h"},
		Server:       ServerConfig{Host: "127.0.0.1", Port: 8090},
		Logging:      LoggingConfig{Level: "info", Format: "json"},
		Credentials:  CredentialsConfig{Dir: "./data"},
	}
}

// Load reads configuration from an optional YAML file and the environment.
// A missing file is not an error; defaults and env vars still apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.file_name", d.Storage.FileName)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.probe_url", d.API.ProbeURL)

	v.SetDefault("sync.engine", d.Sync.Engine)
	v.SetDefault("sync.base_interval", d.Sync.BaseInterval)
	v.SetDefault("sync.min_interval", d.Sync.MinInterval)
	v.SetDefault("sync.max_interval", d.Sync.MaxInterval)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.retry_delays", d.Sync.RetryDelays)
	v.SetDefault("sync.batch_max_ops", d.Sync.BatchMaxOps)
	v.SetDefault("sync.batch_max_bytes", d.Sync.BatchMaxBytes)
	v.SetDefault("sync.max_concurrency", d.Sync.MaxConcurrency)
	v.SetDefault("sync.retention", d.Sync.Retention)
	v.SetDefault("sync.critical_debounce", d.Sync.CriticalDebounce)
	v.SetDefault("sync.reconnect_delay", d.Sync.ReconnectDelay)
	v.SetDefault("sync.poor_reconnect_delay", d.Sync.PoorReconnectDelay)
	v.SetDefault("sync.conflict_strategy", d.Sync.ConflictStrategy)
	v.SetDefault("sync.pull_conflict_check", d.Sync.PullConflictCheck)
	v.SetDefault("sync.probe_interval", d.Sync.ProbeInterval)

	v.SetDefault("breaker.max_requests", d.Breaker.MaxRequests)
	v.SetDefault("breaker.interval", d.Breaker.Interval)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("breaker.consecutive_failures", d.Breaker.ConsecutiveFailures)

	v.SetDefault("housekeeping.schedule", d.Housekeeping.Schedule)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("credentials.dir", d.Credentials.Dir)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	s := c.Sync
	switch s.Engine {
	case "baseline", "optimized":
	default:
		return fmt.Errorf("sync.engine must be baseline or optimized, got %q", s.Engine)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be >= 1")
	}
	if len(s.RetryDelays) == 0 {
		return fmt.Errorf("sync.retry_delays must not be empty")
	}
	if s.MinInterval <= 0 || s.MaxInterval < s.MinInterval {
		return fmt.Errorf("sync interval bounds invalid: [%s, %s]", s.MinInterval, s.MaxInterval)
	}
	if s.BatchMaxOps < 1 || s.BatchMaxBytes < 1 || s.MaxConcurrency < 1 {
		return fmt.Errorf("sync batch limits must be positive")
	}
	switch s.ConflictStrategy {
	case "last-write-wins", "server-priority", "local-priority", "manual":
	default:
		return fmt.Errorf("unknown sync.conflict_strategy %q", s.ConflictStrategy)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
