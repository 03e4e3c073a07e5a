// Package config loads the gojotx server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sushant-115/gojotx/core/execution"
	"github.com/sushant-115/gojotx/core/service"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	SemaphoreStoreMemory = "memory"
	SemaphoreStoreRedis  = "redis"
)

// Config is the top-level server configuration.
type Config struct {
	HTTPAddr       string                               `yaml:"http_addr"`
	Logger         logger.Config                        `yaml:"logger"`
	Telemetry      telemetry.Config                     `yaml:"telemetry"`
	Transaction    transaction.Config                   `yaml:"transaction"`
	ResourceGroups map[string]connection.PgxGroupConfig `yaml:"resource_groups"`
	Semaphore      SemaphoreConfig                      `yaml:"semaphore"`
	Workers        WorkersConfig                        `yaml:"workers"`
}

// SemaphoreConfig selects the semaphore store and the defaults applied to
// definitions that leave them unset.
type SemaphoreConfig struct {
	Store       string        `yaml:"store"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	Sleep       time.Duration `yaml:"sleep"`
	Timeout     time.Duration `yaml:"timeout"`
	Ignore      time.Duration `yaml:"ignore"`
}

// WorkersConfig sizes the worker pool and the scheduler.
type WorkersConfig struct {
	Pool      execution.PoolConfig `yaml:"pool"`
	Scheduled int                  `yaml:"scheduled"`
	// MonitorInterval is how often expired transactions are scanned for.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// EndExpiredAfter ends transactions this long past their deadline,
	// 0 only reports them.
	EndExpiredAfter time.Duration `yaml:"end_expired_after"`
}

// Default returns a configuration that runs without external services.
func Default() Config {
	return Config{
		HTTPAddr: ":8085",
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojotx",
			TraceSampleRatio: 1.0,
		},
		Transaction: transaction.Config{
			DefaultTimeout: 60 * time.Second,
			CacheSize:      1024,
		},
		ResourceGroups: map[string]connection.PgxGroupConfig{},
		Semaphore: SemaphoreConfig{
			Store:       SemaphoreStoreMemory,
			RedisPrefix: "semaphore:",
			Sleep:       service.DefaultSemaphoreSleep,
			Timeout:     service.DefaultSemaphoreTimeout,
			Ignore:      service.DefaultSemaphoreIgnore,
		},
		Workers: WorkersConfig{
			Pool:            execution.PoolConfig{WorkerPrefix: "worker"},
			Scheduled:       2,
			MonitorInterval: 30 * time.Second,
		},
	}
}

// Load reads envFile if it exists, then the YAML file at path over the
// defaults. ${VAR} references in the file are expanded from the environment.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Parse([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}
	return cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: http_addr is empty", ErrInvalidConfig)
	}
	if c.Transaction.DefaultTimeout < 0 {
		return fmt.Errorf("%w: transaction.default_timeout is negative", ErrInvalidConfig)
	}
	if c.Transaction.CacheSize < 0 {
		return fmt.Errorf("%w: transaction.cache_size is negative", ErrInvalidConfig)
	}
	for name, g := range c.ResourceGroups {
		if g.DSN == "" {
			return fmt.Errorf("%w: resource group %q has no dsn", ErrInvalidConfig, name)
		}
		if g.MaxConns < 0 {
			return fmt.Errorf("%w: resource group %q has negative max_conns", ErrInvalidConfig, name)
		}
	}
	switch c.Semaphore.Store {
	case SemaphoreStoreMemory:
	case SemaphoreStoreRedis:
		if c.Semaphore.RedisAddr == "" {
			return fmt.Errorf("%w: semaphore.redis_addr is required for the redis store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown semaphore store %q", ErrInvalidConfig, c.Semaphore.Store)
	}
	if c.Semaphore.Sleep < 0 || c.Semaphore.Timeout < 0 || c.Semaphore.Ignore < 0 {
		return fmt.Errorf("%w: semaphore durations must not be negative", ErrInvalidConfig)
	}
	if c.Workers.Scheduled < 0 || c.Workers.Pool.SubmitRate < 0 {
		return fmt.Errorf("%w: workers settings must not be negative", ErrInvalidConfig)
	}
	if c.Workers.MonitorInterval < 0 || c.Workers.EndExpiredAfter < 0 {
		return fmt.Errorf("%w: monitor durations must not be negative", ErrInvalidConfig)
	}
	return nil
}
