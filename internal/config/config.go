package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Storage backend names accepted in Config.Storage.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds the runtime configuration for the workflow service.
type Config struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string `mapstructure:"http_addr"`
	// Storage selects the backing store, either "memory" or "postgres".
	Storage string `mapstructure:"storage"`
	// DatabaseURL is the Postgres connection string. Ignored for the
	// memory store.
	DatabaseURL string `mapstructure:"database_url"`
	// Workers is the task worker pool size. Zero means one per CPU.
	Workers int `mapstructure:"workers"`
	// DefaultTaskTimeout applies to tasks whose definition sets none.
	// Zero disables the default.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`
	// FailFast makes runs stop dispatching after the first task failure
	// unless the run overrides it.
	FailFast bool `mapstructure:"fail_fast"`
	// RetentionAge is how long terminal runs are kept before the
	// retention sweep purges them. Zero disables the sweep.
	RetentionAge time.Duration `mapstructure:"retention_age"`
	// RetentionInterval is how often the retention sweep runs.
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	// ShutdownTimeout bounds how long shutdown waits for in-flight
	// attempts to finish.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables carry the WORKFLOW_ prefix, e.g. WORKFLOW_HTTP_ADDR
// or WORKFLOW_DATABASE_URL. Unset values fall back to defaults.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment alone is enough.
	_ = godotenv.Load()

	v := viper.New()

	// Defaults double as the key registry: AutomaticEnv only surfaces
	// variables for keys viper already knows about.
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("storage", StorageMemory)
	v.SetDefault("database_url", "")
	v.SetDefault("workers", 0)
	v.SetDefault("default_task_timeout", "0s")
	v.SetDefault("fail_fast", false)
	v.SetDefault("retention_age", "720h")
	v.SetDefault("retention_interval", "1h")
	v.SetDefault("shutdown_timeout", "30s")

	v.SetEnvPrefix("WORKFLOW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return errors.Errorf("unknown storage backend %q, expected %q or %q",
			c.Storage, StorageMemory, StoragePostgres)
	}
	if c.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}
