package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// EVALOOR_RUNNER_CONCURRENCY.
	EnvPrefix = "EVALOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default storage driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the conventional cache location of the
	// embedded database file.
	DefaultSQLitePath = ".evaloor/cache.sqlite"

	// DefaultEvalsDir is the directory scanned for eval files.
	DefaultEvalsDir = "."

	// DefaultEvalPattern matches declarative eval files.
	DefaultEvalPattern = "*.eval.yaml"

	// DefaultConcurrency bounds concurrently executing dataset items.
	DefaultConcurrency = 5

	// DefaultListen is the default dashboard listen address.
	DefaultListen = "127.0.0.1:3006"

	// DefaultBroadcastThrottle coalesces bursts of live-state updates.
	DefaultBroadcastThrottle = "100ms"
)

// Config is the root configuration for evaloor.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Runner  RunnerConfig  `yaml:"runner" mapstructure:"runner"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel        string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=panic fatal error warn warning info debug trace"`
	TracingDisabled bool   `yaml:"tracing_disabled" mapstructure:"tracing_disabled"`
}

// RunnerConfig contains eval discovery and execution settings.
type RunnerConfig struct {
	EvalsDir    string `yaml:"evals_dir" mapstructure:"evals_dir"`
	Pattern     string `yaml:"pattern" mapstructure:"pattern"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
	// Timeout is the per-item timeout. Empty disables it.
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout"`
	// Threshold is the minimum average score (0-100) for a passing run.
	Threshold *float64 `yaml:"threshold,omitempty" mapstructure:"threshold" validate:"omitempty,gte=0,lte=100"`
}

// Load reads and merges the given configuration files, applies environment
// overrides and defaults. With no paths, defaults and environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Keys without defaults must be bound explicitly for env lookups.
	for _, key := range []string{
		"runner.timeout",
		"runner.threshold",
		"storage.database.postgres.host",
		"storage.database.postgres.port",
		"storage.database.postgres.user",
		"storage.database.postgres.password",
		"storage.database.postgres.database",
		"storage.database.postgres.ssl_mode",
		"storage.blobs.local.owner",
		"storage.blobs.s3.enabled",
		"storage.blobs.s3.bucket",
		"storage.blobs.s3.endpoint_url",
		"storage.blobs.s3.region",
		"storage.blobs.s3.access_key_id",
		"storage.blobs.s3.secret_access_key",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %q: %w", key, err)
		}
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.tracing_disabled", false)
	v.SetDefault("storage.database.driver", DefaultDatabaseDriver)
	v.SetDefault("storage.database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("storage.blobs.local.dir", "")
	v.SetDefault("storage.blobs.s3.prefix", "")
	v.SetDefault("storage.blobs.s3.force_path_style", false)
	v.SetDefault("storage.blobs.s3.presign_expiry", "1h")
	v.SetDefault("runner.evals_dir", DefaultEvalsDir)
	v.SetDefault("runner.pattern", DefaultEvalPattern)
	v.SetDefault("runner.concurrency", DefaultConcurrency)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.broadcast_throttle", DefaultBroadcastThrottle)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 600)
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Storage.Blobs.Local == nil {
		c.Storage.Blobs.Local = &LocalBlobConfig{}
	}

	// Blobs live next to the database file unless configured otherwise.
	if c.Storage.Blobs.Local.Dir == "" {
		base := filepath.Dir(DefaultSQLitePath)
		if c.Storage.Database.Driver == "sqlite" &&
			c.Storage.Database.SQLite.Path != "" &&
			c.Storage.Database.SQLite.Path != ":memory:" {
			base = filepath.Dir(c.Storage.Database.SQLite.Path)
		}

		c.Storage.Blobs.Local.Dir = filepath.Join(base, "files")
	}

	if c.Runner.Concurrency <= 0 {
		c.Runner.Concurrency = DefaultConcurrency
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	if _, err := c.Runner.TimeoutDuration(); err != nil {
		return err
	}

	if _, err := c.Server.BroadcastThrottleDuration(); err != nil {
		return err
	}

	return nil
}

// TimeoutDuration parses the per-item timeout. Zero means no timeout.
func (r *RunnerConfig) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing runner.timeout: %w", err)
	}

	if d < 0 {
		return 0, fmt.Errorf("runner.timeout must not be negative")
	}

	return d, nil
}
