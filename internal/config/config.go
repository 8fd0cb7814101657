// Package config loads the service configuration from an optional file,
// REGENOPT_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: solver.base_url is REGENOPT_SOLVER_BASE_URL.
const EnvPrefix = "REGENOPT"

// ServiceConfig holds configuration for the orchestration service.
type ServiceConfig struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Solver       SolverConfig       `mapstructure:"solver"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Store        StoreConfig        `mapstructure:"store"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Scenarios    ScenariosConfig    `mapstructure:"scenarios"`
	Callback     CallbackConfig     `mapstructure:"callback"`
}

type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	MetricsPort       string        `mapstructure:"metrics_port"`
	APIKeyFile        string        `mapstructure:"api_key_file"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"` // wait for load balancers to drain (0 to skip)

	// APIKey is read from APIKeyFile.
	APIKey string `mapstructure:"-"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SolverConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ServerErrorRetries int           `mapstructure:"server_error_retries"`
	RetryInitial       time.Duration `mapstructure:"retry_initial"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	WaitOnStart        time.Duration `mapstructure:"wait_on_start"` // 0 = don't wait for the evaluator
}

type OrchestratorConfig struct {
	Workers              int           `mapstructure:"workers"`
	QueueSize            int           `mapstructure:"queue_size"`
	MaxActiveJobsPerUser int           `mapstructure:"max_active_jobs_per_user"`
	RoundIterations      int           `mapstructure:"round_iterations"`
	DefaultMaxRuntime    time.Duration `mapstructure:"default_max_runtime"`
	HealthCheckOnStart   bool          `mapstructure:"health_check_on_start"`
	RecoverOnStart       bool          `mapstructure:"recover_on_start"` // disable when instances share a store
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory | postgres
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type AdmissionConfig struct {
	Backend   string `mapstructure:"backend"` // memory | redis
	RedisAddr string `mapstructure:"redis_addr"`
}

type ScenariosConfig struct {
	Source   string        `mapstructure:"source"` // file | postgres
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 0 disables caching
}

type CallbackConfig struct {
	URL     string `mapstructure:"url"`
	KeyFile string `mapstructure:"key_file"`

	// SigningKey is read from KeyFile.
	SigningKey string `mapstructure:"-"`
}

var defaults = map[string]any{
	"server.port":                           "8080",
	"server.metrics_port":                   "9090",
	"server.api_key_file":                   "",
	"server.shutdown_drain_wait":            5 * time.Second,
	"log.level":                             "info",
	"solver.base_url":                       "http://localhost:8000",
	"solver.request_timeout":                60 * time.Second,
	"solver.max_retries":                    3,
	"solver.server_error_retries":           1,
	"solver.retry_initial":                  time.Second,
	"solver.retry_max":                      8 * time.Second,
	"solver.rate_limit":                     0.0,
	"solver.rate_burst":                     1,
	"solver.breaker_threshold":              5,
	"solver.breaker_cooldown":               30 * time.Second,
	"solver.wait_on_start":                  time.Duration(0),
	"orchestrator.workers":                  8,
	"orchestrator.queue_size":               100,
	"orchestrator.max_active_jobs_per_user": 3,
	"orchestrator.round_iterations":         0,
	"orchestrator.default_max_runtime":      30 * time.Minute,
	"orchestrator.health_check_on_start":    false,
	"orchestrator.recover_on_start":         true,
	"store.driver":                          "memory",
	"store.postgres_dsn":                    "",
	"admission.backend":                     "memory",
	"admission.redis_addr":                  "localhost:6379",
	"scenarios.source":                      "file",
	"scenarios.file":                        "scenarios.yaml",
	"scenarios.cache_ttl":                   time.Minute,
	"callback.url":                          "",
	"callback.key_file":                     "",
}

// NewViper returns a viper instance with defaults and environment binding set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads configFile (if not empty) into v and decodes the result.
// Key files are read and the configuration is validated.
func Load(v *viper.Viper, configFile string) (*ServiceConfig, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	if err := cfg.loadKeys(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *ServiceConfig) Validate() error {
	var result *multierror.Error

	if c.Server.Port == "" {
		result = multierror.Append(result, errors.New("server.port is required"))
	}
	if _, err := c.LogLevel(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Solver.BaseURL == "" {
		result = multierror.Append(result, errors.New("solver.base_url is required"))
	}
	if c.Solver.MaxRetries < 0 || c.Solver.ServerErrorRetries < 0 {
		result = multierror.Append(result, errors.New("solver retry budgets must not be negative"))
	}
	if c.Orchestrator.Workers <= 0 {
		result = multierror.Append(result, errors.New("orchestrator.workers must be positive"))
	}
	if c.Orchestrator.QueueSize <= 0 {
		result = multierror.Append(result, errors.New("orchestrator.queue_size must be positive"))
	}
	if c.Orchestrator.MaxActiveJobsPerUser < 0 {
		result = multierror.Append(result, errors.New("orchestrator.max_active_jobs_per_user must not be negative"))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			result = multierror.Append(result, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Admission.Backend {
	case "memory":
	case "redis":
		if c.Admission.RedisAddr == "" {
			result = multierror.Append(result, errors.New("admission.redis_addr is required for the redis backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown admission.backend %q", c.Admission.Backend))
	}

	switch c.Scenarios.Source {
	case "file":
		if c.Scenarios.File == "" {
			result = multierror.Append(result, errors.New("scenarios.file is required for the file source"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			result = multierror.Append(result, errors.New("store.postgres_dsn is required for the postgres scenario source"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown scenarios.source %q", c.Scenarios.Source))
	}

	return result.ErrorOrNil()
}

// LogLevel parses Log.Level.
func (c *ServiceConfig) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
