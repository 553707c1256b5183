package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Schema     SchemaConfig     `yaml:"schema" mapstructure:"schema"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Replay     ReplayConfig     `yaml:"replay" mapstructure:"replay"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Serve      ServeConfig      `yaml:"serve" mapstructure:"serve"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the document store backend.
type StoreConfig struct {
	// Driver selects the backend: "postgres" or "sqlite".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Path is the sqlite database file (sqlite driver only).
	Path     string `yaml:"path" mapstructure:"path"`
	MaxConns int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// SchemaConfig locates the canonical schema.
type SchemaConfig struct {
	// Path points at a schema YAML file. Empty uses the shipped bike-store
	// schema.
	Path string `yaml:"path" mapstructure:"path"`
}

// APIConfig configures the API source role.
type APIConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// AuthTokenEnv names the environment variable holding the bearer token.
	// Credentials never live in the config file itself.
	AuthTokenEnv string  `yaml:"auth_token_env" mapstructure:"auth_token_env"`
	PageSize     int     `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst        int     `yaml:"burst" mapstructure:"burst"`
}

// DatabaseConfig configures the DATABASE source role (the upstream
// relational warehouse, not the document store).
type DatabaseConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// ReplayConfig configures the CSV replay fallback.
type ReplayConfig struct {
	// Dir holds one pre-staged snapshot file per entity type.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// FTP is the optional warehouse drop used by `replay stage --from-ftp`.
	FTP FTPConfig `yaml:"ftp" mapstructure:"ftp"`
}

// FTPConfig configures the snapshot staging FTP drop.
type FTPConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	User        string `yaml:"user" mapstructure:"user"`
	PasswordEnv string `yaml:"password_env" mapstructure:"password_env"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig configures run orchestration.
type PipelineConfig struct {
	// RunTimeoutSecs bounds one full run; a fetch cancelled by it is treated
	// as a connectivity failure and follows the fallback rules.
	RunTimeoutSecs int `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	SinkWorkers    int `yaml:"sink_workers" mapstructure:"sink_workers"`
}

// RetryConfig configures sink write retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig configures the API connector circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServeConfig configures the local status API.
type ServeConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// ScheduleConfig configures periodic runs.
type ScheduleConfig struct {
	// Cron is a standard 5-field cron expression. Empty disables scheduling.
	Cron     string `yaml:"cron" mapstructure:"cron"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// MonitoringConfig configures the background run-health checker available in
// schedule and serve modes.
type MonitoringConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// WebhookURL receives alert payloads as JSON POSTs. Empty means alerts
	// are logged but not delivered anywhere.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// FailureRateThreshold is the failed/finished ratio above which an alert
	// fires, 0..1.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadLetterThreshold  int64   `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// APITimeout returns the API role timeout as a duration.
func (c APIConfig) APITimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// QueryTimeout returns the warehouse query timeout as a duration.
func (c DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RunTimeout returns the run-level timeout as a duration.
func (c PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSecs) * time.Second
}

// CheckInterval returns the monitoring check period as a duration.
func (c MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ingest")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.path", "ingest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.auth_token_env", "INGEST_API_TOKEN")
	v.SetDefault("api.page_size", 250)
	v.SetDefault("api.timeout_secs", 10)
	v.SetDefault("api.rate_per_sec", 10)
	v.SetDefault("api.burst", 20)
	v.SetDefault("database.timeout_secs", 30)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("replay.dir", "replay")
	v.SetDefault("replay.ftp.dir", "/exports")
	v.SetDefault("replay.ftp.timeout_secs", 30)
	v.SetDefault("replay.ftp.password_env", "INGEST_FTP_PASSWORD")
	v.SetDefault("pipeline.run_timeout_secs", 300)
	v.SetDefault("pipeline.sink_workers", 4)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("serve.port", 8080)
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.dead_letter_threshold", 100)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete for the given mode.
// Modes: "run", "schedule", "serve", "maintenance".
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.Path == "" {
				problems = append(problems, "store.path is required for the sqlite driver")
			}
		default:
			problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		}
	}

	checkRun := func() {
		if c.Pipeline.SinkWorkers < 1 || c.Pipeline.SinkWorkers > 64 {
			problems = append(problems, "pipeline.sink_workers must be between 1 and 64")
		}
		if c.Pipeline.RunTimeoutSecs <= 0 {
			problems = append(problems, "pipeline.run_timeout_secs must be > 0")
		}
		if c.API.PageSize <= 0 {
			problems = append(problems, "api.page_size must be > 0")
		}
		if c.Retry.MaxAttempts < 1 {
			problems = append(problems, "retry.max_attempts must be >= 1")
		}
	}

	checkMonitoring := func() {
		if !c.Monitoring.Enabled {
			return
		}
		if c.Monitoring.LookbackHours <= 0 {
			problems = append(problems, "monitoring.lookback_hours must be > 0")
		}
		if c.Monitoring.CheckIntervalSecs <= 0 {
			problems = append(problems, "monitoring.check_interval_secs must be > 0")
		}
	}

	switch mode {
	case "run":
		checkStore()
		checkRun()
	case "schedule":
		checkStore()
		checkRun()
		checkMonitoring()
		if c.Schedule.Cron == "" {
			problems = append(problems, "schedule.cron is required")
		}
	case "serve":
		checkStore()
		checkMonitoring()
		if c.Serve.Port <= 0 {
			problems = append(problems, "serve.port must be > 0")
		}
	case "maintenance":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
