package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	IHC         IHCConfig         `yaml:"ihc" mapstructure:"ihc"`
	Attribution AttributionConfig `yaml:"attribution" mapstructure:"attribution"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Payload     PayloadConfig     `yaml:"payload" mapstructure:"payload"`
	Report      ReportConfig      `yaml:"report" mapstructure:"report"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IHCConfig holds the attribution scoring service settings.
type IHCConfig struct {
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	ConvTypeID        string  `yaml:"conv_type_id" mapstructure:"conv_type_id"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// AttributionConfig configures batching, submission and reconciliation.
type AttributionConfig struct {
	MaxSessionsPerBatch    int     `yaml:"max_sessions_per_batch" mapstructure:"max_sessions_per_batch"`
	MaxConversionsPerBatch int     `yaml:"max_conversions_per_batch" mapstructure:"max_conversions_per_batch"`
	Strategy               string  `yaml:"strategy" mapstructure:"strategy"`
	Concurrency            int     `yaml:"concurrency" mapstructure:"concurrency"`
	Tolerance              float64 `yaml:"tolerance" mapstructure:"tolerance"`
	ExcludedFallback       string  `yaml:"excluded_fallback" mapstructure:"excluded_fallback"`
	StartDate              string  `yaml:"start_date" mapstructure:"start_date"`
	EndDate                string  `yaml:"end_date" mapstructure:"end_date"`
}

// RetryConfig configures per-batch retry with exponential backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the submission circuit breaker. A zero
// FailureThreshold disables it.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PayloadConfig selects where request payloads are persisted.
type PayloadConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"`
	Dir      string `yaml:"dir" mapstructure:"dir"`
	S3Bucket string `yaml:"s3_bucket" mapstructure:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix" mapstructure:"s3_prefix"`
	S3Region string `yaml:"s3_region" mapstructure:"s3_region"`
}

// ReportConfig configures the channel report export.
type ReportConfig struct {
	OutputPath   string `yaml:"output_path" mapstructure:"output_path"`
	Format       string `yaml:"format" mapstructure:"format"`
	MissingValue string `yaml:"missing_value" mapstructure:"missing_value"`
}

// MetricsConfig configures Prometheus metrics push.
type MetricsConfig struct {
	PushURL string `yaml:"push_url" mapstructure:"push_url"`
	Job     string `yaml:"job" mapstructure:"job"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTRIBUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/challenge.db")
	v.SetDefault("ihc.api_key", "")
	v.SetDefault("ihc.base_url", "https://api.ihc-attribution.com")
	v.SetDefault("ihc.conv_type_id", "all_markets")
	v.SetDefault("ihc.timeout_secs", 60)
	v.SetDefault("ihc.requests_per_second", 2.0)
	v.SetDefault("attribution.max_sessions_per_batch", 200)
	v.SetDefault("attribution.max_conversions_per_batch", 100)
	v.SetDefault("attribution.strategy", "largest-first")
	v.SetDefault("attribution.concurrency", 1)
	v.SetDefault("attribution.tolerance", 0.01)
	v.SetDefault("attribution.excluded_fallback", "none")
	v.SetDefault("attribution.start_date", "")
	v.SetDefault("attribution.end_date", "")
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 0)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("payload.backend", "file")
	v.SetDefault("payload.dir", "request_payloads")
	v.SetDefault("payload.s3_bucket", "")
	v.SetDefault("payload.s3_prefix", "")
	v.SetDefault("payload.s3_region", "")
	v.SetDefault("report.output_path", "channel_reporting.csv")
	v.SetDefault("report.format", "auto")
	v.SetDefault("report.missing_value", "")
	v.SetDefault("metrics.push_url", "")
	v.SetDefault("metrics.job", "attribution")
	v.SetDefault("server.port", 8080)
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

// Validate checks that the values required by mode are present and sane.
// Modes: "run", "replay", "plan", "read", "serve".
func (c *Config) Validate(mode string) error {
	var errs []error
	required := func(ok bool, key string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	switch mode {
	case "run", "replay":
		required(c.IHC.APIKey != "", "ihc.api_key")
		required(c.IHC.BaseURL != "", "ihc.base_url")
		required(c.IHC.ConvTypeID != "", "ihc.conv_type_id")
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateAttribution()...)
		errs = append(errs, c.validatePayload()...)
		if c.IHC.TimeoutSecs <= 0 {
			errs = append(errs, errors.New("ihc.timeout_secs must be > 0"))
		}
		if c.Retry.MaxAttempts < 1 {
			errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
		}
		if c.Circuit.FailureThreshold < 0 {
			errs = append(errs, errors.New("circuit.failure_threshold must be >= 0"))
		}
	case "plan":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateAttribution()...)
	case "read":
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, errors.New("server.port must be > 0 and <= 65535"))
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "config: validate "+mode)
	}
	return nil
}

func (c *Config) validateStore() []error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, errors.New("store.database_url is required"))
	}
	return errs
}

func (c *Config) validateAttribution() []error {
	var errs []error
	a := c.Attribution
	if a.MaxSessionsPerBatch <= 0 {
		errs = append(errs, errors.New("attribution.max_sessions_per_batch must be > 0"))
	}
	if a.MaxConversionsPerBatch <= 0 {
		errs = append(errs, errors.New("attribution.max_conversions_per_batch must be > 0"))
	}
	if a.Concurrency < 1 || a.Concurrency > 32 {
		errs = append(errs, errors.New("attribution.concurrency must be between 1 and 32"))
	}
	if a.Tolerance < 0 || a.Tolerance >= 1 {
		errs = append(errs, errors.New("attribution.tolerance must be in [0, 1)"))
	}
	return errs
}

func (c *Config) validatePayload() []error {
	switch c.Payload.Backend {
	case "file":
		if c.Payload.Dir == "" {
			return []error{errors.New("payload.dir is required for the file backend")}
		}
	case "s3":
		if c.Payload.S3Bucket == "" {
			return []error{errors.New("payload.s3_bucket is required for the s3 backend")}
		}
	default:
		return []error{fmt.Errorf("payload.backend must be file or s3, got %q", c.Payload.Backend)}
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
