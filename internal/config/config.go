// Package config loads and validates verifier configuration via Viper.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Compute   ComputeConfig   `mapstructure:"compute"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	VarPath   string          `mapstructure:"var_path"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                     string `mapstructure:"host"`
	Port                     int    `mapstructure:"port"`
	ReadHeaderTimeoutSeconds int    `mapstructure:"read_header_timeout_seconds"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ComputeConfig governs the worker process pool.
type ComputeConfig struct {
	MaxProcesses int    `mapstructure:"max_processes"`
	QueueDepth   int    `mapstructure:"queue_depth"`
	JobTimeoutMs int    `mapstructure:"job_timeout_ms"`
	FatalGraceMs int    `mapstructure:"fatal_grace_ms"`
	Executable   string `mapstructure:"executable"`
}

// JobTimeout is the longest a request waits for its worker result.
func (c ComputeConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMs) * time.Millisecond
}

// FatalGrace is the delay between a pool-fatal event and process exit.
func (c ComputeConfig) FatalGrace() time.Duration {
	return time.Duration(c.FatalGraceMs) * time.Millisecond
}

// AdmissionConfig sets load-shedding and body size limits.
type AdmissionConfig struct {
	MaxLagMs        int     `mapstructure:"max_lag_ms"`
	CheckIntervalMs int     `mapstructure:"check_interval_ms"`
	MaxBodyBytes    int64   `mapstructure:"max_body_bytes"`
	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// ShutdownConfig bounds the cooperative drain.
type ShutdownConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the drain budget.
func (s ShutdownConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EventsConfig controls the verification event hub.
type EventsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// PubSubConfig holds metadata for publishing verification events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DefaultMaxBodyBytes is the request body cap (10 KB).
const DefaultMaxBodyBytes = 10 * 1024

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VERIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Cloud Run style override.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 10002)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("compute.max_processes", runtime.NumCPU())
	v.SetDefault("compute.queue_depth", 1024)
	v.SetDefault("compute.job_timeout_ms", 10000)
	v.SetDefault("compute.fatal_grace_ms", 0)
	v.SetDefault("compute.executable", "")
	v.SetDefault("admission.max_lag_ms", 70)
	v.SetDefault("admission.check_interval_ms", 500)
	v.SetDefault("admission.max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("admission.rate_limit_rps", 0)
	v.SetDefault("admission.rate_limit_burst", 1)
	v.SetDefault("shutdown.timeout_seconds", 30)
	v.SetDefault("var_path", "var")
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.sink_timeout_ms", 5000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Compute.MaxProcesses <= 0 {
		return fmt.Errorf("compute.max_processes must be > 0")
	}
	if c.Compute.QueueDepth <= 0 {
		return fmt.Errorf("compute.queue_depth must be > 0")
	}
	if c.Compute.JobTimeoutMs <= 0 {
		return fmt.Errorf("compute.job_timeout_ms must be > 0")
	}
	if c.Compute.FatalGraceMs < 0 {
		return fmt.Errorf("compute.fatal_grace_ms must be >= 0")
	}
	if c.Admission.MaxLagMs <= 0 || c.Admission.CheckIntervalMs <= 0 {
		return fmt.Errorf("admission.max_lag_ms and admission.check_interval_ms must be > 0")
	}
	if c.Admission.MaxBodyBytes <= 0 {
		return fmt.Errorf("admission.max_body_bytes must be > 0")
	}
	if c.Admission.RateLimitRPS > 0 && c.Admission.RateLimitBurst <= 0 {
		return fmt.Errorf("admission.rate_limit_burst must be > 0 when rate limiting is enabled")
	}
	if c.Shutdown.TimeoutSeconds <= 0 {
		return fmt.Errorf("shutdown.timeout_seconds must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}
