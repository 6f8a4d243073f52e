// Package config loads and validates crawlic configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Distill    DistillConfig    `mapstructure:"distill"`
	Emails     EmailsConfig     `mapstructure:"emails"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Snapshots  SnapshotsConfig  `mapstructure:"snapshots"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig selects the session driver and its launch options.
type BrowserConfig struct {
	// Driver is chrome, rod or static.
	Driver         string `mapstructure:"driver"`
	ExecPath       string `mapstructure:"exec_path"`
	Headless       bool   `mapstructure:"headless"`
	Incognito      bool   `mapstructure:"incognito"`
	DisableCookies bool   `mapstructure:"disable_cookies"`
	// Proxy uses the ip:port:user:pass format.
	Proxy        string        `mapstructure:"proxy"`
	UserAgent    string        `mapstructure:"user_agent"`
	WindowWidth  int           `mapstructure:"window_width"`
	WindowHeight int           `mapstructure:"window_height"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	// HostQPS paces navigations per host; zero disables pacing.
	HostQPS float64 `mapstructure:"host_qps"`
}

// DistillConfig tunes the distill task.
type DistillConfig struct {
	Settle time.Duration `mapstructure:"settle"`
}

// EmailsConfig tunes the email search.
type EmailsConfig struct {
	MainSettle    time.Duration `mapstructure:"main_settle"`
	ContactSettle time.Duration `mapstructure:"contact_settle"`
	MaxCandidates int           `mapstructure:"max_candidates"`
}

// WorkerConfig sizes the pool and bounds each attempt.
type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	SoftLimit     time.Duration `mapstructure:"soft_limit"`
	HardLimit     time.Duration `mapstructure:"hard_limit"`
	CancelGrace   time.Duration `mapstructure:"cancel_grace"`
	CancelPoll    time.Duration `mapstructure:"cancel_poll"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	Depth   int    `mapstructure:"depth"`
	Prefix  string `mapstructure:"prefix"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend   string        `mapstructure:"backend"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
	Prefix    string        `mapstructure:"prefix"`
}

// RedisConfig locates the Redis server shared by the queue and store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig controls the run history database. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SnapshotsConfig selects where raw markup is archived.
type SnapshotsConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for completion notifications. An empty
// project keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Log        bool          `mapstructure:"log"`
	Buffer     int           `mapstructure:"buffer"`
	Batch      int           `mapstructure:"batch"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

// SupervisorConfig bounds orphan sweeps.
type SupervisorConfig struct {
	Scope         string   `mapstructure:"scope"`
	ProcessNames  []string `mapstructure:"process_names"`
	SweepWhenIdle bool     `mapstructure:"sweep_when_idle"`
}

// TelemetryConfig controls OpenTelemetry tracing. Spans are exported to
// Cloud Trace when ProjectID is set; otherwise they only carry trace context
// through the queue and completion events.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Supported backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Supported browser drivers.
const (
	DriverChrome = "chrome"
	DriverRod    = "rod"
	DriverStatic = "static"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLIC")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("browser.driver", DriverChrome)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.incognito", true)
	v.SetDefault("browser.disable_cookies", false)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.host_qps", 0)
	v.SetDefault("distill.settle", 10*time.Second)
	v.SetDefault("emails.main_settle", 3*time.Second)
	v.SetDefault("emails.contact_settle", 5*time.Second)
	v.SetDefault("emails.max_candidates", 10)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.retry_backoff", 10*time.Second)
	v.SetDefault("worker.soft_limit", 280*time.Second)
	v.SetDefault("worker.hard_limit", 300*time.Second)
	v.SetDefault("worker.cancel_grace", 10*time.Second)
	v.SetDefault("worker.cancel_poll", 2*time.Second)
	v.SetDefault("worker.shutdown_grace", 30*time.Second)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.depth", 0)
	v.SetDefault("queue.prefix", "crawlic")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.result_ttl", time.Hour)
	v.SetDefault("store.prefix", "crawlic")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.table", "task_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)
	v.SetDefault("snapshots.backend", BackendNone)
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("pubsub.topic", "crawlic-task-completed")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawlic")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log", true)
	v.SetDefault("progress.buffer", 1024)
	v.SetDefault("progress.batch", 256)
	v.SetDefault("progress.flush_every", 250*time.Millisecond)
	v.SetDefault("supervisor.scope", "descendants")
	v.SetDefault("supervisor.sweep_when_idle", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if !slices.Contains([]string{DriverChrome, DriverRod, DriverStatic}, c.Browser.Driver) {
		errs = append(errs, fmt.Errorf("browser.driver %q is not supported", c.Browser.Driver))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("worker.max_retries must be >= 0"))
	}
	if c.Worker.SoftLimit <= 0 || c.Worker.HardLimit < c.Worker.SoftLimit {
		errs = append(errs, errors.New("worker limits must satisfy 0 < soft_limit <= hard_limit"))
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.Queue.Backend) {
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend))
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q is not supported", c.Store.Backend))
	}
	if (c.Queue.Backend == BackendRedis || c.Store.Backend == BackendRedis) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}
	switch c.Snapshots.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Snapshots.BaseDir == "" {
			errs = append(errs, errors.New("snapshots.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Snapshots.Bucket == "" {
			errs = append(errs, errors.New("snapshots.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshots.backend %q is not supported", c.Snapshots.Backend))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0, 1]"))
	}
	if c.Supervisor.Scope != "descendants" && c.Supervisor.Scope != "host" {
		errs = append(errs, fmt.Errorf("supervisor.scope %q is not supported", c.Supervisor.Scope))
	}
	return errors.Join(errs...)
}
