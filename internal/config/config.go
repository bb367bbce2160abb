// Package config loads docflow settings from defaults, an optional config
// file and DOCFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DOCFLOW_WORKERS
// or DOCFLOW_STORE_PATH.
const EnvPrefix = "DOCFLOW"

type Config struct {
	Workers          int           `mapstructure:"workers"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter      bool          `mapstructure:"retry_jitter"`
	ResetRetryCount  bool          `mapstructure:"reset_retry_count"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	HotReload        bool          `mapstructure:"hot_reload"`
	Retention        time.Duration `mapstructure:"retention"`
	MetricsRetention time.Duration `mapstructure:"metrics_retention"`

	Store      StoreConfig                `mapstructure:"store"`
	Schedule   ScheduleConfig             `mapstructure:"schedule"`
	Health     HealthConfig               `mapstructure:"health"`
	Watch      WatchConfig                `mapstructure:"watch"`
	Processors map[string]ProcessorConfig `mapstructure:"processors"`
	S3         S3Config                   `mapstructure:"s3"`
	API        APIConfig                  `mapstructure:"api"`
	NATS       NATSConfig                 `mapstructure:"nats"`
	Log        LogConfig                  `mapstructure:"log"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ScheduleConfig struct {
	MinInterval    time.Duration `mapstructure:"min_interval"`
	FetchInterval  time.Duration `mapstructure:"fetch_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// Cleanup is a cron expression or descriptor such as "@daily".
	Cleanup string `mapstructure:"cleanup"`
}

// HealthConfig holds alert thresholds. A zero threshold disables its rule,
// except QueueBacklog where zero means 80% of QueueSize.
type HealthConfig struct {
	MemoryPercent    float64 `mapstructure:"memory_percent"`
	CPUPercent       float64 `mapstructure:"cpu_percent"`
	DiskPercent      float64 `mapstructure:"disk_percent"`
	ErrorRatePercent float64 `mapstructure:"error_rate_percent"`
	QueueBacklog     int     `mapstructure:"queue_backlog"`
	ProcPath         string  `mapstructure:"proc_path"`
	DiskPath         string  `mapstructure:"disk_path"`
}

// WatchConfig drives the periodic new-input check. An empty Dir disables it.
type WatchConfig struct {
	Dir      string   `mapstructure:"dir"`
	Patterns []string `mapstructure:"patterns"`
	JobType  string   `mapstructure:"job_type"`
	Priority int      `mapstructure:"priority"`
}

type ProcessorConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

type S3Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type APIConfig struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	Keys        []string `mapstructure:"keys"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// RateLimit is job submissions per second per client IP. Zero disables.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// NATSConfig enables event forwarding when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 2)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", "2s")
	v.SetDefault("retry_max_delay", "5m")
	v.SetDefault("retry_jitter", false)
	v.SetDefault("reset_retry_count", true)
	v.SetDefault("job_timeout", "0s")
	v.SetDefault("queue_size", 1000)
	v.SetDefault("drain_timeout", "30s")
	v.SetDefault("hot_reload", false)
	v.SetDefault("retention", "168h")
	v.SetDefault("metrics_retention", "24h")

	v.SetDefault("store.path", "docflow.db")

	v.SetDefault("schedule.min_interval", "1s")
	v.SetDefault("schedule.fetch_interval", "1m")
	v.SetDefault("schedule.health_interval", "30s")
	v.SetDefault("schedule.cleanup", "@daily")

	v.SetDefault("health.memory_percent", 90)
	v.SetDefault("health.cpu_percent", 95)
	v.SetDefault("health.disk_percent", 90)
	v.SetDefault("health.error_rate_percent", 25)
	v.SetDefault("health.queue_backlog", 0)
	v.SetDefault("health.proc_path", "/proc")
	v.SetDefault("health.disk_path", "/")

	v.SetDefault("watch.dir", "")
	v.SetDefault("watch.patterns", []string{"**/*.pdf"})
	v.SetDefault("watch.job_type", "")
	v.SetDefault("watch.priority", 2)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.use_path_style", false)

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.keys", []string{})
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.rate_burst", 10)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "docflow.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in defaults with no file or environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads defaults, then path (YAML, JSON or TOML; optional), then
// DOCFLOW_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Workers > 0, "workers must be > 0")
	check(c.MaxRetries >= 0, "max_retries must be >= 0")
	check(c.RetryBaseDelay > 0, "retry_base_delay must be > 0")
	check(c.RetryMaxDelay == 0 || c.RetryMaxDelay >= c.RetryBaseDelay,
		"retry_max_delay %s must be 0 or >= retry_base_delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	check(c.JobTimeout >= 0, "job_timeout must be >= 0")
	check(c.QueueSize >= 0, "queue_size must be >= 0")
	check(c.DrainTimeout >= 0, "drain_timeout must be >= 0")
	check(c.Retention >= 0, "retention must be >= 0")
	check(c.MetricsRetention >= 0, "metrics_retention must be >= 0")
	check(c.Store.Path != "", "store.path must not be empty")

	floor := max(c.Schedule.MinInterval, time.Second)
	check(c.Schedule.FetchInterval >= floor,
		"schedule.fetch_interval %s is below the minimum %s", c.Schedule.FetchInterval, floor)
	check(c.Schedule.HealthInterval >= floor,
		"schedule.health_interval %s is below the minimum %s", c.Schedule.HealthInterval, floor)
	if _, err := cron.ParseStandard(c.Schedule.Cleanup); err != nil {
		errs = append(errs, fmt.Errorf("schedule.cleanup %q: %w", c.Schedule.Cleanup, err))
	}

	for name, pct := range map[string]float64{
		"memory_percent":     c.Health.MemoryPercent,
		"cpu_percent":        c.Health.CPUPercent,
		"disk_percent":       c.Health.DiskPercent,
		"error_rate_percent": c.Health.ErrorRatePercent,
	} {
		check(pct >= 0 && pct <= 100, "health.%s must be within 0..100", name)
	}
	check(c.Health.QueueBacklog >= 0, "health.queue_backlog must be >= 0")

	if c.Watch.Dir != "" {
		check(c.Watch.JobType != "", "watch.job_type is required when watch.dir is set")
		check(len(c.Watch.Patterns) > 0, "watch.patterns must not be empty")
	}
	for _, p := range c.Watch.Patterns {
		check(doublestar.ValidatePattern(p), "watch.patterns: invalid pattern %q", p)
	}
	check(c.Watch.Priority >= 0, "watch.priority must be >= 0")

	for name, p := range c.Processors {
		check(p.Command != "", "processors.%s.command must not be empty", name)
	}

	check(c.API.RateLimit >= 0, "api.rate_limit must be >= 0")
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of: debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// QueueBacklog returns the backlog threshold, deriving it from QueueSize when
// unset.
func (c *Config) QueueBacklog() int {
	if c.Health.QueueBacklog > 0 {
		return c.Health.QueueBacklog
	}
	return c.QueueSize * 8 / 10
}

// Logger builds a slog logger writing to w according to Log.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
