// Package config loads and validates rank tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // scheduler timezones must resolve in minimal images

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Search    SearchConfig    `mapstructure:"search"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Events    EventsConfig    `mapstructure:"events"`
	SystemLog SystemLogConfig `mapstructure:"systemlog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Snapshots SnapshotConfig  `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig controls the operational HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig configures the shared headless browser process.
type BrowserConfig struct {
	Headless         bool   `mapstructure:"headless"`
	NoSandbox        bool   `mapstructure:"no_sandbox"`
	UserAgent        string `mapstructure:"user_agent"`
	ExecPath         string `mapstructure:"exec_path"`
	NavTimeoutSec    int    `mapstructure:"nav_timeout_seconds"`
	SettleMs         int    `mapstructure:"settle_ms"`
	LaunchTimeoutSec int    `mapstructure:"launch_timeout_seconds"`
}

// QueueConfig sets the bounded task queue size.
type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// SearchConfig holds search surface URL templates and pagination limits.
// Templates contain a single %s that receives the escaped keyword.
type SearchConfig struct {
	PlaceURL        string `mapstructure:"place_url"`
	BlogURL         string `mapstructure:"blog_url"`
	MainURL         string `mapstructure:"main_url"`
	MaxPages        int    `mapstructure:"max_pages"`
	PageSize        int    `mapstructure:"page_size"`
	TopN            int    `mapstructure:"top_n"`
	ScrollPauseMs   int    `mapstructure:"scroll_pause_ms"`
	MaxScrollRounds int    `mapstructure:"max_scroll_rounds"`
}

// JobsConfig controls job retention.
type JobsConfig struct {
	RetentionHours       int `mapstructure:"retention_hours"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// EventsConfig controls the event bus buffering and status broadcasts.
type EventsConfig struct {
	BufferEnabled         bool `mapstructure:"buffer_enabled"`
	BufferSize            int  `mapstructure:"buffer_size"`
	SubscriberBuffer      int  `mapstructure:"subscriber_buffer"`
	StatusIntervalSeconds int  `mapstructure:"status_interval_seconds"`
}

// SystemLogConfig sizes the in-process log ring.
type SystemLogConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SchedulerConfig configures the daily cron trigger.
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

// RateLimitConfig paces navigations per host.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// DatabaseConfig controls access to the keyword store.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// SnapshotConfig selects where result page snapshots are written.
type SnapshotConfig struct {
	Backend      string `mapstructure:"backend"`
	Bucket       string `mapstructure:"bucket"`
	BaseDir      string `mapstructure:"base_dir"`
	Prefix       string `mapstructure:"prefix"`
	OnlyNotFound bool   `mapstructure:"only_not_found"`
}

// PubSubConfig holds metadata for forwarding events to a broker.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKTRACKER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.settle_ms", 1500)
	v.SetDefault("browser.launch_timeout_seconds", 30)
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("search.place_url", "https://map.naver.com/p/search/%s")
	v.SetDefault("search.blog_url", "https://search.naver.com/search.naver?where=blog&query=%s")
	v.SetDefault("search.main_url", "https://search.naver.com/search.naver?query=%s")
	v.SetDefault("search.max_pages", 3)
	v.SetDefault("search.page_size", 70)
	v.SetDefault("search.top_n", 10)
	v.SetDefault("search.scroll_pause_ms", 800)
	v.SetDefault("search.max_scroll_rounds", 15)
	v.SetDefault("jobs.retention_hours", 24)
	v.SetDefault("jobs.sweep_interval_minutes", 60)
	v.SetDefault("events.buffer_enabled", true)
	v.SetDefault("events.buffer_size", 100)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.status_interval_seconds", 5)
	v.SetDefault("systemlog.capacity", 1000)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 6 * * *")
	v.SetDefault("scheduler.timezone", "Asia/Seoul")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 0.5)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "")
	v.SetDefault("snapshots.base_dir", "data")
	v.SetDefault("snapshots.only_not_found", true)
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Search.MaxPages <= 0 || c.Search.PageSize <= 0 {
		return fmt.Errorf("search.max_pages and search.page_size must be > 0")
	}
	for key, tmpl := range map[string]string{
		"search.place_url": c.Search.PlaceURL,
		"search.blog_url":  c.Search.BlogURL,
		"search.main_url":  c.Search.MainURL,
	} {
		if strings.Count(tmpl, "%s") != 1 {
			return fmt.Errorf("%s must contain exactly one %%s placeholder", key)
		}
	}
	if c.Jobs.RetentionHours <= 0 {
		return fmt.Errorf("jobs.retention_hours must be > 0")
	}
	if c.SystemLog.Capacity <= 0 {
		return fmt.Errorf("systemlog.capacity must be > 0")
	}
	if c.Events.BufferEnabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0 when buffering is enabled")
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("scheduler.cron is invalid: %w", err)
		}
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone is invalid: %w", err)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	switch c.Snapshots.Backend {
	case "", "none", "memory", "local":
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not supported", c.Snapshots.Backend)
	}
	return nil
}

// NavTimeout returns the per-keyword navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// Retention returns how long terminal jobs are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}

// SweepInterval returns how often expired jobs are purged.
func (c Config) SweepInterval() time.Duration {
	if c.Jobs.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Jobs.SweepIntervalMinutes) * time.Minute
}
