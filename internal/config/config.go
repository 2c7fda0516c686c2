// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/trashtv-ingest/internal/extract"
	"github.com/JakeFAU/trashtv-ingest/internal/logging"
)

// Render modes for the source document.
const (
	RenderModeHTTP     = "http"
	RenderModeHeadless = "headless"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Source    SourceConfig    `mapstructure:"source"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port               int      `mapstructure:"port"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// SourceConfig describes the page being watched.
type SourceConfig struct {
	URL           string           `mapstructure:"url"`
	Targets       []extract.Target `mapstructure:"targets"`
	FetchInterval time.Duration    `mapstructure:"fetch_interval"`
	RecordHistory bool             `mapstructure:"record_history"`
	RenderMode    string           `mapstructure:"render_mode"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	NavigationTimeoutSeconds int `mapstructure:"navigation_timeout_seconds"`
}

// BackfillConfig controls the payload backfill task.
type BackfillConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

// SchedulerConfig bounds each tick.
type SchedulerConfig struct {
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// DatabaseConfig controls access to PostgreSQL. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// ArchiveConfig selects where attached payloads are mirrored.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	GCS     GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig is used by the local backend.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConfig is used by the gcs backend.
type GCSArchiveConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// PubSubConfig holds metadata for change notifications. An empty project
// selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRASHTV")
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
	if len(cfg.Source.Targets) == 0 {
		cfg.Source.Targets = extract.DefaultTargets()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_allowed_origins", []string{})
	v.SetDefault("source.url", "https://archillect.com/tv")
	v.SetDefault("source.fetch_interval", 9*time.Second)
	v.SetDefault("source.record_history", true)
	v.SetDefault("source.render_mode", RenderModeHTTP)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "trashtv-ingest/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_body_bytes", 20<<20)
	v.SetDefault("headless.navigation_timeout_seconds", 25)
	v.SetDefault("backfill.enabled", true)
	v.SetDefault("backfill.interval", 15*time.Second)
	v.SetDefault("backfill.concurrency", 1)
	v.SetDefault("scheduler.tick_timeout", 2*time.Minute)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "gifs")
	v.SetDefault("archive.local.base_dir", "")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.cache_control", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "trashtv-events")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "trashtv-ingest")
}

// Validate enforces required values and reasonable limits. Errors name the
// offending key.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	for _, origin := range c.Server.CORSAllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("server.cors_allowed_origins must list explicit origins, not *")
		}
		if err := validateURL(origin); err != nil {
			return fmt.Errorf("server.cors_allowed_origins: %q: %w", origin, err)
		}
	}
	if err := validateURL(c.Source.URL); err != nil {
		return fmt.Errorf("source.url: %w", err)
	}
	if _, err := extract.New(c.Source.Targets); err != nil {
		return fmt.Errorf("source.targets: %w", err)
	}
	if c.Source.FetchInterval <= 0 {
		return fmt.Errorf("source.fetch_interval must be > 0")
	}
	switch c.Source.RenderMode {
	case RenderModeHTTP, RenderModeHeadless:
	default:
		return fmt.Errorf("source.render_mode must be %q or %q, got %q", RenderModeHTTP, RenderModeHeadless, c.Source.RenderMode)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if c.Source.RenderMode == RenderModeHeadless && c.Headless.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("headless.navigation_timeout_seconds must be > 0 when render_mode is headless")
	}
	if c.Backfill.Enabled {
		if c.Backfill.Interval <= 0 {
			return fmt.Errorf("backfill.interval must be > 0")
		}
		if c.Backfill.Concurrency <= 0 {
			return fmt.Errorf("backfill.concurrency must be > 0")
		}
	}
	if c.Scheduler.TickTimeout < 0 {
		return fmt.Errorf("scheduler.tick_timeout must be >= 0")
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		return fmt.Errorf("database.max_conns and database.min_conns must be >= 0")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns must not exceed database.max_conns")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set when archive.backend is local")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend: unknown backend %q", c.Archive.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// HTTPTimeout converts http.timeout_seconds to a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavigationTimeout converts headless.navigation_timeout_seconds to a duration.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Headless.NavigationTimeoutSeconds) * time.Second
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
