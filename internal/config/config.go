// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Bind           string        `mapstructure:"bind"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TickTimeout    time.Duration `mapstructure:"tick_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RateLimitConfig throttles API clients by remote address.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// CrawlerConfig governs fetch politeness, batching and scheduling of queue rows.
type CrawlerConfig struct {
	UserAgent                string        `mapstructure:"user_agent"`
	PerHostConcurrency       int           `mapstructure:"per_host_concurrency"`
	PolitenessDelay          time.Duration `mapstructure:"politeness_delay"`
	MaxBatch                 int           `mapstructure:"max_batch"`
	DefaultBatch             int           `mapstructure:"default_batch"`
	SuccessInterval          time.Duration `mapstructure:"success_interval"`
	InflightWindow           time.Duration `mapstructure:"inflight_window"`
	BackoffBase              time.Duration `mapstructure:"backoff_base"`
	BackoffMax               time.Duration `mapstructure:"backoff_max"`
	UnsupportedContentPolicy string        `mapstructure:"unsupported_content_policy"`
	Seeds                    []string      `mapstructure:"seeds"`
	DiscoverOnSeed           bool          `mapstructure:"discover_on_seed"`
}

// RobotsConfig tunes the robots.txt cache.
type RobotsConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures page fetches.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// ExtractConfig bounds extracted text and links.
type ExtractConfig struct {
	MaxBodyChars int `mapstructure:"max_body_chars"`
	MaxLinks     int `mapstructure:"max_links"`
}

// DiscoveryConfig bounds sitemap traversal.
type DiscoveryConfig struct {
	MaxSitemapURLs int `mapstructure:"max_sitemap_urls"`
	MaxSitemaps    int `mapstructure:"max_sitemaps"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects where raw bodies are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SchedulerConfig holds cron specs for background ticks and seeding. Empty disables.
type SchedulerConfig struct {
	TickSpec string `mapstructure:"tick_spec"`
	SeedSpec string `mapstructure:"seed_spec"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Archive backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// normalize reconciles settings that depend on each other. Lowering only
// crawler.max_batch pulls the default batch down with it.
func (c *Config) normalize() {
	if c.Crawler.MaxBatch > 0 && c.Crawler.DefaultBatch > c.Crawler.MaxBatch {
		c.Crawler.DefaultBatch = c.Crawler.MaxBatch
	}
}

// bindLegacyEnv keeps the variable names older deployments set.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("server.bind", "INGEST_SERVER_BIND", "WORKER_BIND"); err != nil {
		return fmt.Errorf("bind server.bind: %w", err)
	}
	if err := v.BindEnv("db.dsn", "INGEST_DB_DSN", "PG_URL"); err != nil {
		return fmt.Errorf("bind db.dsn: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "127.0.0.1:5002")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.tick_timeout", 10*time.Minute)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("crawler.user_agent", "ClimateImpactBot/1.0 (+https://codered.plobethus.com)")
	v.SetDefault("crawler.per_host_concurrency", 2)
	v.SetDefault("crawler.politeness_delay", 350*time.Millisecond)
	v.SetDefault("crawler.max_batch", 64)
	v.SetDefault("crawler.default_batch", 50)
	v.SetDefault("crawler.success_interval", 12*time.Hour)
	v.SetDefault("crawler.inflight_window", 5*time.Minute)
	v.SetDefault("crawler.backoff_base", 30*time.Minute)
	v.SetDefault("crawler.backoff_max", 6*time.Hour)
	v.SetDefault("crawler.unsupported_content_policy", "backoff")
	v.SetDefault("crawler.discover_on_seed", false)
	v.SetDefault("robots.ttl", 30*time.Minute)
	v.SetDefault("robots.timeout", 10*time.Second)
	v.SetDefault("http.timeout", 25*time.Second)
	v.SetDefault("http.max_redirects", 8)
	v.SetDefault("extract.max_body_chars", 200000)
	v.SetDefault("extract.max_links", 100)
	v.SetDefault("discovery.max_sitemap_urls", 5000)
	v.SetDefault("discovery.max_sitemaps", 10)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.local.base_dir", "./data/raw")
	v.SetDefault("pubsub.topic", "document-changed")
	v.SetDefault("scheduler.tick_spec", "")
	v.SetDefault("scheduler.seed_spec", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be > 0 when rate limiting is enabled")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.PerHostConcurrency <= 0 {
		return fmt.Errorf("crawler.per_host_concurrency must be > 0")
	}
	if c.Crawler.PolitenessDelay < 0 {
		return fmt.Errorf("crawler.politeness_delay must be >= 0")
	}
	if c.Crawler.MaxBatch <= 0 {
		return fmt.Errorf("crawler.max_batch must be > 0")
	}
	if c.Crawler.DefaultBatch <= 0 {
		return fmt.Errorf("crawler.default_batch must be > 0")
	}
	switch c.Crawler.UnsupportedContentPolicy {
	case "backoff", "skip":
	default:
		return fmt.Errorf("crawler.unsupported_content_policy must be backoff or skip, got %q", c.Crawler.UnsupportedContentPolicy)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must be >= 0")
	}
	switch c.Storage.Backend {
	case "", StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub.project_id is set")
	}
	return nil
}

// UsesPostgres reports whether a database DSN is configured.
func (c Config) UsesPostgres() bool {
	return strings.TrimSpace(c.DB.DSN) != ""
}
