package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:5002", cfg.Server.Bind)
	require.Equal(t, 10*time.Minute, cfg.Server.TickTimeout)
	require.Equal(t, 2, cfg.Crawler.PerHostConcurrency)
	require.Equal(t, 350*time.Millisecond, cfg.Crawler.PolitenessDelay)
	require.Equal(t, 64, cfg.Crawler.MaxBatch)
	require.Equal(t, 50, cfg.Crawler.DefaultBatch)
	require.Equal(t, 12*time.Hour, cfg.Crawler.SuccessInterval)
	require.Equal(t, 30*time.Minute, cfg.Crawler.BackoffBase)
	require.Equal(t, 6*time.Hour, cfg.Crawler.BackoffMax)
	require.Equal(t, "backoff", cfg.Crawler.UnsupportedContentPolicy)
	require.Equal(t, 25*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, 8, cfg.HTTP.MaxRedirects)
	require.Equal(t, 200000, cfg.Extract.MaxBodyChars)
	require.Equal(t, 5000, cfg.Discovery.MaxSitemapURLs)
	require.Equal(t, StorageNone, cfg.Storage.Backend)
	require.True(t, cfg.DB.AutoMigrate)
	require.False(t, cfg.UsesPostgres())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  bind: 0.0.0.0:9090
  tick_timeout: 2m
auth:
  enabled: true
  api_key: secret
ratelimit:
  enabled: true
  rps: 2.5
  burst: 4
crawler:
  user_agent: test-agent
  politeness_delay: 1s
  max_batch: 10
  default_batch: 5
  unsupported_content_policy: skip
  seeds:
    - https://example.org/
  discover_on_seed: true
db:
  dsn: postgres://localhost/ingest
  max_conns: 4
storage:
  backend: local
  local:
    base_dir: /tmp/raw
scheduler:
  tick_spec: "@every 30s"
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9090", cfg.Server.Bind)
	require.Equal(t, 2*time.Minute, cfg.Server.TickTimeout)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.InDelta(t, 2.5, cfg.RateLimit.RPS, 0.001)
	require.Equal(t, "test-agent", cfg.Crawler.UserAgent)
	require.Equal(t, time.Second, cfg.Crawler.PolitenessDelay)
	require.Equal(t, 5, cfg.Crawler.DefaultBatch)
	require.Equal(t, "skip", cfg.Crawler.UnsupportedContentPolicy)
	require.Equal(t, []string{"https://example.org/"}, cfg.Crawler.Seeds)
	require.True(t, cfg.Crawler.DiscoverOnSeed)
	require.True(t, cfg.UsesPostgres())
	require.EqualValues(t, 4, cfg.DB.MaxConns)
	require.Equal(t, StorageLocal, cfg.Storage.Backend)
	require.Equal(t, "/tmp/raw", cfg.Storage.Local.BaseDir)
	require.Equal(t, "@every 30s", cfg.Scheduler.TickSpec)
	require.False(t, cfg.Logging.Development)
}

// Environment tests cannot run in parallel because t.Setenv mutates the process.
func TestLoadEnvironment(t *testing.T) {
	t.Setenv("INGEST_CRAWLER_MAX_BATCH", "32")
	t.Setenv("WORKER_BIND", "127.0.0.1:7000")
	t.Setenv("PG_URL", "postgres://legacy/db")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Crawler.MaxBatch)
	require.Equal(t, 32, cfg.Crawler.DefaultBatch)
	require.Equal(t, "127.0.0.1:7000", cfg.Server.Bind)
	require.Equal(t, "postgres://legacy/db", cfg.DB.DSN)
}

func TestLoadKeepsDefaultBatchBelowMax(t *testing.T) {
	t.Setenv("INGEST_CRAWLER_MAX_BATCH", "200")
	t.Setenv("INGEST_CRAWLER_DEFAULT_BATCH", "20")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 200, cfg.Crawler.MaxBatch)
	require.Equal(t, 20, cfg.Crawler.DefaultBatch)
}

func TestLoadPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("INGEST_SERVER_BIND", "127.0.0.1:7001")
	t.Setenv("WORKER_BIND", "127.0.0.1:7000")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7001", cfg.Server.Bind)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty bind", func(c *Config) { c.Server.Bind = " " }, "server.bind"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"ratelimit without rps", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RPS = 0 }, "ratelimit"},
		{"no user agent", func(c *Config) { c.Crawler.UserAgent = "" }, "crawler.user_agent"},
		{"zero per host", func(c *Config) { c.Crawler.PerHostConcurrency = 0 }, "crawler.per_host_concurrency"},
		{"zero max batch", func(c *Config) { c.Crawler.MaxBatch = 0 }, "crawler.max_batch"},
		{"zero default batch", func(c *Config) { c.Crawler.DefaultBatch = 0 }, "crawler.default_batch"},
		{"bad policy", func(c *Config) { c.Crawler.UnsupportedContentPolicy = "drop" }, "unsupported_content_policy"},
		{"zero timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"pubsub without topic", func(c *Config) { c.PubSub.ProjectID = "p"; c.PubSub.Topic = "" }, "pubsub.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
