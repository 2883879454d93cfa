// Package discovery finds candidate URLs in RSS/Atom feeds and XML sitemaps.
package discovery

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// Defaults for Config.
const (
	DefaultMaxSitemapURLs = 5000
	DefaultMaxSitemaps    = 10
	maxAlternateFeeds     = 3
)

// feedPaths are probed in order after the origin page itself.
var feedPaths = []string{"/feed/", "/rss.xml", "/atom.xml"}

// Config bounds discovery work per origin.
type Config struct {
	MaxSitemapURLs int
	MaxSitemaps    int
}

// Discoverer implements crawler.Discoverer. Every request goes through the
// shared fetcher so robots rules, host permits and the politeness delay apply.
type Discoverer struct {
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds a Discoverer.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.MaxSitemapURLs <= 0 {
		cfg.MaxSitemapURLs = DefaultMaxSitemapURLs
	}
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = DefaultMaxSitemaps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, cfg: cfg, logger: logger}
}

// fetchBody returns the body of a 2xx response, or nil on any failure.
func (d *Discoverer) fetchBody(ctx context.Context, rawURL string) (crawler.FetchResponse, bool) {
	resp, err := d.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL})
	if err != nil {
		d.logger.Debug("discovery fetch failed", zap.String("url", rawURL), zap.Error(err))
		return crawler.FetchResponse{}, false
	}
	if resp.NotModified || len(resp.Body) == 0 {
		return crawler.FetchResponse{}, false
	}
	return resp, true
}

// resolveHTTP resolves ref against base and keeps only http(s) results.
func resolveHTTP(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return ""
	}
	parsed.Fragment = ""
	return parsed.String()
}
