// Package robots caches robots.txt rules per host and answers allow checks.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/metrics"
)

// Config tunes the cache.
type Config struct {
	UserAgent string
	TTL       time.Duration
	Timeout   time.Duration
	MaxBytes  int64
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 512 << 10
	}
	return c
}

type entry struct {
	// group is nil when every path is allowed.
	group     *robotstxt.Group
	fetchedAt time.Time
}

// Cache fetches robots.txt lazily and keeps the group for the configured agent.
// Lookups that fail for any reason other than a 4xx fail open.
type Cache struct {
	cfg    Config
	client *http.Client
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
	loads   singleflight.Group
}

// New builds a Cache. A nil client gets a plain http.Client.
func New(client *http.Client, cfg Config, clock crawler.Clock, logger *zap.Logger) *Cache {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg.withDefaults(),
		client:  client,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Allowed reports whether the configured agent may fetch rawURL.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)

	group := c.lookup(ctx, key)
	if group == nil {
		return true
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) > c.cfg.TTL {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached hosts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(ctx context.Context, key string) *robotstxt.Group {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock.Now().Sub(e.fetchedAt) <= c.cfg.TTL {
		return e.group
	}

	// The shared load outlives any single caller so a canceled request
	// cannot cache a fail-open entry for the whole host.
	loadCtx := context.WithoutCancel(ctx)
	v, _, _ := c.loads.Do(key, func() (any, error) {
		group := c.load(loadCtx, key)
		c.mu.Lock()
		c.entries[key] = entry{group: group, fetchedAt: c.clock.Now()}
		c.mu.Unlock()
		return group, nil
	})
	group, _ := v.(*robotstxt.Group)
	return group
}

func (c *Cache) load(ctx context.Context, origin string) *robotstxt.Group {
	group, err := c.fetch(ctx, origin)
	if err != nil {
		c.logger.Warn("robots lookup failed; allowing access",
			zap.String("origin", origin), zap.Error(err))
		metrics.ObserveRobotsFailOpen(origin)
		return nil
	}
	return group
}

func (c *Cache) fetch(ctx context.Context, origin string) (*robotstxt.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// No robots file: everything is allowed.
		return nil, nil
	default:
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data.FindGroup(matchAgent(body, c.cfg.UserAgent)), nil
}

// matchAgent picks the longest User-agent token in body that appears anywhere
// in userAgent, ignoring case. It returns "*" when no named group matches.
// FindGroup is then handed the token itself, since it only matches prefixes.
func matchAgent(body []byte, userAgent string) string {
	ua := strings.ToLower(userAgent)
	best := "*"
	for _, line := range strings.Split(string(body), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "user-agent") {
			continue
		}
		token := strings.ToLower(strings.TrimSpace(value))
		if token == "" || token == "*" || !strings.Contains(ua, token) {
			continue
		}
		if best == "*" || len(token) > len(best) {
			best = token
		}
	}
	return best
}
