// Package collyfetcher implements crawler.Fetcher on top of gocolly with
// per-host permits and a fixed politeness delay.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent          string
	PerHostConcurrency int
	PolitenessDelay    time.Duration
	Timeout            time.Duration
	MaxRedirects       int
}

func (c Config) withDefaults() Config {
	if c.PerHostConcurrency <= 0 {
		c.PerHostConcurrency = 2
	}
	if c.PolitenessDelay < 0 {
		c.PolitenessDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 25 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 8
	}
	return c
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	robots        crawler.RobotsChecker
	gate          *hostGate
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. robots may be nil to skip robots.txt checks.
func New(cfg Config, robots crawler.RobotsChecker, logger *zap.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(0),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(&decodingTransport{base: newHTTPTransport()})
	c.SetRequestTimeout(cfg.Timeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return crawler.ErrTooManyRedirects
		}
		return nil
	})

	return &Fetcher{
		cfg:           cfg,
		robots:        robots,
		gate:          newHostGate(cfg.PerHostConcurrency),
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch validates the URL, checks robots, waits for a host permit and the
// politeness delay, then issues one GET. A 304 is returned with NotModified
// set. Any other non-2xx status is an ErrHTTPStatus error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	target, err := crawler.ParseHTTPURL(request.URL)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	rawURL := target.String()
	host := strings.ToLower(target.Host)

	if f.robots != nil && !f.robots.Allowed(ctx, rawURL) {
		metrics.ObserveFetch(host, crawler.KindOf(crawler.ErrRobotsBlocked), 0, 0)
		return crawler.FetchResponse{}, crawler.NewError(crawler.ErrRobotsBlocked, rawURL, nil)
	}

	waitStart := time.Now()
	release, err := f.gate.acquire(ctx, host)
	if err != nil {
		return crawler.FetchResponse{}, crawler.NewError(crawler.ErrNetwork, rawURL, err)
	}
	defer release()
	if err := pause(ctx, f.cfg.PolitenessDelay); err != nil {
		return crawler.FetchResponse{}, crawler.NewError(crawler.ErrNetwork, rawURL, err)
	}
	metrics.ObservePolitenessWait(host, time.Since(waitStart))

	resp, err := f.get(ctx, rawURL, request)
	outcome := crawler.KindOf(err)
	if err == nil && resp.NotModified {
		outcome = "not_modified"
	}
	metrics.ObserveFetch(host, outcome, len(resp.Body), resp.Duration)
	return resp, err
}

func (f *Fetcher) get(ctx context.Context, rawURL string, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	captureCtx, capture := withRawCapture(ctx)
	collector := f.buildCollector(captureCtx)
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, crawler.NewError(crawler.ErrNetwork, rawURL, err)
	}
	result.URL = rawURL
	// colly transcodes declared charsets; keep the bytes as received.
	if raw := capture.Bytes(); raw != nil && !bytes.Equal(raw, result.Body) {
		result.DecodedBody = result.Body
		result.Body = raw
	}

	switch {
	case result.StatusCode == http.StatusNotModified:
		result.NotModified = true
		result.Body = nil
		result.DecodedBody = nil
	case result.StatusCode < 200 || result.StatusCode > 299:
		f.logger.Debug("non-success status",
			zap.String("url", rawURL), zap.Int("status", result.StatusCode))
		return result, crawler.StatusError(rawURL, result.StatusCode)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		setValidators(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := ""
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = crawler.FetchResponse{
			FinalURL:     finalURL,
			StatusCode:   r.StatusCode,
			ContentType:  headers.Get("Content-Type"),
			Headers:      headers,
			Body:         append([]byte(nil), r.Body...),
			ETag:         headers.Get("ETag"),
			LastModified: headers.Get("Last-Modified"),
			Duration:     time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		// The request shares ctx and unwinds promptly. Waiting for it keeps
		// the host permit held until the connection is actually released.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func setValidators(request crawler.FetchRequest, r *colly.Request) {
	if r.Headers == nil {
		return
	}
	if request.ETag != "" {
		r.Headers.Set("If-None-Match", request.ETag)
	}
	if request.LastModified != "" {
		r.Headers.Set("If-Modified-Since", request.LastModified)
	}
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // context error
	case <-timer.C:
		return nil
	}
}
