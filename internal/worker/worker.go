// Package worker implements the crawl orchestrator: seeding, discovery, ticks and single-URL ingest.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/metrics"
)

// ContentPolicy decides what happens to URLs that keep returning non-HTML content.
type ContentPolicy string

// Content policies.
const (
	ContentPolicyBackoff ContentPolicy = "backoff"
	ContentPolicySkip    ContentPolicy = "skip"
)

// Config controls Worker behavior.
type Config struct {
	MaxBatch                 int
	UnsupportedContentPolicy ContentPolicy
	Seeds                    []string
	DiscoverOnSeed           bool
	ArchivePrefix            string
	Topic                    string
}

// Deps groups the collaborators a Worker drives. Archive and Publisher are optional.
type Deps struct {
	Queue      crawler.Queue
	Documents  crawler.DocumentStore
	Fetcher    crawler.Fetcher
	Extractor  crawler.Extractor
	Language   crawler.LanguageDetector
	Hasher     crawler.Hasher
	Discoverer crawler.Discoverer
	Archive    crawler.BlobStore
	Publisher  crawler.Publisher
	Clock      crawler.Clock
}

// Worker ties the queue, fetch pipeline and stores together.
type Worker struct {
	queue      crawler.Queue
	documents  crawler.DocumentStore
	fetcher    crawler.Fetcher
	extractor  crawler.Extractor
	language   crawler.LanguageDetector
	hasher     crawler.Hasher
	discoverer crawler.Discoverer
	archive    crawler.BlobStore
	publisher  crawler.Publisher
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Documents == nil:
		return nil, errors.New("document store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.UnsupportedContentPolicy == "" {
		cfg.UnsupportedContentPolicy = ContentPolicyBackoff
	}
	if len(cfg.Seeds) == 0 {
		cfg.Seeds = DefaultSeeds()
	}
	return &Worker{
		queue:      deps.Queue,
		documents:  deps.Documents,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		language:   deps.Language,
		hasher:     deps.Hasher,
		discoverer: deps.Discoverer,
		archive:    deps.Archive,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

type itemOutcome struct {
	ok       bool
	enqueued int
}

// Tick claims up to batch due items and processes each one concurrently.
// Per-host throttling happens inside the fetcher. Tick returns once every
// item has been rescheduled.
func (w *Worker) Tick(ctx context.Context, batch int) (crawler.TickResult, error) {
	start := w.clock.Now()
	if batch <= 0 {
		batch = 1
	}
	if batch > w.cfg.MaxBatch {
		batch = w.cfg.MaxBatch
	}

	items, err := w.queue.DequeueDue(ctx, batch)
	if err != nil {
		return crawler.TickResult{}, fmt.Errorf("dequeue due: %w", err)
	}
	if len(items) == 0 {
		w.logger.Debug("tick found no due items", zap.Int("batch", batch))
		return crawler.TickResult{}, nil
	}

	// Claimed rows must be rescheduled even if the caller goes away.
	workCtx := context.WithoutCancel(ctx)
	outcomes := make([]itemOutcome, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = w.runItem(workCtx, item)
			return nil
		})
	}
	_ = g.Wait()

	var result crawler.TickResult
	for _, out := range outcomes {
		if out.ok {
			result.ProcessedOK++
		} else {
			result.Failed++
		}
		result.NewlyEnqueued += out.enqueued
	}

	elapsed := w.clock.Now().Sub(start)
	metrics.ObserveTick(elapsed)
	w.logger.Info("tick complete",
		zap.Int("claimed", len(items)),
		zap.Int("processed_ok", result.ProcessedOK),
		zap.Int("failed", result.Failed),
		zap.Int("newly_enqueued", result.NewlyEnqueued),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (w *Worker) runItem(ctx context.Context, item crawler.QueueItem) (out itemOutcome) {
	var (
		status      int
		notModified bool
		err         error
	)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic processing %s: %v", item.URL, rec)
		}
		out.ok = w.reschedule(ctx, item, status, err)
		outcome := crawler.KindOf(err)
		if notModified && err == nil {
			outcome = "not_modified"
		}
		metrics.ObserveTickItem(outcome)
	}()
	status, notModified, out.enqueued, err = w.processItem(ctx, item)
	return out
}

func (w *Worker) processItem(ctx context.Context, item crawler.QueueItem) (int, bool, int, error) {
	if _, err := crawler.ParseHTTPURL(item.URL); err != nil {
		return 0, false, 0, err
	}

	validators, err := w.documents.Validators(ctx, item.URL)
	if err != nil {
		w.logger.Debug("validators lookup failed; fetching unconditionally",
			zap.String("url", item.URL), zap.Error(err))
		validators = crawler.Validators{}
	}

	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:          item.URL,
		ETag:         deref(validators.ETag),
		LastModified: deref(validators.LastModified),
	})
	if err != nil {
		return 0, false, 0, err
	}
	if resp.NotModified {
		w.logger.Debug("not modified", zap.String("url", item.URL))
		return resp.StatusCode, true, 0, nil
	}

	doc, links, err := w.buildDocument(item.URL, resp)
	if err != nil {
		return resp.StatusCode, false, 0, err
	}
	if err := w.documents.Upsert(ctx, doc); err != nil {
		return resp.StatusCode, false, 0, crawler.NewError(crawler.ErrStore, item.URL, err)
	}
	w.afterStore(ctx, doc, resp.Body, validators.ContentHash)

	return resp.StatusCode, false, w.enqueueLinks(ctx, links), nil
}

// reschedule records the item's outcome on the queue and reports whether it counts as processed.
func (w *Worker) reschedule(ctx context.Context, item crawler.QueueItem, status int, procErr error) bool {
	logger := w.logger.With(zap.Int64("id", item.ID), zap.String("url", item.URL))
	if procErr == nil {
		if err := w.queue.MarkSuccess(ctx, item.ID, status); err != nil {
			logger.Error("mark success failed", zap.Error(err))
			return false
		}
		return true
	}

	reason := crawler.Reason(procErr)
	statusPtr := crawler.StatusOf(procErr)
	var err error
	switch {
	case errors.Is(procErr, crawler.ErrInvalidURL):
		logger.Warn("invalid url in queue; marking dead", zap.Error(procErr))
		err = w.queue.MarkDead(ctx, item.ID, statusPtr, reason)
	case errors.Is(procErr, crawler.ErrUnsupportedContentType):
		logger.Info("unsupported content type",
			zap.String("policy", string(w.cfg.UnsupportedContentPolicy)),
			zap.String("reason", reason),
		)
		if w.cfg.UnsupportedContentPolicy == ContentPolicySkip {
			err = w.queue.MarkDead(ctx, item.ID, statusPtr, reason)
		} else {
			err = w.queue.MarkFailure(ctx, item.ID, statusPtr, reason, item.Attempts)
		}
	default:
		logger.Warn("crawl item failed", zap.Int("attempts", item.Attempts), zap.Error(procErr))
		err = w.queue.MarkFailure(ctx, item.ID, statusPtr, reason, item.Attempts)
	}
	if err != nil {
		logger.Error("reschedule failure failed", zap.Error(err))
	}
	return false
}

// IngestURL fetches, extracts and stores one URL synchronously.
func (w *Worker) IngestURL(ctx context.Context, rawURL string) (crawler.IngestResult, error) {
	start := w.clock.Now()
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.IngestResult{}, err
	}

	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: normalized})
	if err != nil {
		return crawler.IngestResult{}, err
	}
	doc, links, err := w.buildDocument(normalized, resp)
	if err != nil {
		return crawler.IngestResult{}, err
	}

	previous, err := w.documents.Validators(ctx, normalized)
	if err != nil {
		w.logger.Debug("validators lookup failed", zap.String("url", normalized), zap.Error(err))
	}
	if err := w.documents.Upsert(ctx, doc); err != nil {
		return crawler.IngestResult{}, crawler.NewError(crawler.ErrStore, normalized, err)
	}
	w.afterStore(ctx, doc, resp.Body, previous.ContentHash)
	enqueued := w.enqueueLinks(ctx, links)

	elapsed := w.clock.Now().Sub(start)
	w.logger.Info("ingested url",
		zap.String("url", normalized),
		zap.Int("bytes", len(doc.BodyText)),
		zap.Int("links_enqueued", enqueued),
		zap.Duration("elapsed", elapsed),
	)
	return crawler.IngestResult{
		URL:       normalized,
		Title:     doc.Title,
		Bytes:     len(doc.BodyText),
		ElapsedMs: elapsed.Milliseconds(),
	}, nil
}

// SeedDefaultSources enqueues the configured seed list at seed priority and
// returns how many rows were newly created.
func (w *Worker) SeedDefaultSources(ctx context.Context) (int, error) {
	enqueued := 0
	for _, seed := range w.cfg.Seeds {
		inserted, err := w.queue.EnqueueIfAbsent(ctx, seed, crawler.ViaSeed, crawler.PrioritySeed)
		if err != nil {
			if errors.Is(err, crawler.ErrInvalidURL) {
				w.logger.Warn("skipping invalid seed", zap.String("seed", seed), zap.Error(err))
				continue
			}
			return enqueued, fmt.Errorf("enqueue seed %s: %w", seed, err)
		}
		if inserted {
			enqueued++
		}
	}
	if w.cfg.DiscoverOnSeed {
		seen := make(map[string]struct{})
		for _, seed := range w.cfg.Seeds {
			origin, err := crawler.Origin(seed)
			if err != nil {
				continue
			}
			if _, dup := seen[origin]; dup {
				continue
			}
			seen[origin] = struct{}{}
			res, err := w.Discover(ctx, origin)
			if err != nil {
				continue
			}
			enqueued += res.Feeds + res.Sitemap
		}
	}
	w.logger.Info("seeded default sources", zap.Int("seeds", len(w.cfg.Seeds)), zap.Int("enqueued", enqueued))
	return enqueued, nil
}

// Discover runs feed and sitemap discovery for origin.
func (w *Worker) Discover(ctx context.Context, origin string) (crawler.DiscoveryResult, error) {
	base, err := crawler.Origin(origin)
	if err != nil {
		return crawler.DiscoveryResult{}, err
	}
	return crawler.DiscoveryResult{
		Feeds:   w.DiscoverFeeds(ctx, base),
		Sitemap: w.DiscoverSitemap(ctx, base),
	}, nil
}

// DiscoverFeeds enqueues entries from the first feed found at origin.
func (w *Worker) DiscoverFeeds(ctx context.Context, origin string) int {
	if w.discoverer == nil {
		return 0
	}
	return w.enqueueCandidates(ctx, w.discoverer.DiscoverFeeds(ctx, origin), crawler.ViaRSS)
}

// DiscoverSitemap enqueues the URLs listed in origin's sitemap.
func (w *Worker) DiscoverSitemap(ctx context.Context, origin string) int {
	if w.discoverer == nil {
		return 0
	}
	return w.enqueueCandidates(ctx, w.discoverer.DiscoverSitemap(ctx, origin), crawler.ViaSitemap)
}

// Stats proxies queue statistics.
func (w *Worker) Stats(ctx context.Context) (crawler.QueueStats, error) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	metrics.SetQueueDepth(stats.Due, stats.Total, stats.Dead)
	return stats, nil
}

func (w *Worker) enqueueCandidates(ctx context.Context, candidates []crawler.Candidate, via string) int {
	enqueued := 0
	for _, c := range candidates {
		inserted, err := w.queue.EnqueueIfAbsent(ctx, c.URL, via, crawler.PriorityDiscovery)
		if err != nil {
			w.logger.Debug("discovery enqueue failed", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if inserted {
			enqueued++
		}
	}
	if enqueued > 0 {
		w.logger.Info("discovery enqueued urls", zap.String("via", via), zap.Int("count", enqueued))
	}
	return enqueued
}

func (w *Worker) enqueueLinks(ctx context.Context, links []string) int {
	enqueued := 0
	for _, link := range links {
		inserted, err := w.queue.EnqueueIfAbsent(ctx, link, crawler.ViaLink, crawler.PriorityLink)
		if err != nil {
			w.logger.Debug("link enqueue failed", zap.String("url", link), zap.Error(err))
			continue
		}
		if inserted {
			enqueued++
		}
	}
	return enqueued
}

func (w *Worker) buildDocument(rawURL string, resp crawler.FetchResponse) (crawler.Document, []string, error) {
	if !IsHTML(resp.ContentType) {
		return crawler.Document{}, nil, crawler.ContentTypeError(rawURL, resp.StatusCode, resp.ContentType)
	}
	base := resp.FinalURL
	if base == "" {
		base = rawURL
	}
	ext, err := w.extractor.Extract(resp.Text(), base)
	if err != nil {
		return crawler.Document{}, nil, crawler.NewError(crawler.ErrExtraction, rawURL, err)
	}
	hash := w.hasher.Hash(resp.Body)
	var lang *string
	if w.language != nil {
		lang = w.language.Detect(ext.BodyText, ext.HTMLLang)
	}
	return crawler.Document{
		URL:          rawURL,
		FetchedAt:    w.clock.Now().UTC(),
		Title:        ext.Title,
		Description:  ext.Description,
		BodyText:     ext.BodyText,
		ContentType:  optional(resp.ContentType),
		HTTPStatus:   resp.StatusCode,
		ContentHash:  &hash,
		Lang:         lang,
		ETag:         optional(resp.ETag),
		LastModified: optional(resp.LastModified),
	}, ext.Links, nil
}

// afterStore archives the raw body and publishes a change event when the content hash moved.
// Both are best-effort.
func (w *Worker) afterStore(ctx context.Context, doc crawler.Document, body []byte, previousHash *string) {
	hash := deref(doc.ContentHash)
	if hash == "" || (previousHash != nil && *previousHash == hash) {
		return
	}
	var uri string
	if w.archive != nil {
		var err error
		uri, err = w.archive.PutObject(ctx, w.archivePath(doc.URL, hash), deref(doc.ContentType), bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("archive body failed", zap.String("url", doc.URL), zap.Error(err))
		}
	}
	if w.publisher == nil {
		return
	}
	event := crawler.DocumentChanged{
		URL:         doc.URL,
		ContentHash: hash,
		FetchedAt:   doc.FetchedAt,
		Title:       deref(doc.Title),
		BlobURI:     uri,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish change failed", zap.String("url", doc.URL), zap.Error(err))
	}
}

func (w *Worker) archivePath(rawURL, hash string) string {
	host := crawler.HostOf(rawURL)
	if host == "" {
		host = "unknown"
	}
	host = strings.ReplaceAll(host, ":", "_")
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hash)
}

// IsHTML reports whether contentType names an HTML document.
func IsHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
