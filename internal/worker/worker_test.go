package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/clock"
	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/extract"
	"github.com/JakeFAU/ingest-worker/internal/hash/sha256"
	memorypublisher "github.com/JakeFAU/ingest-worker/internal/publisher/memory"
	"github.com/JakeFAU/ingest-worker/internal/storage/memory"
)

const examplePage = `<html><head><title>Example</title></head><body><p>Hello</p><a href="/a">A</a></body></html>`

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	errs      map[string]error
	panics    bool
	requests  []crawler.FetchRequest
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]crawler.FetchResponse),
		errs:      make(map[string]error),
	}
}

func (f *fakeFetcher) page(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = crawler.FetchResponse{
		URL:         url,
		FinalURL:    url,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		ETag:        `"v1"`,
	}
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.panics {
		panic("fetcher exploded")
	}
	if err, ok := f.errs[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return crawler.FetchResponse{}, crawler.StatusError(req.URL, 404)
	}
	if req.ETag != "" && req.ETag == resp.ETag {
		return crawler.FetchResponse{URL: req.URL, FinalURL: req.URL, StatusCode: 304, NotModified: true}, nil
	}
	return resp, nil
}

func (f *fakeFetcher) Requests() []crawler.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.FetchRequest(nil), f.requests...)
}

type fixture struct {
	clock   *clock.Manual
	queue   *memory.Queue
	docs    *memory.DocumentStore
	fetcher *fakeFetcher
	archive *memory.BlobStore
	pub     *memorypublisher.Publisher
	worker  *Worker
}

func newFixture(t *testing.T, cfg Config, mutate ...func(*Deps)) *fixture {
	t.Helper()
	clk := clock.NewManual(epoch)
	f := &fixture{
		clock:   clk,
		queue:   memory.NewQueue(clk, crawler.DefaultSchedule()),
		docs:    memory.NewDocumentStore(),
		fetcher: newFakeFetcher(),
		archive: memory.NewBlobStore(),
		pub:     memorypublisher.New("changes"),
	}
	deps := Deps{
		Queue:     f.queue,
		Documents: f.docs,
		Fetcher:   f.fetcher,
		Extractor: extract.New(extract.Config{}),
		Language:  extract.NewLanguageDetector(),
		Hasher:    sha256.New(),
		Archive:   f.archive,
		Publisher: f.pub,
		Clock:     clk,
	}
	for _, m := range mutate {
		m(&deps)
	}
	w, err := New(deps, cfg, zap.NewNop())
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *fixture) seed(t *testing.T, url string) {
	t.Helper()
	inserted, err := f.queue.EnqueueIfAbsent(context.Background(), url, crawler.ViaSeed, crawler.PrioritySeed)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.ErrorContains(t, err, "queue is required")
}

func TestTickEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.page("https://example.org/", examplePage)
	f.seed(t, "https://example.org/")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, crawler.TickResult{ProcessedOK: 1, Failed: 0, NewlyEnqueued: 1}, res)

	doc, ok := f.docs.Get("https://example.org/")
	require.True(t, ok)
	require.NotNil(t, doc.Title)
	assert.Equal(t, "Example", *doc.Title)
	// Anchor text is its own body text node, so "A" follows "Hello".
	assert.Equal(t, "Hello\nA", doc.BodyText)
	assert.Equal(t, 200, doc.HTTPStatus)
	require.NotNil(t, doc.ContentHash)
	assert.Equal(t, sha256.New().Hash([]byte(examplePage)), *doc.ContentHash)
	require.NotNil(t, doc.ETag)
	assert.Equal(t, `"v1"`, *doc.ETag)

	link, ok := f.queue.Get("https://example.org/a")
	require.True(t, ok)
	assert.Equal(t, crawler.ViaLink, link.DiscoveredVia)
	assert.Equal(t, crawler.PriorityLink, link.Priority)

	seed, ok := f.queue.Get("https://example.org/")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(12*time.Hour), seed.NextFetchAt)
	assert.Zero(t, seed.Attempts)
	require.NotNil(t, seed.LastStatus)
	assert.Equal(t, 200, *seed.LastStatus)
}

func TestTickHashesRawBodyAndExtractsDecodedText(t *testing.T) {
	t.Parallel()

	raw := []byte("<html><head><title>Caf\xe9</title></head><body><p>Cr\xe8me</p></body></html>")
	decoded := "<html><head><title>Café</title></head><body><p>Crème</p></body></html>"
	f := newFixture(t, Config{ArchivePrefix: "raw"})
	f.fetcher.responses["https://example.org/latin1"] = crawler.FetchResponse{
		URL:         "https://example.org/latin1",
		FinalURL:    "https://example.org/latin1",
		StatusCode:  200,
		ContentType: "text/html; charset=iso-8859-1",
		Body:        raw,
		DecodedBody: []byte(decoded),
	}
	f.seed(t, "https://example.org/latin1")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.ProcessedOK)

	doc, ok := f.docs.Get("https://example.org/latin1")
	require.True(t, ok)
	require.NotNil(t, doc.Title)
	assert.Equal(t, "Café", *doc.Title)
	assert.Equal(t, "Crème", doc.BodyText)
	hash := sha256.New().Hash(raw)
	require.NotNil(t, doc.ContentHash)
	assert.Equal(t, hash, *doc.ContentHash)

	archived, ok := f.archive.Object("raw/example.org/" + hash + ".html")
	require.True(t, ok)
	assert.Equal(t, raw, archived)
}

func TestTickServerErrorBacksOff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.fail("https://example.org/", crawler.StatusError("https://example.org/", 500))
	f.seed(t, "https://example.org/")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, crawler.TickResult{ProcessedOK: 0, Failed: 1}, res)

	row, ok := f.queue.Get("https://example.org/")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(30*time.Minute), row.NextFetchAt)
	assert.Equal(t, "http status 500", row.LastError)
	require.NotNil(t, row.LastStatus)
	assert.Equal(t, 500, *row.LastStatus)
	assert.Zero(t, f.docs.Upserts())

	// A second failure never lands earlier than the first.
	previous := row.NextFetchAt
	f.clock.Set(row.NextFetchAt)
	_, err = f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	row, _ = f.queue.Get("https://example.org/")
	assert.Equal(t, previous.Add(60*time.Minute), row.NextFetchAt)
	assert.Equal(t, 2, row.Attempts)
}

func TestTickNotModifiedSkipsStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.page("https://example.org/", examplePage)
	etag := `"v1"`
	require.NoError(t, f.docs.Upsert(context.Background(), crawler.Document{URL: "https://example.org/", ETag: &etag}))
	f.seed(t, "https://example.org/")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.ProcessedOK)
	assert.Equal(t, 1, f.docs.Upserts(), "no write after the initial seed document")

	reqs := f.fetcher.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, etag, reqs[0].ETag)

	row, _ := f.queue.Get("https://example.org/")
	assert.Equal(t, epoch.Add(12*time.Hour), row.NextFetchAt)
	require.NotNil(t, row.LastStatus)
	assert.Equal(t, 304, *row.LastStatus)
}

// stubQueue hands out fixed items and records how each was resolved.
type stubQueue struct {
	mu      sync.Mutex
	items   []crawler.QueueItem
	dead    map[int64]string
	failed  map[int64]string
	success map[int64]int
}

func newStubQueue(items ...crawler.QueueItem) *stubQueue {
	return &stubQueue{
		items:   items,
		dead:    make(map[int64]string),
		failed:  make(map[int64]string),
		success: make(map[int64]int),
	}
}

func (q *stubQueue) EnqueueIfAbsent(context.Context, string, string, int) (bool, error) {
	return true, nil
}

func (q *stubQueue) DequeueDue(_ context.Context, batch int) ([]crawler.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if batch > len(q.items) {
		batch = len(q.items)
	}
	out := q.items[:batch]
	q.items = q.items[batch:]
	return out, nil
}

func (q *stubQueue) MarkSuccess(_ context.Context, id int64, status int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.success[id] = status
	return nil
}

func (q *stubQueue) MarkFailure(_ context.Context, id int64, _ *int, reason string, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = reason
	return nil
}

func (q *stubQueue) MarkDead(_ context.Context, id int64, _ *int, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[id] = reason
	return nil
}

func (q *stubQueue) Stats(context.Context) (crawler.QueueStats, error) {
	return crawler.QueueStats{}, nil
}

func TestTickInvalidURLMarksDeadWithoutFetching(t *testing.T) {
	t.Parallel()

	q := newStubQueue(crawler.QueueItem{ID: 7, URL: "ftp://example.org/file", Attempts: 1})
	f := newFixture(t, Config{}, func(d *Deps) { d.Queue = q })

	res, err := f.worker.Tick(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	assert.Empty(t, f.fetcher.Requests())
	assert.Contains(t, q.dead[7], "invalid url")
}

func TestTickUnsupportedContentPolicies(t *testing.T) {
	t.Parallel()

	for _, policy := range []ContentPolicy{ContentPolicyBackoff, ContentPolicySkip} {
		t.Run(string(policy), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{UnsupportedContentPolicy: policy})
			f.fetcher.page("https://example.org/report.pdf", "%PDF-1.4")
			f.fetcher.mu.Lock()
			resp := f.fetcher.responses["https://example.org/report.pdf"]
			resp.ContentType = "application/pdf"
			f.fetcher.responses["https://example.org/report.pdf"] = resp
			f.fetcher.mu.Unlock()
			f.seed(t, "https://example.org/report.pdf")

			res, err := f.worker.Tick(context.Background(), 1)
			require.NoError(t, err)
			require.Equal(t, 1, res.Failed)

			row, _ := f.queue.Get("https://example.org/report.pdf")
			assert.Contains(t, row.LastError, "application/pdf")
			if policy == ContentPolicySkip {
				assert.True(t, row.Dead)
			} else {
				assert.False(t, row.Dead)
				assert.Equal(t, epoch.Add(30*time.Minute), row.NextFetchAt)
			}
			assert.Zero(t, f.docs.Upserts())
		})
	}
}

func TestTickPanicStillReschedules(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.panics = true
	f.seed(t, "https://example.org/")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	row, _ := f.queue.Get("https://example.org/")
	assert.Equal(t, epoch.Add(30*time.Minute), row.NextFetchAt)
	assert.Contains(t, row.LastError, "panic")
}

func TestTickProcessesBatchConcurrently(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxBatch: 2})
	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://site%d.example/", i)
		f.fetcher.page(url, "<html><title>t</title><body>x</body></html>")
		f.seed(t, url)
	}

	res, err := f.worker.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedOK, "batch is clamped to max_batch")

	res, err = f.worker.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedOK)

	res, err = f.worker.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, crawler.TickResult{}, res)
}

func TestTickArchivesAndPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ArchivePrefix: "raw", Topic: "changes"})
	f.fetcher.page("https://example.org/", examplePage)
	f.seed(t, "https://example.org/")

	_, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)

	hash := sha256.New().Hash([]byte(examplePage))
	body, ok := f.archive.Object("raw/example.org/" + hash + ".html")
	require.True(t, ok)
	assert.Equal(t, examplePage, string(body))
	require.Len(t, f.pub.Messages(), 1)

	var event crawler.DocumentChanged
	require.NoError(t, f.pub.Decode(0, &event))
	assert.Equal(t, "https://example.org/", event.URL)
	assert.Equal(t, hash, event.ContentHash)
	assert.Equal(t, "Example", event.Title)
	assert.Equal(t, "memory://raw/example.org/"+hash+".html", event.BlobURI)

	// Same content with a new ETag: stored again, but nothing new to announce.
	f.fetcher.mu.Lock()
	resp := f.fetcher.responses["https://example.org/"]
	resp.ETag = `"v2"`
	f.fetcher.responses["https://example.org/"] = resp
	f.fetcher.mu.Unlock()
	f.clock.Advance(12 * time.Hour)
	_, err = f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, f.pub.Messages(), 1)

	f.fetcher.page("https://example.org/", strings.Replace(examplePage, "Hello", "Changed", 1))
	f.clock.Advance(12 * time.Hour)
	_, err = f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, f.pub.Messages(), 2)
	assert.Len(t, f.archive.Paths(), 2)
}

func TestTickPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.pub.FailWith(errors.New("pubsub down"))
	f.fetcher.page("https://example.org/", examplePage)
	f.seed(t, "https://example.org/")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedOK)
}

type failingDocs struct {
	*memory.DocumentStore
}

func (failingDocs) Upsert(context.Context, crawler.Document) error {
	return errors.New("disk full")
}

func TestTickStoreFailureBacksOff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, func(d *Deps) { d.Documents = failingDocs{memory.NewDocumentStore()} })
	f.fetcher.page("https://example.org/", examplePage)
	f.seed(t, "https://example.org/")

	res, err := f.worker.Tick(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	row, _ := f.queue.Get("https://example.org/")
	assert.Contains(t, row.LastError, "store failed")
	assert.Equal(t, 0, f.queue.Len()-1, "links are not enqueued when the store fails")
}

func TestIngestURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.fetcher.page("https://example.org/", examplePage)

	res, err := f.worker.IngestURL(context.Background(), "https://Example.org")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/", res.URL)
	require.NotNil(t, res.Title)
	assert.Equal(t, "Example", *res.Title)
	assert.Equal(t, len("Hello\nA"), res.Bytes)

	_, ok := f.docs.Get("https://example.org/")
	assert.True(t, ok)
	_, ok = f.queue.Get("https://example.org/a")
	assert.True(t, ok, "links are enqueued")
	_, ok = f.queue.Get("https://example.org/")
	assert.False(t, ok, "the ingested url itself is not enqueued")
	require.Len(t, f.pub.Messages(), 1)
}

func TestIngestURLErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.worker.IngestURL(context.Background(), "javascript:alert(1)")
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
	assert.Empty(t, f.fetcher.Requests())

	_, err = f.worker.IngestURL(context.Background(), "https://example.org/missing")
	require.ErrorIs(t, err, crawler.ErrHTTPStatus)

	broken := newFixture(t, Config{}, func(d *Deps) { d.Documents = failingDocs{memory.NewDocumentStore()} })
	broken.fetcher.page("https://example.org/", examplePage)
	_, err = broken.worker.IngestURL(context.Background(), "https://example.org/")
	require.ErrorIs(t, err, crawler.ErrStore)
}

type fakeDiscoverer struct {
	mu      sync.Mutex
	origins []string
}

func (d *fakeDiscoverer) DiscoverFeeds(_ context.Context, origin string) []crawler.Candidate {
	d.mu.Lock()
	d.origins = append(d.origins, origin)
	d.mu.Unlock()
	return []crawler.Candidate{{URL: origin + "/post-1"}, {URL: origin + "/post-2"}}
}

func (d *fakeDiscoverer) DiscoverSitemap(_ context.Context, origin string) []crawler.Candidate {
	return []crawler.Candidate{{URL: origin + "/post-1"}, {URL: origin + "/about"}, {URL: "mailto:x@y"}}
}

func TestSeedDefaultSources(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Seeds: []string{"https://a.example/", "https://b.example/news", "not a url"}})

	n, err := f.worker.SeedDefaultSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	row, ok := f.queue.Get("https://a.example/")
	require.True(t, ok)
	assert.Equal(t, crawler.PrioritySeed, row.Priority)
	assert.Equal(t, crawler.ViaSeed, row.DiscoveredVia)

	n, err = f.worker.SeedDefaultSources(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSeedDefaultSourcesUsesBuiltInList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	n, err := f.worker.SeedDefaultSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(DefaultSeeds()), n)
}

func TestSeedWithDiscovery(t *testing.T) {
	t.Parallel()

	disc := &fakeDiscoverer{}
	f := newFixture(t, Config{
		Seeds:          []string{"https://a.example/", "https://a.example/other"},
		DiscoverOnSeed: true,
	}, func(d *Deps) { d.Discoverer = disc })

	n, err := f.worker.SeedDefaultSources(context.Background())
	require.NoError(t, err)
	// two seeds plus post-1, post-2 and about; the origin is only discovered once.
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"https://a.example"}, disc.origins)

	row, ok := f.queue.Get("https://a.example/post-1")
	require.True(t, ok)
	assert.Equal(t, crawler.ViaRSS, row.DiscoveredVia)
	assert.Equal(t, crawler.PriorityDiscovery, row.Priority)
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, func(d *Deps) { d.Discoverer = &fakeDiscoverer{} })
	res, err := f.worker.Discover(context.Background(), "https://a.example/some/page")
	require.NoError(t, err)
	assert.Equal(t, crawler.DiscoveryResult{Feeds: 2, Sitemap: 1}, res)

	_, err = f.worker.Discover(context.Background(), "ftp://a.example")
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
}

func TestStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.seed(t, "https://example.org/")
	stats, err := f.worker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.QueueStats{Total: 1, Due: 1}, stats)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	assert.True(t, IsHTML("text/html; charset=utf-8"))
	assert.True(t, IsHTML(" Application/XHTML+xml"))
	assert.False(t, IsHTML("application/pdf"))
	assert.False(t, IsHTML(""))
}
