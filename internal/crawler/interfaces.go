package crawler

import (
	"context"
	"io"
	"time"
)

// Queue is the durable crawl queue.
type Queue interface {
	// EnqueueIfAbsent inserts url if it is new and reports whether a row was created.
	// An existing row only has its priority raised.
	EnqueueIfAbsent(ctx context.Context, url, via string, priority int) (bool, error)
	// DequeueDue claims up to batch due items. A claimed item is not returned again
	// to any caller until its in-flight window lapses.
	DequeueDue(ctx context.Context, batch int) ([]QueueItem, error)
	MarkSuccess(ctx context.Context, id int64, status int) error
	MarkFailure(ctx context.Context, id int64, status *int, reason string, attempts int) error
	MarkDead(ctx context.Context, id int64, status *int, reason string) error
	Stats(ctx context.Context) (QueueStats, error)
}

// DocumentStore persists extracted documents keyed by URL.
type DocumentStore interface {
	Upsert(ctx context.Context, doc Document) error
	Validators(ctx context.Context, url string) (Validators, error)
}

// Fetcher fetches a URL politely and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsChecker answers robots.txt questions for the configured user agent.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Extractor turns HTML into document fields and same-host links.
type Extractor interface {
	Extract(html []byte, baseURL string) (Extraction, error)
}

// LanguageDetector guesses a language tag for body text. Nil means unknown.
type LanguageDetector interface {
	Detect(text, htmlLang string) *string
}

// Discoverer finds candidate URLs from feeds and sitemaps.
type Discoverer interface {
	DiscoverFeeds(ctx context.Context, origin string) []Candidate
	DiscoverSitemap(ctx context.Context, origin string) []Candidate
}

// Hasher computes content digests for change detection.
type Hasher interface {
	Hash(data []byte) string
}

// BlobStore archives raw page bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
