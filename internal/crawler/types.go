// Package crawler defines the core crawl types, error kinds and collaborator interfaces.
package crawler

import (
	"net/http"
	"time"
)

// Discovery sources recorded on queue rows.
const (
	ViaSeed    = "seed"
	ViaLink    = "link"
	ViaRSS     = "rss"
	ViaSitemap = "sitemap"
)

// Queue priorities. Higher values are claimed first.
const (
	PrioritySeed      = 100
	PriorityDiscovery = 50
	PriorityLink      = 10
)

// QueueItem is one row of the durable crawl queue.
type QueueItem struct {
	ID            int64     `json:"id"`
	URL           string    `json:"url"`
	DiscoveredVia string    `json:"discovered_via,omitempty"`
	Priority      int       `json:"priority"`
	NextFetchAt   time.Time `json:"next_fetch_at"`
	Attempts      int       `json:"attempts"`
	LastStatus    *int      `json:"last_status,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Dead          bool      `json:"dead"`
}

// QueueStats summarizes the queue for readiness and gauges.
type QueueStats struct {
	Total int64 `json:"total"`
	Due   int64 `json:"due"`
	Dead  int64 `json:"dead"`
}

// Document is the stored result of a fetch and extract.
type Document struct {
	URL          string    `json:"url"`
	FetchedAt    time.Time `json:"fetched_at"`
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	BodyText     string    `json:"body_text"`
	ContentType  *string   `json:"content_type,omitempty"`
	HTTPStatus   int       `json:"http_status"`
	ContentHash  *string   `json:"content_hash,omitempty"`
	Lang         *string   `json:"lang,omitempty"`
	ETag         *string   `json:"etag,omitempty"`
	LastModified *string   `json:"last_modified,omitempty"`
}

// Validators are the cache validators remembered from a previous fetch.
type Validators struct {
	ETag         *string
	LastModified *string
	ContentHash  *string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchResponse is the classified outcome of a successful fetch.
// Body holds the bytes as received after transport decompression.
// DecodedBody is set only when the client rewrote that body for parsing,
// for example transcoding a declared non-UTF-8 charset to UTF-8.
type FetchResponse struct {
	URL          string
	FinalURL     string
	StatusCode   int
	ContentType  string
	Headers      http.Header
	Body         []byte
	DecodedBody  []byte
	ETag         string
	LastModified string
	NotModified  bool
	Duration     time.Duration
}

// Text returns the body to parse as UTF-8 HTML.
func (r FetchResponse) Text() []byte {
	if r.DecodedBody != nil {
		return r.DecodedBody
	}
	return r.Body
}

// Extraction is what the extractor pulls out of an HTML page.
type Extraction struct {
	Title       *string
	Description *string
	BodyText    string
	Links       []string
	HTMLLang    string
}

// TickResult aggregates one orchestration tick.
type TickResult struct {
	ProcessedOK   int `json:"processedOk"`
	Failed        int `json:"failed"`
	NewlyEnqueued int `json:"newlyEnqueued"`
}

// IngestResult is returned by a synchronous single-URL ingest.
type IngestResult struct {
	URL       string  `json:"url"`
	Title     *string `json:"title"`
	Bytes     int     `json:"bytes"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// DiscoveryResult counts URLs enqueued by feed and sitemap discovery.
type DiscoveryResult struct {
	Feeds   int `json:"feeds"`
	Sitemap int `json:"sitemap"`
}

// DocumentChanged is published when a stored document's content hash changes.
type DocumentChanged struct {
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
	Title       string    `json:"title,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
}

// Candidate is a URL proposed by feed or sitemap discovery.
type Candidate struct {
	URL     string
	LastMod *time.Time
}
