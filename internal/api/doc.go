// Package api hosts the HTTP server, middleware, and handlers for operating the
// ingest worker. Notable routes:
//   - POST /ingest/url fetches and stores one URL synchronously.
//   - POST /crawl/seed, /crawl/tick and /crawl/discover drive the queue.
//   - GET /health and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
package api
