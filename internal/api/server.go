package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/metrics"
	"github.com/JakeFAU/ingest-worker/internal/policy/ratelimit"
)

const maxRequestBody = 64 << 10

// Crawler is the orchestration surface the API drives.
type Crawler interface {
	IngestURL(ctx context.Context, rawURL string) (crawler.IngestResult, error)
	SeedDefaultSources(ctx context.Context) (int, error)
	Tick(ctx context.Context, batch int) (crawler.TickResult, error)
	Discover(ctx context.Context, origin string) (crawler.DiscoveryResult, error)
	Stats(ctx context.Context) (crawler.QueueStats, error)
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() string
}

// Options configures the Server.
type Options struct {
	RequestTimeout time.Duration
	TickTimeout    time.Duration
	DefaultBatch   int
	AuthEnabled    bool
	APIKey         string
	// Limiter throttles clients by remote address when set.
	Limiter *ratelimit.Limiter
}

// Server wires HTTP handlers to the crawler.
type Server struct {
	router  chi.Router
	crawler Crawler
	ids     IDGenerator
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(c Crawler, ids IDGenerator, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 10 * time.Minute
	}
	if opts.DefaultBatch <= 0 {
		opts.DefaultBatch = 50
	}
	s := &Server{crawler: c, ids: ids, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(rateLimitMiddleware(opts.Limiter))
		}
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/ingest/url", s.ingestURL)
			r.Post("/crawl/seed", s.seed)
			r.Post("/crawl/discover", s.discover)
		})
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.TickTimeout))
			r.Post("/crawl/tick", s.tick)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.crawler.Stats(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "queue": stats})
}

type ingestRequest struct {
	URL string `json:"url"`
}

type ingestResponse struct {
	OK    bool    `json:"ok"`
	URL   string  `json:"url"`
	Title *string `json:"title"`
	Bytes int     `json:"bytes"`
}

func (s *Server) ingestURL(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	res, err := s.crawler.IngestURL(r.Context(), req.URL)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, crawler.ErrStore) {
			status = http.StatusInternalServerError
		}
		s.logger.Info("ingest failed", zap.String("url", req.URL), zap.String("kind", crawler.KindOf(err)), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{OK: true, URL: res.URL, Title: res.Title, Bytes: res.Bytes})
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	n, err := s.crawler.SeedDefaultSources(r.Context())
	if err != nil {
		s.logger.Error("seed failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enqueued": n})
}

type tickResponse struct {
	OK bool `json:"ok"`
	crawler.TickResult
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	batch := s.opts.DefaultBatch
	if raw := r.URL.Query().Get("batch"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "batch must be a positive integer")
			return
		}
		batch = n
	}
	res, err := s.crawler.Tick(r.Context(), batch)
	if err != nil {
		s.logger.Error("tick failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tickResponse{OK: true, TickResult: res})
}

type discoverRequest struct {
	Origin string `json:"origin"`
}

type discoverResponse struct {
	OK bool `json:"ok"`
	crawler.DiscoveryResult
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Origin) == "" {
		writeError(w, http.StatusBadRequest, "origin is required")
		return
	}
	res, err := s.crawler.Discover(r.Context(), req.Origin)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, discoverResponse{OK: true, DiscoveryResult: res})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return err //nolint:wrapcheck // only used to pick a 400
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
