// Package server builds the application's dependencies and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/api"
	"github.com/JakeFAU/ingest-worker/internal/clock"
	"github.com/JakeFAU/ingest-worker/internal/config"
	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/discovery"
	"github.com/JakeFAU/ingest-worker/internal/dispatcher"
	"github.com/JakeFAU/ingest-worker/internal/extract"
	collyfetcher "github.com/JakeFAU/ingest-worker/internal/fetcher/colly"
	"github.com/JakeFAU/ingest-worker/internal/hash/sha256"
	"github.com/JakeFAU/ingest-worker/internal/id/uuid"
	"github.com/JakeFAU/ingest-worker/internal/logging"
	"github.com/JakeFAU/ingest-worker/internal/metrics"
	"github.com/JakeFAU/ingest-worker/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/ingest-worker/internal/publisher/pubsub"
	"github.com/JakeFAU/ingest-worker/internal/robots"
	gcsstorage "github.com/JakeFAU/ingest-worker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ingest-worker/internal/storage/local"
	memorystorage "github.com/JakeFAU/ingest-worker/internal/storage/memory"
	pgstore "github.com/JakeFAU/ingest-worker/internal/storage/postgres"
	"github.com/JakeFAU/ingest-worker/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	worker   *worker.Worker
	apiSrv   *api.Server
	dispatch *dispatcher.Dispatcher
	robots   *robots.Cache
	limiter  *ratelimit.Limiter
	pool     *pgxpool.Pool
	closers  []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("bind", cfg.Server.Bind),
		zap.Bool("postgres", cfg.UsesPostgres()),
		zap.String("archive", cfg.Storage.Backend),
	)

	clk := clock.NewSystem()
	schedule := crawler.Schedule{
		InflightWindow:  cfg.Crawler.InflightWindow,
		SuccessInterval: cfg.Crawler.SuccessInterval,
		Backoff:         crawler.Backoff{Base: cfg.Crawler.BackoffBase, Max: cfg.Crawler.BackoffMax},
	}.WithDefaults()

	queue, documents, err := app.setupStores(ctx, clk, schedule)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}

	app.robots = robots.New(&http.Client{Timeout: cfg.Robots.Timeout}, robots.Config{
		UserAgent: cfg.Crawler.UserAgent,
		TTL:       cfg.Robots.TTL,
		Timeout:   cfg.Robots.Timeout,
	}, clk, logger.Named("robots"))
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:          cfg.Crawler.UserAgent,
		PerHostConcurrency: cfg.Crawler.PerHostConcurrency,
		PolitenessDelay:    cfg.Crawler.PolitenessDelay,
		Timeout:            cfg.HTTP.Timeout,
		MaxRedirects:       cfg.HTTP.MaxRedirects,
	}, app.robots, logger.Named("fetcher"))
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Int("per_host_concurrency", cfg.Crawler.PerHostConcurrency),
		zap.Duration("politeness_delay", cfg.Crawler.PolitenessDelay),
	)

	app.worker, err = worker.New(worker.Deps{
		Queue:     queue,
		Documents: documents,
		Fetcher:   fetcher,
		Extractor: extract.New(extract.Config{
			MaxBodyChars: cfg.Extract.MaxBodyChars,
			MaxLinks:     cfg.Extract.MaxLinks,
		}),
		Language: extract.NewLanguageDetector(),
		Hasher:   sha256.New(),
		Discoverer: discovery.New(fetcher, discovery.Config{
			MaxSitemapURLs: cfg.Discovery.MaxSitemapURLs,
			MaxSitemaps:    cfg.Discovery.MaxSitemaps,
		}, logger.Named("discovery")),
		Archive:   archive,
		Publisher: publisher,
		Clock:     clk,
	}, worker.Config{
		MaxBatch:                 cfg.Crawler.MaxBatch,
		UnsupportedContentPolicy: worker.ContentPolicy(cfg.Crawler.UnsupportedContentPolicy),
		Seeds:                    cfg.Crawler.Seeds,
		DiscoverOnSeed:           cfg.Crawler.DiscoverOnSeed,
		ArchivePrefix:            cfg.Storage.Prefix,
		Topic:                    cfg.PubSub.Topic,
	}, logger.Named("worker"))
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	if cfg.RateLimit.Enabled {
		app.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}, clk)
		logger.Info("api rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}
	app.apiSrv = api.NewServer(app.worker, uuid.NewGenerator(), api.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		TickTimeout:    cfg.Server.TickTimeout,
		DefaultBatch:   cfg.Crawler.DefaultBatch,
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		Limiter:        app.limiter,
	}, logger.Named("api"))

	app.dispatch = dispatcher.New(app.worker, maintenance{robots: app.robots, limiter: app.limiter}, dispatcher.Config{
		TickSpec:   cfg.Scheduler.TickSpec,
		SeedSpec:   cfg.Scheduler.SeedSpec,
		Batch:      cfg.Crawler.MaxBatch,
		PurgeEvery: cfg.Robots.TTL,
	}, logger.Named("dispatcher"))

	return app, nil
}

func (a *App) setupStores(
	ctx context.Context,
	clk crawler.Clock,
	schedule crawler.Schedule,
) (crawler.Queue, crawler.DocumentStore, error) {
	if !a.cfg.UsesPostgres() {
		a.logger.Warn("no db.dsn configured, using in-memory queue and document store")
		return memorystorage.NewQueue(clk, schedule), memorystorage.NewDocumentStore(), nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connect failed: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, namedCloser{name: "postgres pool", close: func() error {
		pool.Close()
		return nil
	}})
	if a.cfg.DB.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			return nil, nil, err
		}
	}
	queue, err := pgstore.NewQueueStore(pool, pgstore.DefaultQueueTable, clk, schedule)
	if err != nil {
		return nil, nil, fmt.Errorf("queue store init failed: %w", err)
	}
	documents, err := pgstore.NewDocumentStore(pool, pgstore.DefaultDocumentTable)
	if err != nil {
		return nil, nil, fmt.Errorf("document store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized",
		zap.String("queue_table", pgstore.DefaultQueueTable),
		zap.String("document_table", pgstore.DefaultDocumentTable),
	)
	return queue, documents, nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs client", close: store.Close})
		a.logger.Info("archiving raw bodies to GCS", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw bodies locally", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	case config.StorageMemory:
		a.logger.Info("archiving raw bodies in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("raw body archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, change events disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		Topic:     a.cfg.PubSub.Topic,
	}, a.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub publisher", close: pub.Close})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

// Migrate applies the Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("db.dsn is not configured")
	}
	if err := pgstore.EnsureSchema(ctx, a.pool, pgstore.DefaultQueueTable, pgstore.DefaultDocumentTable); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// Worker returns the crawl orchestrator.
func (a *App) Worker() *worker.Worker {
	return a.worker
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiSrv.Handler()
}

// Run starts the scheduler and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.dispatch.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Bind,
		Handler:           a.apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("bind", a.cfg.Server.Bind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.dispatch.Stop()
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every external client in reverse order of creation.
func (a *App) Close() {
	a.closeAll()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// maintenance purges expired robots entries and idle rate-limit buckets.
type maintenance struct {
	robots  *robots.Cache
	limiter *ratelimit.Limiter
}

func (m maintenance) Purge() int {
	n := 0
	if m.robots != nil {
		n += m.robots.Purge()
	}
	if m.limiter != nil {
		n += m.limiter.Prune()
	}
	return n
}
