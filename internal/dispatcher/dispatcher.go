// Package dispatcher runs crawl ticks, seeding and cache maintenance on cron schedules.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// Jobs is the work the dispatcher triggers.
type Jobs interface {
	Tick(ctx context.Context, batch int) (crawler.TickResult, error)
	SeedDefaultSources(ctx context.Context) (int, error)
}

// Purger drops expired cache entries and reports how many were removed.
type Purger interface {
	Purge() int
}

// Config holds cron specs. An empty spec disables that job.
type Config struct {
	TickSpec   string
	SeedSpec   string
	Batch      int
	PurgeEvery time.Duration
}

// Dispatcher owns a cron scheduler. Overlapping runs of the same job are skipped.
type Dispatcher struct {
	jobs   Jobs
	purger Purger
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// New creates a Dispatcher. purger may be nil.
func New(jobs Jobs, purger Purger, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{jobs: jobs, purger: purger, cfg: cfg, logger: logger}
}

// Enabled reports whether any job would be scheduled.
func (d *Dispatcher) Enabled() bool {
	return d.cfg.TickSpec != "" || d.cfg.SeedSpec != "" || (d.purger != nil && d.cfg.PurgeEvery > 0)
}

// Start registers the configured jobs and starts the scheduler. Jobs run with ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}

	cl := cronLogger{logger: d.logger.Named("cron")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if d.cfg.TickSpec != "" {
		if _, err := c.AddFunc(d.cfg.TickSpec, func() { d.runTick(ctx) }); err != nil {
			return fmt.Errorf("schedule tick %q: %w", d.cfg.TickSpec, err)
		}
	}
	if d.cfg.SeedSpec != "" {
		if _, err := c.AddFunc(d.cfg.SeedSpec, func() { d.runSeed(ctx) }); err != nil {
			return fmt.Errorf("schedule seed %q: %w", d.cfg.SeedSpec, err)
		}
	}
	if d.purger != nil && d.cfg.PurgeEvery > 0 {
		c.Schedule(cron.Every(d.cfg.PurgeEvery), cron.FuncJob(d.runPurge))
	}

	c.Start()
	d.cron = c
	d.started = true
	d.logger.Info("scheduler started",
		zap.String("tick_spec", d.cfg.TickSpec),
		zap.String("seed_spec", d.cfg.SeedSpec),
		zap.Int("entries", len(c.Entries())),
	)
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for running jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	d.logger.Info("scheduler stopped")
}

func (d *Dispatcher) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := d.jobs.Tick(ctx, d.cfg.Batch)
	if err != nil {
		d.logger.Error("scheduled tick failed", zap.Error(err))
		return
	}
	d.logger.Debug("scheduled tick",
		zap.Int("processed_ok", res.ProcessedOK),
		zap.Int("failed", res.Failed),
		zap.Int("newly_enqueued", res.NewlyEnqueued),
	)
}

func (d *Dispatcher) runSeed(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := d.jobs.SeedDefaultSources(ctx)
	if err != nil {
		d.logger.Error("scheduled seed failed", zap.Error(err))
		return
	}
	d.logger.Info("scheduled seed", zap.Int("enqueued", n))
}

func (d *Dispatcher) runPurge() {
	if n := d.purger.Purge(); n > 0 {
		d.logger.Debug("purged robots cache", zap.Int("removed", n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
