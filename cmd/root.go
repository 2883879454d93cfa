// Package cmd defines and implements the CLI commands for the ingest worker.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-worker/internal/config"
	"github.com/JakeFAU/ingest-worker/internal/crawler"
	"github.com/JakeFAU/ingest-worker/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
	Logger() *zap.Logger
	Tick(ctx context.Context, batch int) (crawler.TickResult, error)
	SeedDefaultSources(ctx context.Context) (int, error)
	IngestURL(ctx context.Context, rawURL string) (crawler.IngestResult, error)
	Discover(ctx context.Context, origin string) (crawler.DiscoveryResult, error)
}

// builtApp exposes the worker's operations on the server App.
type builtApp struct {
	*server.App
}

func (a builtApp) Tick(ctx context.Context, batch int) (crawler.TickResult, error) {
	return a.Worker().Tick(ctx, batch) //nolint:wrapcheck // passthrough
}

func (a builtApp) SeedDefaultSources(ctx context.Context) (int, error) {
	return a.Worker().SeedDefaultSources(ctx) //nolint:wrapcheck // passthrough
}

func (a builtApp) IngestURL(ctx context.Context, rawURL string) (crawler.IngestResult, error) {
	return a.Worker().IngestURL(ctx, rawURL) //nolint:wrapcheck // passthrough
}

func (a builtApp) Discover(ctx context.Context, origin string) (crawler.DiscoveryResult, error) {
	return a.Worker().Discover(ctx, origin) //nolint:wrapcheck // passthrough
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	return builtApp{App: app}, nil
}

// loadConfig is replaced in tests.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestworker",
		Short: "A polite, resumable crawl and ingest worker.",
		Long: `ingestworker keeps a durable queue of URLs, fetches them politely
(robots.txt, per-host limits, a fixed delay between requests), extracts
readable text and metadata, and stores one document per URL.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newTickCmd(),
		newSeedCmd(),
		newIngestCmd(),
		newDiscoverCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
