package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTickCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Processes one batch of due queue items and prints the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batch <= 0 {
				return fmt.Errorf("--batch must be positive, got %d", batch)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Tick(cmd.Context(), batch)
			if err != nil {
				return fmt.Errorf("tick: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 50, "maximum number of items to claim")
	return cmd
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Enqueues the configured seed URLs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.SeedDefaultSources(cmd.Context())
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"enqueued": n})
		},
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <url>",
		Short: "Fetches, extracts and stores one URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.IngestURL(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("ingest %s: %w", args[0], err)
			}
			appInstance.Logger().Debug("ingest finished", zap.String("url", res.URL))
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <origin>",
		Short: "Enqueues URLs found in the origin's feed and sitemap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Discover(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("discover %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
