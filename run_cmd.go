package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wikitools/mediasync/internal/metrics"
	"github.com/wikitools/mediasync/internal/registry"
	"github.com/wikitools/mediasync/internal/report"
	"github.com/wikitools/mediasync/internal/run"
)

func newRunCmd() *cobra.Command {
	var (
		projects   []string
		forceFull  bool
		cont       bool
		archive    bool
		dryRun     bool
		whitelist  []string
		metricAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the local media mirror against the remote inventories and download the difference",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			pidPath := filepath.Join(cc.Cfg.Directories.ListsRoot, "mediasync.pid")

			releasePID, err := writePIDFile(pidPath)
			if err != nil {
				return err
			}
			defer releasePID()

			f := newFetcher(cc.Cfg, cc.Logger)

			reg, err := registry.New(ctx, f, cc.Cfg.URLs.SiteMatrixAPI, cc.Logger, whitelist)
			if err != nil {
				return fmt.Errorf("loading project registry: %w", err)
			}

			reg.ExcludeForeignRepo(cc.Cfg.Misc.ForeignRepoDBName)

			m := metrics.New()

			if metricAddr != "" {
				go func() {
					if err := m.Serve(ctx, metricAddr, cc.Logger); err != nil {
						cc.Logger.Error("metrics server stopped", "error", err)
					}
				}()
			}

			orch := run.New(cc.Cfg, reg, cc.Logger, m)

			rep, err := orch.Run(ctx, run.Options{
				Projects:  projects,
				ForceFull: forceFull,
				Continue:  cont,
				Archive:   archive,
				DryRun:    dryRun,
			})
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			if flagJSON {
				return report.PrintJSON(cmd.OutOrStdout(), rep)
			}

			report.PrintText(cmd.OutOrStdout(), rep)

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&projects, "project", nil, "limit the run to these project dbnames (default: every active project)")
	cmd.Flags().StringSliceVar(&whitelist, "only", nil, "limit the registry itself to these project dbnames before selecting what to run")
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "ignore the most-recent-run index and reconcile every project from a full remote listing")
	cmd.Flags().BoolVar(&cont, "continue", false, "resume a previously interrupted download journal instead of starting fresh")
	cmd.Flags().BoolVar(&archive, "archive-retired", false, "also move aside media trees for projects no longer in the registry")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and log every download and archive move without performing it")
	cmd.Flags().StringVar(&metricAddr, "metrics-addr", "", "address to serve Prometheus metrics on while the run is in progress (disabled when empty)")

	return cmd
}
