package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wikitools/mediasync/internal/registry"
	"github.com/wikitools/mediasync/internal/report"
	"github.com/wikitools/mediasync/internal/runstate"
)

func newStatusCmd() *cobra.Command {
	var whitelist []string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the active projects and each one's most recent reconciliation date, without running anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			f := newFetcher(cc.Cfg, cc.Logger)

			reg, err := registry.New(ctx, f, cc.Cfg.URLs.SiteMatrixAPI, cc.Logger, whitelist)
			if err != nil {
				return fmt.Errorf("loading project registry: %w", err)
			}

			today := runstate.Today(time.Now())

			idx, err := runstate.BuildMostRecentIndex(cc.Cfg.Directories.ListsRoot, today)
			if err != nil {
				return fmt.Errorf("scanning lists root: %w", err)
			}

			todos := reg.Todos()

			rows := make([]statusRow, 0, len(todos))
			for _, e := range todos {
				date, ok := idx.MostRecentDate(e.DBName, "all-media-keep.gz")
				if !ok {
					date = "never"
				}

				rows = append(rows, statusRow{
					Project:     e.DBName,
					ProjectType: e.ProjectType,
					LangCode:    e.LangCode,
					LastRun:     date,
				})
			}

			if flagJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(rows)
			}

			headers := []string{"PROJECT", "TYPE", "LANG", "LAST RUN"}

			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{r.Project, r.ProjectType, r.LangCode, r.LastRun})
			}

			report.PrintTable(cmd.OutOrStdout(), headers, table)

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&whitelist, "only", nil, "limit the registry to these project dbnames")

	return cmd
}

type statusRow struct {
	Project     string `json:"project"`
	ProjectType string `json:"project_type"`
	LangCode    string `json:"lang_code"`
	LastRun     string `json:"last_run"`
}
