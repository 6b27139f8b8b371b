package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/loadtest"
	"github.com/steveyegge/docsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Compare query latency of full scans and field indexes",
	Long: `Load generated documents into a fresh store and run the same filtered
query from concurrent workers, first as a full collection scan and then
through a field index.

The store is created under a temporary directory unless --memory is given;
the configured store is never touched.

Examples:
  docsync loadtest
  docsync loadtest --docs 20000 --workers 8 --queries 50
  docsync loadtest --memory --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, _ := cmd.Flags().GetInt("docs")
		workers, _ := cmd.Flags().GetInt("workers")
		queries, _ := cmd.Flags().GetInt("queries")
		memory, _ := cmd.Flags().GetBool("memory")

		if docs <= 0 || workers <= 0 || queries <= 0 {
			return fmt.Errorf("--docs, --workers and --queries must be positive")
		}

		s := *settings
		if memory {
			s.Persistence.Backend = config.BackendMemory
		} else {
			dir, err := os.MkdirTemp("", "docsync-loadtest-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			s.Persistence.Backend = config.BackendSQLite
			s.Persistence.Path = filepath.Join(dir, "loadtest.db")
		}
		prev := settings
		settings = &s
		defer func() { settings = prev }()

		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			start := time.Now()
			ts, err := loadtest.CreateTestStore(ctx, c, docs)
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("%s Loaded %d documents in %v (%d match the query)\n\n",
					ui.RenderPass("✓"), ts.TotalDocs, time.Since(start).Round(time.Millisecond), len(ts.MatchingIDs))
			}

			cmp, err := ts.Compare(ctx, workers, queries)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{
					"documents": docs,
					"full_scan": cmp.FullScan,
					"index":     cmp.Index,
					"speedup":   cmp.Speedup(),
				})
			}
			cmp.FullScan.PrintStats(os.Stdout)
			fmt.Println()
			cmp.Index.PrintStats(os.Stdout)
			fmt.Printf("\nIndex speedup (P50): %s\n", ui.RenderAccent(fmt.Sprintf("%.2fx", cmp.Speedup())))
			if cmp.FullScan.Errors+cmp.Index.Errors > 0 {
				return fmt.Errorf("%d queries returned wrong results", cmp.FullScan.Errors+cmp.Index.Errors)
			}
			return nil
		})
	},
}

func init() {
	loadtestCmd.Flags().Int("docs", 5000, "Number of documents to load")
	loadtestCmd.Flags().Int("workers", 4, "Number of concurrent query workers")
	loadtestCmd.Flags().Int("queries", 25, "Queries per worker")
	loadtestCmd.Flags().Bool("memory", false, "Use the memory backend")
	rootCmd.AddCommand(loadtestCmd)
}
