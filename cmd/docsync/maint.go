package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show the state of the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{
					"client_id":        st.ClientID,
					"backend":          st.Backend,
					"path":             st.Path,
					"schema_version":   st.SchemaVersion,
					"primary":          st.Primary,
					"online_state":     st.OnlineState.String(),
					"user":             st.User,
					"pending_batches":  st.PendingBatches,
					"cache_bytes":      st.CacheBytes,
					"active_clients":   st.ActiveClients,
					"snapshot_version": st.SnapshotVersion.String(),
					"field_indexes":    st.FieldIndexes,
				})
			}
			pending := fmt.Sprint(st.PendingBatches)
			if st.PendingBatches > 0 {
				pending = ui.RenderWarn(pending)
			}
			fmt.Print(ui.RenderTable("docsync status", []ui.KV{
				{Key: "client", Value: st.ClientID},
				{Key: "backend", Value: st.Backend},
				{Key: "path", Value: st.Path},
				{Key: "schema version", Value: st.SchemaVersion},
				{Key: "primary", Value: ui.RenderBool(st.Primary)},
				{Key: "network", Value: st.OnlineState},
				{Key: "user", Value: st.User},
				{Key: "pending batches", Value: pending},
				{Key: "cache size", Value: fmt.Sprintf("%d bytes", st.CacheBytes)},
				{Key: "active clients", Value: strings.Join(st.ActiveClients, ", ")},
				{Key: "snapshot version", Value: st.SnapshotVersion},
				{Key: "field indexes", Value: st.FieldIndexes},
			}))
			return nil
		})
	},
}

var gcCmd = &cobra.Command{
	Use:     "gc",
	GroupID: "maint",
	Short:   "Run LRU garbage collection now",
	Long: `Remove the least recently used query targets and the documents only
they reference. Collection only runs when the cache exceeds
gc.cache_size_bytes and the client holds the primary lease.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			res, err := c.CollectGarbage(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			if !res.DidRun {
				fmt.Println(ui.RenderMuted("Garbage collection skipped"))
				return nil
			}
			fmt.Printf("%s Collected %d sequence numbers: %d targets and %d documents removed\n",
				ui.RenderPass("✓"), res.SequenceNumbersCollected, res.TargetsRemoved, res.DocumentsRemoved)
			return nil
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:     "backfill",
	GroupID: "maint",
	Short:   "Write index entries for documents not yet indexed",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			total := 0
			for {
				n, err := c.Backfill(ctx)
				if err != nil {
					return err
				}
				total += n
				if !all || n == 0 {
					break
				}
			}
			if jsonOutput {
				return outputJSON(map[string]int{"documents": total})
			}
			fmt.Printf("%s Backfilled %d documents\n", ui.RenderPass("✓"), total)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "maint",
	Short:   "Delete the local store",
	Long: `Delete the SQLite database and its side files.

Pending writes that were never acknowledged are lost. The store must not be
in use by another client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if settings.Persistence.Backend != config.BackendSQLite {
			fmt.Println(ui.RenderMuted("Nothing to clear for the memory backend"))
			return nil
		}
		if !force {
			if !ui.IsTerminal() {
				return fmt.Errorf("refusing to clear %s without --force", settings.Persistence.Path)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Delete %s?", settings.Persistence.Path)).
				Description("Pending writes that were never acknowledged are lost.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}
		if err := client.ClearPersistence(cmd.Context(), settings); err != nil {
			return err
		}
		fmt.Printf("%s Cleared %s\n", ui.RenderPass("✓"), settings.Persistence.Path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return outputJSON(settings)
		}
		return config.WriteYAML(os.Stdout, settings)
	},
}

func init() {
	backfillCmd.Flags().Bool("all", false, "Repeat until every document is indexed")
	clearCmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(statusCmd, gcCmd, backfillCmd, clearCmd, configCmd)
}
