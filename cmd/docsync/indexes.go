package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/bundle"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/ui"
)

var indexesCmd = &cobra.Command{
	Use:     "indexes",
	GroupID: "index",
	Short:   "Manage client-side field indexes",
}

func describeIndex(idx *model.FieldIndex) string {
	segs := make([]string, len(idx.Segments))
	for i, s := range idx.Segments {
		segs[i] = s.FieldPath.String() + " " + s.Kind.String()
	}
	return fmt.Sprintf("%s (%s)", idx.CollectionGroup, strings.Join(segs, ", "))
}

var indexesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured field indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			indexes, err := c.FieldIndexes(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(indexes)
			}
			if len(indexes) == 0 {
				fmt.Println(ui.RenderMuted("No field indexes"))
				return nil
			}
			for _, idx := range indexes {
				fmt.Printf("%s %s\n", ui.RenderAccent(fmt.Sprintf("#%d", idx.IndexID)), describeIndex(idx))
			}
			return nil
		})
	},
}

// parseSegments reads "field[:asc|desc|contains]" specs.
func parseSegments(specs []string) ([]model.IndexSegment, error) {
	segs := make([]model.IndexSegment, 0, len(specs))
	for _, spec := range specs {
		field, kindName, found := strings.Cut(spec, ":")
		kind := model.Ascending
		if found {
			k, err := model.ParseSegmentKind(kindName)
			if err != nil {
				return nil, err
			}
			kind = k
		}
		path, err := model.ParseFieldPath(field)
		if err != nil {
			return nil, err
		}
		segs = append(segs, model.IndexSegment{FieldPath: path, Kind: kind})
	}
	return segs, nil
}

var indexesAddCmd = &cobra.Command{
	Use:   "add <collection-group> <field[:asc|desc|contains]>...",
	Short: "Add a field index",
	Long: `Add a field index over a collection group. Existing indexes are kept.

Example:
  docsync indexes add rooms capacity:desc name`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		segs, err := parseSegments(args[1:])
		if err != nil {
			return err
		}
		added := &model.FieldIndex{IndexID: model.UnknownIndexID, CollectionGroup: args[0], Segments: segs}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			existing, err := c.FieldIndexes(ctx)
			if err != nil {
				return err
			}
			if err := c.ConfigureFieldIndexes(ctx, append(existing, added)); err != nil {
				return err
			}
			fmt.Printf("%s Added index %s\n", ui.RenderPass("✓"), describeIndex(added))
			return nil
		})
	},
}

var indexesDeleteCmd = &cobra.Command{
	Use:   "delete <collection-group> <field[:kind]>...",
	Short: "Delete the field index with exactly these segments",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		segs, err := parseSegments(args[1:])
		if err != nil {
			return err
		}
		target := &model.FieldIndex{CollectionGroup: args[0], Segments: segs}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			existing, err := c.FieldIndexes(ctx)
			if err != nil {
				return err
			}
			kept := existing[:0]
			removed := false
			for _, idx := range existing {
				if idx.SemanticEqual(target) {
					removed = true
					continue
				}
				kept = append(kept, idx)
			}
			if !removed {
				return fmt.Errorf("no index %s", describeIndex(target))
			}
			if err := c.ConfigureFieldIndexes(ctx, kept); err != nil {
				return err
			}
			fmt.Printf("%s Deleted index %s\n", ui.RenderPass("✓"), describeIndex(target))
			return nil
		})
	},
}

var indexesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every field index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			if err := c.DeleteAllFieldIndexes(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Deleted all field indexes\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

var indexesAutoCmd = &cobra.Command{
	Use:       "auto <on|off>",
	Short:     "Enable or disable automatic index creation",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			return c.SetIndexAutoCreationEnabled(ctx, enabled)
		})
	},
}

var bundleCmd = &cobra.Command{
	Use:     "bundle",
	GroupID: "index",
	Short:   "Work with document bundles",
}

var bundleLoadCmd = &cobra.Command{
	Use:   "load <file|->",
	Short: "Load a bundle into the local cache",
	Long: `Load a newline-delimited JSON bundle of documents and named queries.
Use - to read from stdin. A bundle that was already loaded is skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			progress, err := c.LoadBundle(ctx, in, func(p bundle.Progress) {
				if !jsonOutput && p.State == bundle.TaskRunning && p.TotalDocuments > 0 {
					fmt.Printf("\r%s %d/%d documents", ui.RenderAccent("…"), p.DocumentsLoaded, p.TotalDocuments)
				}
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(progress)
			}
			fmt.Printf("\r%s Loaded %d documents (%d bytes)\n", ui.RenderPass("✓"), progress.DocumentsLoaded, progress.BytesLoaded)
			return nil
		})
	},
}

var bundleQueryCmd = &cobra.Command{
	Use:   "query <name>",
	Short: "Run a named query from a loaded bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			nq, err := c.GetNamedQuery(ctx, args[0])
			if err != nil {
				return err
			}
			if nq == nil {
				return fmt.Errorf("no named query %q", args[0])
			}
			snap, err := c.GetDocumentsFromCache(ctx, nq.Query)
			if err != nil {
				return err
			}
			return printDocuments(snap.Docs.Docs())
		})
	},
}

func init() {
	indexesCmd.AddCommand(indexesListCmd, indexesAddCmd, indexesDeleteCmd, indexesClearCmd, indexesAutoCmd)
	bundleCmd.AddCommand(bundleLoadCmd, bundleQueryCmd)
	rootCmd.AddCommand(indexesCmd, bundleCmd)
}
