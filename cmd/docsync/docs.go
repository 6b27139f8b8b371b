package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/sync"
	"github.com/steveyegge/docsync/internal/ui"
)

// documentJSON is the CLI rendering of a document.
type documentJSON struct {
	Key           string         `json:"key"`
	Exists        bool           `json:"exists"`
	Version       string         `json:"version"`
	PendingWrites bool           `json:"pending_writes,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

func toDocumentJSON(d *model.MutableDocument) documentJSON {
	out := documentJSON{
		Key:           d.Key().String(),
		Exists:        d.IsFoundDocument(),
		Version:       d.Version().String(),
		PendingWrites: d.HasPendingWrites(),
	}
	if d.IsFoundDocument() {
		out.Fields = d.Data().ToGo()
	}
	return out
}

func printDocuments(docs []*model.MutableDocument) error {
	out := make([]documentJSON, len(docs))
	for i, d := range docs {
		out[i] = toDocumentJSON(d)
	}
	if jsonOutput {
		return outputJSON(out)
	}
	if len(out) == 0 {
		fmt.Println(ui.RenderMuted("No documents"))
		return nil
	}
	for _, d := range out {
		marker := ""
		if d.PendingWrites {
			marker = " " + ui.RenderWarn("(pending)")
		}
		fmt.Printf("%s %s%s\n", ui.RenderAccent(d.Key), ui.RenderMuted(d.Version), marker)
		if d.Fields != nil {
			data, err := json.MarshalIndent(d.Fields, "  ", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("  %s\n", data)
		}
	}
	return nil
}

// parseJSONValue decodes s, keeping integral numbers as integers.
func parseJSONValue(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON value %q: %w", s, err)
	}
	return normalizeNumbers(raw), nil
}

func normalizeNumbers(x any) any {
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	}
	return x
}

var getCmd = &cobra.Command{
	Use:     "get <key>",
	GroupID: "docs",
	Short:   "Read a document from the local cache",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := model.ParseDocumentKey(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			doc, err := c.GetDocumentFromCache(ctx, key)
			if err != nil {
				return err
			}
			return printDocuments([]*model.MutableDocument{doc})
		})
	},
}

var setCmd = &cobra.Command{
	Use:     "set <key> <json>",
	GroupID: "docs",
	Short:   "Write a document",
	Long: `Write a document to the local store.

The write is committed locally at once and stays pending until a backend
acknowledges it.

Example:
  docsync set rooms/eros '{"name":"Eros","capacity":12}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := model.ParseDocumentKey(args[0])
		if err != nil {
			return err
		}
		raw, err := parseJSONValue(args[1])
		if err != nil {
			return err
		}
		fields, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("document data must be a JSON object")
		}
		data, err := model.ObjectFromGo(fields)
		if err != nil {
			return err
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			return write(ctx, c, model.NewSetMutation(key, data))
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <key>...",
	GroupID: "docs",
	Short:   "Delete documents",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		muts := make([]model.Mutation, 0, len(args))
		for _, a := range args {
			key, err := model.ParseDocumentKey(a)
			if err != nil {
				return err
			}
			muts = append(muts, model.NewDeleteMutation(key))
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			return write(ctx, c, muts...)
		})
	},
}

func write(ctx context.Context, c *client.Client, muts ...model.Mutation) error {
	if _, err := c.Write(ctx, muts...); err != nil {
		return err
	}
	if jsonOutput {
		keys := make([]string, len(muts))
		for i, m := range muts {
			keys[i] = m.Key.String()
		}
		return outputJSON(map[string]any{"written": keys, "pending": true})
	}
	for _, m := range muts {
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), m.Type, m.Key)
	}
	return nil
}

var queryCmd = &cobra.Command{
	Use:     "query <collection>",
	GroupID: "docs",
	Short:   "Query documents in the local cache",
	Long: `Run a query against the local cache.

Filters take the form "<field> <op> <json value>". Operators are
<, <=, ==, !=, >, >=, array-contains, in, array-contains-any and not-in.

Examples:
  docsync query rooms --where 'capacity >= 10' --order-by name
  docsync query messages --group --where 'author == "ada"' --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQuery(cmd, args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			snap, err := c.GetDocumentsFromCache(ctx, q)
			if err != nil {
				return err
			}
			return printDocuments(snap.Docs.Docs())
		})
	},
}

func buildQuery(cmd *cobra.Command, target string) (query.Query, error) {
	group, _ := cmd.Flags().GetBool("group")
	wheres, _ := cmd.Flags().GetStringArray("where")
	orderBys, _ := cmd.Flags().GetStringArray("order-by")
	limit, _ := cmd.Flags().GetInt("limit")
	last, _ := cmd.Flags().GetBool("last")

	var q query.Query
	if group {
		q = query.NewCollectionGroupQuery(target)
	} else {
		path, err := model.ParseResourcePath(target)
		if err != nil {
			return q, err
		}
		q = query.NewQuery(path)
	}

	for _, w := range wheres {
		f, err := parseFilter(w)
		if err != nil {
			return q, err
		}
		q = q.Where(f)
	}
	for _, o := range orderBys {
		dir := query.Ascending
		field := o
		if name, ok := strings.CutSuffix(o, " desc"); ok {
			field, dir = name, query.Descending
		}
		path, err := model.ParseFieldPath(strings.TrimSpace(field))
		if err != nil {
			return q, err
		}
		q = q.OrderBy(path, dir)
	}
	if limit > 0 {
		if last {
			q = q.WithLimitToLast(limit)
		} else {
			q = q.WithLimit(limit)
		}
	}
	return q, nil
}

func parseFilter(s string) (query.Filter, error) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("filter %q must be \"<field> <op> <value>\"", s)
	}
	field, err := model.ParseFieldPath(parts[0])
	if err != nil {
		return nil, err
	}
	op, err := query.ParseOperator(parts[1])
	if err != nil {
		return nil, err
	}
	raw, err := parseJSONValue(parts[2])
	if err != nil {
		return nil, err
	}
	value, err := model.FromGo(raw)
	if err != nil {
		return nil, err
	}
	return query.NewFieldFilter(field, op, value), nil
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "docs",
	Short:   "List writes not yet acknowledged by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			batches, err := c.PendingWrites(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(batches)
			}
			if len(batches) == 0 {
				fmt.Println(ui.RenderPass("✓") + " No pending writes")
				return nil
			}
			for _, b := range batches {
				fmt.Printf("%s %s\n", ui.RenderAccent(fmt.Sprintf("batch %d", b.BatchID)),
					ui.RenderMuted(b.LocalWriteTime.Time().Format(time.RFC3339)))
				for _, m := range b.Mutations {
					fmt.Printf("  %s %s\n", m.Type, m.Key)
				}
			}
			return nil
		})
	},
}

// parseSince accepts RFC 3339 timestamps, durations such as "90m" and
// natural language such as "2 hours ago" or "yesterday".
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

var changesCmd = &cobra.Command{
	Use:     "changes <collection-group>",
	GroupID: "docs",
	Short:   "List documents of a collection group read since a time",
	Long: `List the documents of a collection group whose read time is after --since.

Examples:
  docsync changes rooms --since "2 hours ago"
  docsync changes messages --since 2026-01-02T15:04:05Z
  docsync changes messages --since 30m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		since, err := parseSince(sinceStr, time.Now())
		if err != nil {
			return err
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			docs, err := c.ChangesSince(ctx, args[0], since)
			if err != nil {
				return err
			}
			keys := docs.SortedKeys()
			out := make([]*model.MutableDocument, 0, len(keys))
			for _, k := range keys {
				out = append(out, docs[k])
			}
			return printDocuments(out)
		})
	},
}

// listenCmd follows a query until interrupted.
var listenCmd = &cobra.Command{
	Use:     "listen <collection>",
	GroupID: "docs",
	Short:   "Print snapshots of a query as they change",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildQuery(cmd, args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			errCh := make(chan error, 1)
			reg, err := c.Listen(ctx, q, sync.ListenOptions{IncludeMetadataChanges: true}, client.Listener{
				Next: func(snap *sync.ViewSnapshot) {
					fmt.Printf("%s %d documents (from cache: %v)\n",
						ui.RenderHeader("snapshot"), snap.Docs.Len(), snap.FromCache)
					_ = printDocuments(snap.Docs.Docs())
				},
				Error: func(err error) { errCh <- err },
			})
			if err != nil {
				return err
			}
			defer func() { _ = reg.Remove(context.Background()) }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				return err
			}
		})
	},
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("group", false, "Query every collection with this id")
	cmd.Flags().StringArray("where", nil, "Filter as \"<field> <op> <json value>\" (repeatable)")
	cmd.Flags().StringArray("order-by", nil, "Order by field, append \" desc\" to reverse (repeatable)")
	cmd.Flags().Int("limit", 0, "Maximum number of results")
	cmd.Flags().Bool("last", false, "Apply --limit from the end")
}

func init() {
	addQueryFlags(queryCmd)
	addQueryFlags(listenCmd)
	changesCmd.Flags().String("since", "1 hour ago", "Start time: RFC 3339, a duration or natural language")

	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, queryCmd, listenCmd, pendingCmd, changesCmd)
}
