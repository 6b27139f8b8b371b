// Command docsync inspects and drives a local docsync store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/ui"
)

var (
	cfgFile    string
	userID     string
	jsonOutput bool

	v        = viper.New()
	settings *config.Settings
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first document cache and sync engine",
	Long: `docsync manages the local document store of a docsync client.

Documents written with docsync are kept as pending writes until a backend
acknowledges them. Queries run against the local cache, through field
indexes when they are configured.

Configuration is read from --config (yaml, toml or json) and from
DOCSYNC_* environment variables, e.g. DOCSYNC_PERSISTENCE_PATH.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		settings = s

		lc := logging.DefaultConfig()
		lc.Level = s.Logging.Level
		lc.Format = logging.Format(s.Logging.Format)
		lc.File = s.Logging.File
		logger = logging.New(lc)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "docs", Title: "Documents:"},
		&cobra.Group{ID: "index", Title: "Indexes and bundles:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Configuration file (yaml, toml or json)")
	flags.StringVar(&userID, "user", "", "User id the client acts as (empty for anonymous)")
	flags.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	flags.String("backend", "", "Persistence backend: sqlite or memory")
	flags.String("path", "", "SQLite database path")
	flags.String("log-level", "", "Log level: debug, info, warn or error")

	_ = v.BindPFlag("persistence.backend", flags.Lookup("backend"))
	_ = v.BindPFlag("persistence.path", flags.Lookup("path"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// withClient starts a client over the loaded settings, runs fn and shuts
// the client down.
func withClient(cmd *cobra.Command, m *metrics.Metrics, fn func(ctx context.Context, c *client.Client) error) (err error) {
	ctx := cmd.Context()
	cfg := client.DefaultConfig()
	cfg.Settings = settings
	cfg.User = model.User{UID: userID}
	cfg.Logger = logger
	cfg.Metrics = m

	c, err := client.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := c.Shutdown(sctx); serr != nil && err == nil {
			err = fmt.Errorf("failed to shut down client: %w", serr)
		}
	}()
	return fn(ctx, c)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
