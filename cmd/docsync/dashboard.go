package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/dashboard"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a real-time WebSocket dashboard for the local client",
	Long: `Start a client over the local store and stream what it does to WebSocket
subscribers.

WebSocket messages include:
- snapshot: a query listener received a snapshot
- write: a write was acknowledged or rejected
- lease: the client gained or lost the primary lease
- gc: garbage collection removed targets and documents
- bundle: a bundle was loaded
- stats: running totals of the above
- status: the client status, polled every --interval

Prometheus metrics are served on /metrics.

Example usage:
  docsync dashboard                        # listen on dashboard.addr
  docsync dashboard --addr 127.0.0.1:9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = settings.Dashboard.Addr
		}
		interval, _ := cmd.Flags().GetDuration("interval")

		m := metrics.New()
		return withClient(cmd, m, func(ctx context.Context, c *client.Client) error {
			server := dashboard.NewServer(&dashboard.Config{Addr: addr, Metrics: m, Logger: logger})
			handler := dashboard.NewHandler(server, logger)
			detach := handler.Attach(c)
			defer detach()

			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}

			fmt.Printf("%s Dashboard server started on http://%s\n", ui.RenderPass("✓"), server.GetAddr())
			fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
			fmt.Printf("Metrics: http://%s/metrics\n", server.GetAddr())
			fmt.Println("\nPress Ctrl+C to stop...")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return handler.PollStatus(gctx, c, interval) })
			<-gctx.Done()

			fmt.Println("\nShutting down dashboard server...")
			stopErr := server.Stop()
			if err := g.Wait(); err != nil {
				return err
			}
			return stopErr
		})
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Address to listen on (default dashboard.addr)")
	dashboardCmd.Flags().Duration("interval", 2*time.Second, "Status polling interval")
	rootCmd.AddCommand(dashboardCmd)
}
