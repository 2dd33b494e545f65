package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/minorsearch/crawler/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which exposes the scheduler
// over HTTP until the process is signalled.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler as an HTTP service",
		Long: `Starts the HTTP API: runs are scheduled with POST /v1/runs, observed via
the status and result endpoints, and cancelled on request. Prometheus
metrics are served at /metrics.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", rt.cfg.Server.Port),
				Handler:           api.NewServer(rt.app.Scheduler(), rt.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				rt.logger.Info("http server listening", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				rt.logger.Info("shutting down http server")
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown http server: %w", err)
				}
				return nil
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
