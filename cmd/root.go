// Package cmd defines the CLI commands for the crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/app"
	"github.com/minorsearch/crawler/internal/config"
	"github.com/minorsearch/crawler/internal/logging"
)

var cfgFile string

// runtimeKey is the context key under which commands find their services.
type runtimeKey struct{}

// runtime carries the services built in PersistentPreRunE to subcommands.
type runtime struct {
	app    *app.App
	cfg    config.Config
	logger *zap.Logger
}

// newApp is a factory variable so tests can substitute a stub container.
var newApp = app.New

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "A supervised, auto-scaling web crawler.",
		Long: `crawler schedules projects of seed URLs, fans the crawl frontier out
over a self-scaling worker pool, and extracts text chunks and links from
every page it visits. Results stream to the configured handler and each
finished run is archived to the configured sinks.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey{}, &runtime{
				app:    a,
				cfg:    cfg,
				logger: logger,
			})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
			if !ok || rt == nil {
				return
			}
			rt.app.Close()
			_ = rt.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. It installs signal handling so a SIGINT
// or SIGTERM cancels the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
