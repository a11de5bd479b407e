package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/render-cache/internal/config"
	"github.com/JakeFAU/render-cache/internal/server"
)

// runner is the part of *server.App the serve command drives.
type runner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory. Tests replace it.
var buildApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy and the admin API",
		Long: `Starts the proxy listener (server.proxy_port) and the admin listener
(server.admin_port) and blocks until SIGINT or SIGTERM, then drains
in-flight renders for up to server.shutdown_timeout.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
