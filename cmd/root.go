// Package cmd defines the CLI commands for the rendercache executable.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

// newRootCmd creates the root command and registers its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rendercache",
		Short: "A render cache that serves prerendered HTML to crawlers.",
		Long: `rendercache sits in front of a JavaScript-heavy site. Crawler requests are
answered with fully rendered HTML from a cache whose TTL adapts to how often
each page actually changes; everyone else is proxied straight to the origin.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (yaml, json or toml); RENDERCACHE_* environment variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		// The service logger depends on config, which may be what failed.
		logger, lerr := zap.NewProduction()
		if lerr != nil {
			logger = zap.NewExample()
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}
