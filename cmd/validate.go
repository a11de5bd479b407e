package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/render-cache/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "  origin:   %s\n", cfg.Origin.URL)
			fmt.Fprintf(out, "  listen:   proxy :%d, admin :%d\n", cfg.Server.ProxyPort, cfg.Server.AdminPort)
			fmt.Fprintf(out, "  cache:    %s\n", cfg.Cache.Backend)
			fmt.Fprintf(out, "  headless: %t\n", cfg.Headless.Enabled)
			if cfg.Queue.Enabled {
				fmt.Fprintf(out, "  backlog:  %s\n", cfg.Queue.Backend)
			}
			return nil
		},
	}
}
