package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the host.
// This is the primary command for running dotclaw in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dotclaw host",
		Long: `Start the dotclaw host on the install home.

The host will:
1. Load configuration from the config file and DOTCLAW_* overrides
2. Bootstrap the install home directory tree
3. Open the SQLite store and hydrate model cooldowns
4. Bind the container driver for sandboxed agent runs
5. Start the job engine, task scheduler, retention loop and the
   inbound message gateway with its inbox tail
6. Serve Prometheus metrics when metrics.enabled is set

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the home config
  dotclaw serve

  # Start with an explicit config
  dotclaw serve --config /etc/dotclaw/production.json

  # Start with debug logging
  dotclaw serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to config file (default: $DOTCLAW_HOME/config.json)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
