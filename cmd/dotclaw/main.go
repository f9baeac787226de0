// Package main provides the CLI entry point for the dotclaw assistant host.
//
// Dotclaw runs the execution and scheduling substrate for a multi-tenant
// chat assistant: the durable SQLite store, layered memory, the agent
// runner with its admission lanes and failover chain, background jobs,
// cron tasks, plan orchestration and the retention loop.
//
// # Basic Usage
//
// Start the host:
//
//	dotclaw serve --config ~/.dotclaw/config.json
//
// Inspect the effective configuration:
//
//	dotclaw config validate
//	dotclaw config schema
//
// # Environment Variables
//
//   - DOTCLAW_HOME: Install home (default: ~/.dotclaw)
//   - DOTCLAW_*: Any config key as a double-underscore path, e.g.
//     DOTCLAW_HOST__DEFAULTMODEL, DOTCLAW_LOGGING__LEVEL,
//     DOTCLAW_METRICS__ENABLED
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/version"
	"github.com/dotclaw/dotclaw/internal/workspace"
	"github.com/spf13/cobra"
)

// main is the entry point for the dotclaw CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	// Bootstrap logger until serve installs the configured one.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	// Execute the CLI - Cobra handles argument parsing and command routing.
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dotclaw",
		Short: "dotclaw - Assistant host runtime",
		Long: `Dotclaw hosts a multi-tenant chat assistant: sandboxed agent runs with
admission lanes and model failover, layered memory with hybrid recall,
background jobs, cron tasks, multi-agent plans and durable SQLite state.

All state lives under one install home ($DOTCLAW_HOME, default ~/.dotclaw).`,
		Version: version.String(),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath falls back to the install-home config file when no
// explicit path was given.
func resolveConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return path, nil
	}
	home, err := workspace.DefaultHome()
	if err != nil {
		return "", err
	}
	return workspace.NewLayout(home).ConfigPath(), nil
}

// buildVersionCmd creates the "version" command. The root --version flag
// prints the same string; the subcommand exists for script ergonomics.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dotclaw %s\n", version.String())
			return nil
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the merged config and report problems",
		Long: `Load the config file, apply DOTCLAW_* environment overrides and defaults,
and run cross-field validation. Exits non-zero when the result is unusable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %s\n", path)
			fmt.Fprintf(out, "  primary group:  %s\n", cfg.PrimaryGroup)
			fmt.Fprintf(out, "  default model:  %s\n", cfg.Host.DefaultModel)
			fmt.Fprintf(out, "  max agents:     %d\n", cfg.Host.Concurrency.MaxAgents)
			fmt.Fprintf(out, "  jobs enabled:   %t\n", cfg.Host.BackgroundJobs.Enabled)
			fmt.Fprintf(out, "  container:      %s\n", describeDriver(cfg))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $DOTCLAW_HOME/config.json)")
	return cmd
}

func describeDriver(cfg *config.Config) string {
	if strings.TrimSpace(cfg.Host.Container.Driver) == "" {
		return "no driver configured (agent dispatch disabled)"
	}
	return cfg.Host.Container.Driver
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the config JSON Schema",
		Long:  "Print the JSON Schema for the config file, for editor completion and CI checks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}
