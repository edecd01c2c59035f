// Package main provides the CLI entry point for the Nexus agent runtime.
//
// Nexus runs a tool-calling agent loop against a configurable LLM provider
// router, with context compaction, a background circuits scheduler, and an
// approval gate in front of command execution.
//
// # Basic Usage
//
// Start the runtime:
//
//	nexus serve --config nexus.yaml
//
// Validate a config file without starting anything:
//
//	nexus config validate --config nexus.yaml
//
// Print the config JSON Schema:
//
//	nexus config schema
//
// # Environment Variables
//
//   - NEXUS_CONFIG: Path to configuration file (default: nexus.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus - tool-calling agent runtime",
		Long: `Nexus runs a tool-calling agent loop against a configurable LLM
provider router, with context compaction, a background circuits scheduler,
and an approval gate in front of command execution.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath determines the configuration file path from an explicit
// flag value, falling back to NEXUS_CONFIG and then the default filename.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("NEXUS_CONFIG"); env != "" {
		return env
	}
	return "nexus.yaml"
}
