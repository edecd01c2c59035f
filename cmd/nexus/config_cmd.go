package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomagent/loom/internal/config"
)

// buildConfigCmd builds the "config" command group: validate and schema.
func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(buildConfigValidateCmd(&configPath))
	cmd.AddCommand(buildConfigSchemaCmd())

	return cmd
}

func buildConfigValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(*configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config is invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (default provider: %s, workspace: %s)\n",
				path, cfg.LLM.DefaultProvider, cfg.Workspace.Path)
			return nil
		},
	}
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}
