// Package cmd implements the astmcp command-line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/astmcp/astmcp/internal/config"
	"github.com/astmcp/astmcp/internal/workspace"
)

var (
	flagWorkspace string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "astmcp",
	Short: "Local code-intelligence MCP server",
	Long: `astmcp serves a semantic index of annotated AST nodes to AI agents
over the Model Context Protocol (JSON-RPC 2.0 over stdio).

A workspace lives in .astmcp/ under the project root and holds the
annotation store, the vector index and the configuration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".",
		"project root containing the .astmcp workspace")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"minimum log level (debug, info, warn, error)")
}

// layoutAndConfig resolves the workspace layout and its configuration.
func layoutAndConfig() (workspace.Layout, *config.Config, error) {
	layout := workspace.New(flagWorkspace)
	cfg, err := config.Load(layout.ConfigPath())
	if err != nil {
		return layout, nil, err
	}
	if flagLogLevel != "" {
		cfg.Server.LogLevel = flagLogLevel
	}
	return layout, cfg, nil
}
