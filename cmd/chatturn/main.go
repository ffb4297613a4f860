// Package main provides the chatturn CLI.
//
// Start the server:
//
//	chatturn serve --config chatturn.yaml
//
// Manage database migrations:
//
//	chatturn migrate up
//	chatturn migrate status
//
// The config path may also come from CHATTURN_CONFIG.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "chatturn.yaml"

var configPath string

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatturn",
		Short: "chatturn - streamed multi-step chat backend",
		Long: `chatturn runs chat turns against LLM providers, executes their tool calls,
streams the result to the client and persists the conversation.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $CHATTURN_CONFIG or chatturn.yaml)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CHATTURN_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
