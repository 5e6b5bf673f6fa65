// Package main provides the CLI entry point for the kapy gateway.
//
// Kapy connects messaging platforms (Telegram, Discord, email) to
// local agent CLI binaries (Claude, Codex, Gemini families) with
// per-chat sessions, tiered memory, and an optional privileged
// execution daemon.
//
// # Basic Usage
//
// Start the gateway:
//
//	kapy serve --config kapy.yaml
//
// Manage the user allowlist:
//
//	kapy auth allow telegram 123456789
//	kapy auth list
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kapy",
		Short: "kapy - multi-channel agent CLI gateway",
		Long: `Kapy bridges chat platforms to local agent CLI binaries.

Supported channels: Telegram, Discord, email
Supported agent families: Claude, Codex, Gemini`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildAuthCmd(),
	)
	return rootCmd
}
