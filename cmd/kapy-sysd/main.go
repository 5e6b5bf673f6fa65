// Package main provides the privileged system daemon (kapy-sysd).
//
// The daemon listens on a root-owned Unix socket and executes the
// narrow set of system actions the gateway is allowed to request:
// systemd unit control, journal reads, allowlisted file and docker
// operations, and sandboxed agent CLI runs. The gateway process itself
// stays unprivileged.
//
// Run under systemd as root:
//
//	kapy-sysd --config /etc/kapy/kapy.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/observability"
	"github.com/haasonsaas/kapy/internal/privileged"
	"github.com/haasonsaas/kapy/internal/privileged/daemon"
)

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
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "kapy-sysd",
		Short:        "kapy privileged system daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "kapy.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runDaemon(parent context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	var grants *privileged.GrantSigner
	if cfg.Privilege.GrantSecret != "" {
		grants = privileged.NewGrantSigner(cfg.Privilege.GrantSecret,
			time.Duration(cfg.Privilege.GrantTTLSeconds)*time.Second)
	}

	srv, err := daemon.New(daemon.Options{
		Config: cfg.Privilege.Daemon,
		Grants: grants,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	logger.Info("daemon started", "socket", cfg.Privilege.Daemon.SocketPath)

	<-ctx.Done()
	logger.Info("shutting down")
	srv.Stop()
	return nil
}
