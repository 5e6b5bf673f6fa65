package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/kapy/internal/agent"
	"github.com/haasonsaas/kapy/internal/auth"
	"github.com/haasonsaas/kapy/internal/billing"
	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/internal/channels/discord"
	"github.com/haasonsaas/kapy/internal/channels/email"
	"github.com/haasonsaas/kapy/internal/channels/telegram"
	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/delivery"
	"github.com/haasonsaas/kapy/internal/memory"
	"github.com/haasonsaas/kapy/internal/observability"
	"github.com/haasonsaas/kapy/internal/privileged"
	"github.com/haasonsaas/kapy/internal/router"
	"github.com/haasonsaas/kapy/internal/rules"
	"github.com/haasonsaas/kapy/internal/sessions"
	ver "github.com/haasonsaas/kapy/internal/version"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

// gatewayUserID identifies the gateway service account to the
// privileged daemon.
const gatewayUserID = "kapy-gateway"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kapy gateway",
		Long: `Start the gateway with all configured channels and agents.

The gateway will:
1. Load configuration from the specified file
2. Start enabled channel adapters (Telegram, Discord, email)
3. Register agent CLI adapters per the agents section
4. Serve Prometheus metrics when enabled

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  kapy serve

  # Start with custom config and debug logging
  kapy serve --config /etc/kapy/kapy.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kapy.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func runServe(parent context.Context, configPath string, debug bool) error {
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

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Listen, logger)
		metricsServer.Start()
	}

	authSvc, err := auth.NewService(auth.Config{
		StatePath:          cfg.Auth.StatePath,
		RateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	store, err := sessions.NewStore(sessions.Config{
		StatePath:                 cfg.Sessions.StatePath,
		MaxSessionsPerUser:        cfg.Sessions.MaxSessionsPerUser,
		CleanupInactiveAfterHours: cfg.Sessions.CleanupInactiveAfterHours,
		Logger:                    logger,
	})
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}

	ws := workspace.NewManager(cfg.Sessions.WorkspaceRoot)

	var billingLog *billing.Log
	if cfg.Billing.Enabled {
		billingLog, err = billing.NewLog(cfg.Billing.Dir, logger)
		if err != nil {
			return fmt.Errorf("init billing: %w", err)
		}
	}

	ruleEngine := rules.New(rules.Config{
		Dir:       cfg.Rules.Dir,
		HotReload: cfg.Rules.HotReload,
		Logger:    logger,
	})
	if err := ruleEngine.Start(); err != nil {
		return fmt.Errorf("init rules: %w", err)
	}
	defer ruleEngine.Stop()

	deliverer := delivery.New(delivery.Config{
		UpdateInterval: time.Duration(cfg.Delivery.UpdateIntervalSeconds) * time.Second,
		IdleTimeout:    time.Duration(cfg.Delivery.IdleTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	var memStore *memory.Store
	if cfg.Memory.Enabled {
		var embedder memory.Embedder
		if cfg.Memory.Embeddings.Enabled {
			embedder, err = memory.NewOpenAIEmbedder(memory.EmbedderConfig{
				APIKey:  cfg.Memory.Embeddings.APIKey,
				BaseURL: cfg.Memory.Embeddings.BaseURL,
				Model:   cfg.Memory.Embeddings.Model,
			})
			if err != nil {
				return fmt.Errorf("init embedder: %w", err)
			}
		}
		memStore, err = memory.NewStore(memory.Config{
			DSN:               cfg.Memory.DSN,
			Embedder:          embedder,
			MinSimilarity:     cfg.Memory.MinSimilarity,
			CharLimit:         cfg.Memory.CharLimit,
			PromoteShortToMid: cfg.Memory.PromoteShortToMid,
			PromoteMidToLong:  cfg.Memory.PromoteMidToLong,
			EnvProbeInterval:  time.Duration(cfg.Memory.EnvProbeMinutes) * time.Minute,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("init memory: %w", err)
		}
		if err := memStore.Start(ctx); err != nil {
			return fmt.Errorf("start memory: %w", err)
		}
		defer memStore.Stop()
	}

	mode := models.Mode(cfg.Mode)
	sudoTTL := time.Duration(cfg.Privilege.SudoTTLSeconds) * time.Second

	var (
		twoFactor *privileged.TwoFactor
		sudo      *privileged.SudoWindow
		bridge    *agent.RemoteBridge
	)
	if mode == models.ModeSystem {
		twoFactor, err = privileged.NewTwoFactor(privileged.TwoFactorConfig{
			Enabled:   true,
			StatePath: cfg.Privilege.TwoFactorStatePath,
			Issuer:    "kapy",
			WindowTTL: sudoTTL,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init two-factor: %w", err)
		}
		sudo = privileged.NewSudoWindow(sudoTTL)

		if cfg.Privilege.SocketPath != "" {
			client := privileged.NewClient(cfg.Privilege.SocketPath, 0, logger)
			executor := privileged.NewAgentExecutor(client, gatewayUserID)
			bridge = agent.NewRemoteBridge(executor, cfg.Mode, cfg.Privilege.Daemon.InstanceID, logger)
		}
	}

	agents := make(map[string]agent.Adapter, len(cfg.Agents))
	for name, acfg := range cfg.Agents {
		switch acfg.Shape {
		case "streaming":
			agents[name] = agent.NewStreaming(name, acfg, mode, ws, bridge, logger)
		default:
			agents[name] = agent.NewOneShot(name, acfg, mode, ws, bridge, logger)
		}
	}

	registry := channels.NewRegistry()
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.NewAdapter(telegram.Config{
			Token:         cfg.Channels.Telegram.Token,
			RateLimit:     cfg.Channels.Telegram.RateLimit,
			RateBurst:     cfg.Channels.Telegram.RateBurst,
			AttachmentDir: filepath.Join(cfg.DataDir, "attachments"),
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		registry.Register(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.NewAdapter(discord.Config{
			Token:  cfg.Channels.Discord.Token,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("init discord: %w", err)
		}
		registry.Register(dc)
	}
	if cfg.Channels.Email.Enabled {
		poller, err := email.NewSpoolPoller(cfg.Channels.Email.SpoolDir, logger)
		if err != nil {
			return fmt.Errorf("init email: %w", err)
		}
		mailer, err := email.NewSMTPMailer(email.SMTPConfig{
			Host:     cfg.Channels.Email.SMTPHost,
			Port:     cfg.Channels.Email.SMTPPort,
			Username: cfg.Channels.Email.SMTPUsername,
			Password: cfg.Channels.Email.SMTPPassword,
			From:     cfg.Channels.Email.Address,
		})
		if err != nil {
			return fmt.Errorf("init email: %w", err)
		}
		em, err := email.NewAdapter(email.Config{
			Poller:       poller,
			Mailer:       mailer,
			PollInterval: time.Duration(cfg.Channels.Email.PollSeconds) * time.Second,
			ThreadCache:  cfg.Channels.Email.ThreadCache,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("init email: %w", err)
		}
		registry.Register(em)
	}

	rcfg := router.Config{
		Mode:               mode,
		Auth:               authSvc,
		Sessions:           store,
		Agents:             agents,
		AgentConfigs:       cfg.Agents,
		DefaultAgent:       cfg.Sessions.DefaultAgent,
		Workspace:          ws,
		Billing:            billingLog,
		Rules:              ruleEngine,
		Deliverer:          deliverer,
		TwoFactor:          twoFactor,
		Sudo:               sudo,
		Metrics:            metrics,
		Version:            ver.Runtime(cfg.DataDir),
		MaxAttachmentBytes: int64(cfg.Delivery.MaxAttachmentBytes),
		Logger:             logger,
	}
	// The nil check stays on the concrete pointer so an absent store
	// leaves the interface field truly nil.
	if memStore != nil {
		rcfg.Memory = memStore
	}
	rt := router.New(rcfg)
	rt.Attach(registry)

	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	logger.Info("gateway started",
		"mode", cfg.Mode,
		"channels", len(registry.All()),
		"agents", len(agents))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
	return nil
}
