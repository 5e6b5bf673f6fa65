// Package config loads and validates the kapy gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/kapy/pkg/models"
)

// Config is the root configuration for the gateway process.
type Config struct {
	// Mode selects the deployment profile: "user" or "system".
	Mode string `yaml:"mode"`

	DataDir string `yaml:"data_dir"`

	Channels  ChannelsConfig         `yaml:"channels"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	Auth      AuthConfig             `yaml:"auth"`
	Sessions  SessionsConfig         `yaml:"sessions"`
	Billing   BillingConfig          `yaml:"billing"`
	Memory    MemoryConfig           `yaml:"memory"`
	Privilege PrivilegeConfig        `yaml:"privilege"`
	Rules     RulesConfig            `yaml:"rules"`
	Delivery  DeliveryConfig         `yaml:"delivery"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// ChannelsConfig holds per-platform adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Email    EmailConfig    `yaml:"email"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Token     string  `yaml:"token"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DiscordConfig configures the Discord channel adapter.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// EmailConfig configures the email channel adapter.
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	// SpoolDir is the drop directory the MTA delivers inbound .eml
	// files into.
	SpoolDir     string `yaml:"spool_dir"`
	PollSeconds  int    `yaml:"poll_seconds"`
	ThreadCache  int    `yaml:"thread_cache"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
}

// AgentConfig describes one external agent CLI binary.
type AgentConfig struct {
	// Shape selects the adapter implementation: "oneshot" (single JSON
	// document on stdout) or "streaming" (line-delimited output).
	Shape string `yaml:"shape"`

	// Family tunes flag rewriting: "claude", "codex" or "gemini".
	Family string `yaml:"family"`

	Command         string            `yaml:"command"`
	ArgsTemplate    []string          `yaml:"args_template"`
	Models          map[string]string `yaml:"models"`
	SupportedParams []string          `yaml:"supported_params"`
	DefaultModel    string            `yaml:"default_model"`
	DefaultParams   map[string]string `yaml:"default_params"`
	TimeoutSeconds  int               `yaml:"timeout"`
	Env             map[string]string `yaml:"env"`
	ExtraFlags      []string          `yaml:"extra_flags"`

	// RequireSystemClient forces remote execution through the
	// privileged daemon; when set and no client is wired, sends fail
	// closed.
	RequireSystemClient bool `yaml:"require_system_client"`
}

// Timeout returns the per-turn wall clock limit.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// AuthConfig configures the whitelist service.
type AuthConfig struct {
	StatePath string `yaml:"state_path"`
	// RateLimitPerMinute is the per-user sliding window cap. 0 disables.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	StatePath                 string `yaml:"state_path"`
	WorkspaceRoot             string `yaml:"workspace_root"`
	MaxSessionsPerUser        int    `yaml:"max_sessions_per_user"`
	CleanupInactiveAfterHours int    `yaml:"cleanup_inactive_after_hours"`
	DefaultAgent              string `yaml:"default_agent"`
}

// BillingConfig configures the append-only billing log.
type BillingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// MemoryConfig configures the tiered memory store.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`

	Dimension     int     `yaml:"dimension"`
	MinSimilarity float64 `yaml:"min_similarity"`
	CharLimit     int     `yaml:"char_limit"`

	PromoteShortToMid int `yaml:"promote_short_to_mid"`
	PromoteMidToLong  int `yaml:"promote_mid_to_long"`

	// EnvProbeMinutes starts a background environment probe loop when
	// positive.
	EnvProbeMinutes int `yaml:"env_probe_minutes"`

	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig configures the optional embedding provider.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// PrivilegeConfig configures the two-factor and daemon bridge pieces.
type PrivilegeConfig struct {
	TwoFactorStatePath string `yaml:"two_factor_state_path"`
	GrantSecret        string `yaml:"grant_secret"`
	GrantTTLSeconds    int    `yaml:"grant_ttl_seconds"`
	SudoTTLSeconds     int    `yaml:"sudo_ttl_seconds"`
	SocketPath         string `yaml:"socket_path"`

	Daemon DaemonConfig `yaml:"daemon"`
}

// DaemonConfig configures the privileged daemon (kapy-sysd).
type DaemonConfig struct {
	SocketPath         string   `yaml:"socket_path"`
	AllowedPeerUIDs    []int    `yaml:"allowed_peer_uids"`
	AllowedUnits       []string `yaml:"allowed_units"`
	RequireGrantForAll bool     `yaml:"require_grant_for_all_ops"`
	MaxRequestBytes    int      `yaml:"max_request_bytes"`
	MaxJournalLines    int      `yaml:"max_journal_lines"`
	MaxReadBytes       int      `yaml:"max_read_bytes"`
	MaxDockerOutput    int      `yaml:"max_docker_output_bytes"`
	CronDir            string   `yaml:"cron_dir"`
	WriteAllowedPaths  []string `yaml:"write_allowed_paths"`
	SensitiveReadPaths []string `yaml:"sensitive_read_paths"`
	DockerAllowlist    []string `yaml:"docker_allowlist"`
	AgentAllowlist     []string `yaml:"agent_allowlist"`
	CommandAllowlist   []string `yaml:"command_allowlist"`
	WorkspaceParent    string   `yaml:"workspace_parent"`
	InstanceID         string   `yaml:"instance_id"`
	UseBwrap           bool     `yaml:"use_bwrap"`
	AuditPath          string   `yaml:"audit_path"`
}

// RulesConfig locates the per-channel context rule files.
type RulesConfig struct {
	Dir       string `yaml:"dir"`
	HotReload bool   `yaml:"hot_reload"`
}

// DeliveryConfig tunes streaming output delivery.
type DeliveryConfig struct {
	UpdateIntervalSeconds int `yaml:"update_interval_seconds"`
	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`
	MaxAttachmentBytes    int `yaml:"max_attachment_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads the YAML config at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = string(models.ModeUser)
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Auth.StatePath == "" {
		c.Auth.StatePath = filepath.Join(c.DataDir, "auth.json")
	}
	if c.Sessions.StatePath == "" {
		c.Sessions.StatePath = filepath.Join(c.DataDir, "sessions.json")
	}
	if c.Sessions.WorkspaceRoot == "" {
		c.Sessions.WorkspaceRoot = filepath.Join(c.DataDir, "workspaces")
	}
	if c.Sessions.MaxSessionsPerUser == 0 {
		c.Sessions.MaxSessionsPerUser = 5
	}
	if c.Billing.Dir == "" {
		c.Billing.Dir = filepath.Join(c.DataDir, "billing")
	}
	if c.Memory.Dimension == 0 {
		c.Memory.Dimension = 1536
	}
	if c.Memory.MinSimilarity == 0 {
		c.Memory.MinSimilarity = 0.35
	}
	if c.Memory.CharLimit == 0 {
		c.Memory.CharLimit = 1800
	}
	if c.Memory.PromoteShortToMid == 0 {
		c.Memory.PromoteShortToMid = 3
	}
	if c.Memory.PromoteMidToLong == 0 {
		c.Memory.PromoteMidToLong = 10
	}
	if c.Privilege.TwoFactorStatePath == "" {
		c.Privilege.TwoFactorStatePath = filepath.Join(c.DataDir, "twofactor.json")
	}
	if c.Privilege.GrantTTLSeconds == 0 {
		c.Privilege.GrantTTLSeconds = 60
	}
	if c.Privilege.SudoTTLSeconds == 0 {
		c.Privilege.SudoTTLSeconds = 600
	}
	if c.Rules.Dir == "" {
		c.Rules.Dir = "rules"
	}
	if c.Delivery.UpdateIntervalSeconds == 0 {
		c.Delivery.UpdateIntervalSeconds = 2
	}
	if c.Delivery.IdleTimeoutSeconds == 0 {
		c.Delivery.IdleTimeoutSeconds = 300
	}
	if c.Delivery.MaxAttachmentBytes == 0 {
		c.Delivery.MaxAttachmentBytes = 10 * 1024 * 1024
	}
	c.Privilege.Daemon.applyDefaults()
}

func (d *DaemonConfig) applyDefaults() {
	if d.MaxRequestBytes == 0 {
		d.MaxRequestBytes = 128 * 1024
	}
	if d.MaxJournalLines == 0 {
		d.MaxJournalLines = 500
	}
	if d.MaxReadBytes == 0 {
		d.MaxReadBytes = 256 * 1024
	}
	if d.MaxDockerOutput == 0 {
		d.MaxDockerOutput = 64 * 1024
	}
	if d.CronDir == "" {
		d.CronDir = "/etc/cron.d"
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	switch models.Mode(c.Mode) {
	case models.ModeUser, models.ModeSystem:
	default:
		return fmt.Errorf("invalid mode %q (want user or system)", c.Mode)
	}
	for name, agent := range c.Agents {
		if agent.Command == "" {
			return fmt.Errorf("agent %q: command is required", name)
		}
		switch agent.Shape {
		case "oneshot", "streaming":
		default:
			return fmt.Errorf("agent %q: invalid shape %q", name, agent.Shape)
		}
	}
	if models.Mode(c.Mode) == models.ModeSystem && c.Privilege.GrantSecret == "" {
		return fmt.Errorf("system mode requires privilege.grant_secret")
	}
	return nil
}
