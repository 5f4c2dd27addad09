package config

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/permission"
	"github.com/harun/kirogate/pkg/session"
	"github.com/harun/kirogate/pkg/workspace"
)

// Config represents the main kirogate configuration
type Config struct {
	// Agent binary and protocol timeouts
	Agent AgentConfig `json:"agent" yaml:"agent" mapstructure:"agent"`

	// Default workspace layout
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace" mapstructure:"workspace"`

	// Session lifecycle
	Session SessionConfig `json:"session" yaml:"session" mapstructure:"session"`

	// Per-platform overrides keyed by platform name
	Platforms map[string]PlatformConfig `json:"platforms" yaml:"platforms" mapstructure:"platforms"`

	// Channels
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" mapstructure:"telegram"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway" mapstructure:"gateway"`

	// Observability
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig describes how the agent CLI is launched and talked to
type AgentConfig struct {
	Path           string            `json:"path" yaml:"path" mapstructure:"path"`
	Args           []string          `json:"args" yaml:"args" mapstructure:"args"`
	Env            map[string]string `json:"env" yaml:"env" mapstructure:"env"`
	ProjectEnv     map[string]string `json:"project_env" yaml:"project_env" mapstructure:"project_env"`
	InitTimeout    time.Duration     `json:"init_timeout" yaml:"init_timeout" mapstructure:"init_timeout"`
	RequestTimeout time.Duration     `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
	TurnTimeout    time.Duration     `json:"turn_timeout" yaml:"turn_timeout" mapstructure:"turn_timeout"`
	StopGrace      time.Duration     `json:"stop_grace" yaml:"stop_grace" mapstructure:"stop_grace"`
	CancelGrace    time.Duration     `json:"cancel_grace" yaml:"cancel_grace" mapstructure:"cancel_grace"`
	MaxFrameBytes  int               `json:"max_frame_bytes" yaml:"max_frame_bytes" mapstructure:"max_frame_bytes"`
}

// WorkspaceConfig holds the default workspace layout
type WorkspaceConfig struct {
	Mode     string `json:"mode" yaml:"mode" mapstructure:"mode"` // per_chat, fixed
	Root     string `json:"root" yaml:"root" mapstructure:"root"`
	FixedDir string `json:"fixed_dir" yaml:"fixed_dir" mapstructure:"fixed_dir"`
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"` // 0 disables
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`
	PermissionTimeout time.Duration `json:"permission_timeout" yaml:"permission_timeout" mapstructure:"permission_timeout"`
	CancelKeywords    []string      `json:"cancel_keywords" yaml:"cancel_keywords" mapstructure:"cancel_keywords"`
}

// PlatformConfig overrides workspace and session settings for one platform.
// Unset fields fall back to the top-level values.
type PlatformConfig struct {
	WorkspaceMode     string         `json:"workspace_mode,omitempty" yaml:"workspace_mode,omitempty" mapstructure:"workspace_mode"`
	WorkspaceRoot     string         `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty" mapstructure:"workspace_root"`
	FixedDir          string         `json:"fixed_dir,omitempty" yaml:"fixed_dir,omitempty" mapstructure:"fixed_dir"`
	IdleTimeout       *time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty" mapstructure:"idle_timeout"`
	PermissionTimeout *time.Duration `json:"permission_timeout,omitempty" yaml:"permission_timeout,omitempty" mapstructure:"permission_timeout"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled                bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	BotToken               string  `json:"bot_token" yaml:"bot_token" mapstructure:"bot_token"`
	Allowlist              []int64 `json:"allowlist" yaml:"allowlist" mapstructure:"allowlist"`
	RequireMentionInGroups bool    `json:"require_mention_in_groups" yaml:"require_mention_in_groups" mapstructure:"require_mention_in_groups"`
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" yaml:"host" mapstructure:"host"`
	Port         int    `json:"port" yaml:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" yaml:"shared_secret" mapstructure:"shared_secret"`
}

// MetricsConfig holds the standalone metrics listener
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" yaml:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" yaml:"audit_file" mapstructure:"audit_file"`
	Console   bool   `json:"console" yaml:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	Compress  bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Path:           "kiro-cli",
			Args:           []string{"acp"},
			Env:            map[string]string{},
			ProjectEnv:     map[string]string{},
			InitTimeout:    30 * time.Second,
			RequestTimeout: 30 * time.Second,
			TurnTimeout:    300 * time.Second,
			StopGrace:      acp.DefaultStopGrace,
			CancelGrace:    15 * time.Second,
			MaxFrameBytes:  acp.DefaultMaxFrameBytes,
		},
		Workspace: WorkspaceConfig{
			Mode: string(workspace.ModePerChat),
		},
		Session: SessionConfig{
			IdleTimeout:       300 * time.Second,
			SweepInterval:     session.DefaultSweepInterval,
			PermissionTimeout: permission.DefaultTimeout,
			CancelKeywords:    []string{"cancel", "stop"},
		},
		Platforms: map[string]PlatformConfig{},
		Telegram: TelegramConfig{
			Enabled:                false,
			RequireMentionInGroups: true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kirogate",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Telegram.BotToken = mask(c.Telegram.BotToken)
	out.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	out.Agent.Env = maskValues(c.Agent.Env)
	out.Agent.ProjectEnv = maskValues(c.Agent.ProjectEnv)
	return &out
}

// SessionSettings flattens the defaults and the platform's overrides into the
// settings a session runs with.
func (c *Config) SessionSettings(platform string) session.Settings {
	mode := c.Workspace.Mode
	base := workspace.BaseConfig{Root: c.Workspace.Root, FixedDir: c.Workspace.FixedDir}
	idle := c.Session.IdleTimeout
	permissionTimeout := c.Session.PermissionTimeout

	if p, ok := c.Platforms[platform]; ok {
		if p.WorkspaceMode != "" {
			mode = p.WorkspaceMode
		}
		if p.WorkspaceRoot != "" {
			base.Root = p.WorkspaceRoot
		}
		if p.FixedDir != "" {
			base.FixedDir = p.FixedDir
		}
		if p.IdleTimeout != nil {
			idle = *p.IdleTimeout
		}
		if p.PermissionTimeout != nil {
			permissionTimeout = *p.PermissionTimeout
		}
	}

	// Validate rejects unknown modes before settings are ever built.
	parsed, err := workspace.ParseMode(mode)
	if err != nil {
		parsed = workspace.ModePerChat
	}

	return session.Settings{
		WorkspaceMode:     parsed,
		Workspace:         base,
		IdleTimeout:       idle,
		PermissionTimeout: permissionTimeout,
		CancelKeywords:    append([]string(nil), c.Session.CancelKeywords...),
		Launch: acp.LaunchOptions{
			Path:          c.Agent.Path,
			Args:          append([]string(nil), c.Agent.Args...),
			Env:           c.Agent.Env,
			ProjectEnv:    c.Agent.ProjectEnv,
			MaxFrameBytes: c.Agent.MaxFrameBytes,
			StopGrace:     c.Agent.StopGrace,
		},
		InitTimeout:    c.Agent.InitTimeout,
		RequestTimeout: c.Agent.RequestTimeout,
		TurnTimeout:    c.Agent.TurnTimeout,
		CancelGrace:    c.Agent.CancelGrace,
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "********"
}

func maskValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = mask(v)
	}
	return out
}
