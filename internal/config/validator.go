package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/harun/kirogate/pkg/workspace"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateWorkspaceMode validates a workspace mode and the directory it needs.
func (v *Validator) ValidateWorkspaceMode(mode, fixedDir string) error {
	parsed, err := workspace.ParseMode(mode)
	if err != nil {
		return err
	}
	if parsed == workspace.ModeFixed && strings.TrimSpace(fixedDir) == "" {
		return fmt.Errorf("fixed workspace mode requires fixed_dir")
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Agent
	if strings.TrimSpace(cfg.Agent.Path) == "" {
		errors = append(errors, fmt.Errorf("agent.path is required"))
	}
	positive := map[string]time.Duration{
		"agent.init_timeout":         cfg.Agent.InitTimeout,
		"agent.request_timeout":      cfg.Agent.RequestTimeout,
		"agent.stop_grace":           cfg.Agent.StopGrace,
		"session.sweep_interval":     cfg.Session.SweepInterval,
		"session.permission_timeout": cfg.Session.PermissionTimeout,
	}
	nonNegative := map[string]time.Duration{
		"agent.turn_timeout":   cfg.Agent.TurnTimeout,
		"agent.cancel_grace":   cfg.Agent.CancelGrace,
		"session.idle_timeout": cfg.Session.IdleTimeout,
	}
	errors = append(errors, checkDurations(positive, func(d time.Duration) bool { return d > 0 }, "must be > 0")...)
	errors = append(errors, checkDurations(nonNegative, func(d time.Duration) bool { return d >= 0 }, "must be >= 0")...)
	if cfg.Agent.MaxFrameBytes < 0 {
		errors = append(errors, fmt.Errorf("agent.max_frame_bytes must be >= 0"))
	}

	// Session
	for i, kw := range cfg.Session.CancelKeywords {
		if strings.TrimSpace(kw) == "" {
			errors = append(errors, fmt.Errorf("session.cancel_keywords[%d] cannot be empty", i))
		}
	}

	// Workspace
	if err := v.ValidateWorkspaceMode(cfg.Workspace.Mode, cfg.Workspace.FixedDir); err != nil {
		errors = append(errors, fmt.Errorf("workspace: %w", err))
	}

	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Platforms[name]
		mode, fixedDir := cfg.Workspace.Mode, cfg.Workspace.FixedDir
		if p.WorkspaceMode != "" {
			mode = p.WorkspaceMode
		}
		if p.FixedDir != "" {
			fixedDir = p.FixedDir
		}
		if err := v.ValidateWorkspaceMode(mode, fixedDir); err != nil {
			errors = append(errors, fmt.Errorf("platform %s: %w", name, err))
		}
		if p.IdleTimeout != nil && *p.IdleTimeout < 0 {
			errors = append(errors, fmt.Errorf("platform %s: idle_timeout must be >= 0", name))
		}
		if p.PermissionTimeout != nil && *p.PermissionTimeout <= 0 {
			errors = append(errors, fmt.Errorf("platform %s: permission_timeout must be > 0", name))
		}
	}

	// Telegram
	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}

	// Gateway
	if cfg.Gateway.Enabled {
		if strings.TrimSpace(cfg.Gateway.SharedSecret) == "" {
			errors = append(errors, fmt.Errorf("gateway.shared_secret is required when the gateway is enabled"))
		}
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		errors = append(errors, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

func checkDurations(values map[string]time.Duration, ok func(time.Duration) bool, rule string) []error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errors []error
	for _, k := range keys {
		if !ok(values[k]) {
			errors = append(errors, fmt.Errorf("%s %s", k, rule))
		}
	}
	return errors
}
