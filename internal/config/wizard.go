package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/harun/kirogate/pkg/workspace"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin/stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard reading answers from in.
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	w.println("=== kirogate Configuration Wizard ===")
	w.println()

	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	// Agent
	w.println("Agent:")
	path, err := w.ask("Agent CLI path", cfg.Agent.Path)
	if err != nil {
		return nil, err
	}
	cfg.Agent.Path = path
	w.println()

	// Workspace
	w.println("Workspace options:")
	w.println("  per_chat - one directory per conversation (default)")
	w.println("  fixed    - every conversation shares one directory")
	for {
		mode, err := w.ask("Workspace mode", cfg.Workspace.Mode)
		if err != nil {
			return nil, err
		}
		if _, err := workspace.ParseMode(mode); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Workspace.Mode = mode
		break
	}

	if cfg.Workspace.Mode == string(workspace.ModeFixed) {
		for {
			dir, err := w.ask("Fixed workspace directory", cfg.Workspace.FixedDir)
			if err != nil {
				return nil, err
			}
			if dir == "" {
				w.println("Error: a directory is required in fixed mode")
				continue
			}
			cfg.Workspace.FixedDir = dir
			break
		}
	} else {
		root, err := w.ask("Workspace root (empty for the data directory)", cfg.Workspace.Root)
		if err != nil {
			return nil, err
		}
		cfg.Workspace.Root = root
	}
	w.println()

	// Telegram
	w.println("Telegram Configuration:")
	enable, err := w.ask("Enable Telegram integration? (y/n)", yesNo(cfg.Telegram.Enabled))
	if err != nil {
		return nil, err
	}
	cfg.Telegram.Enabled = strings.EqualFold(enable, "y")

	if cfg.Telegram.Enabled {
		for {
			token, err := w.ask("Telegram Bot Token", cfg.Telegram.BotToken)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Telegram.BotToken = token
			break
		}

		for {
			list, err := w.ask("Allowed user IDs, comma separated (empty allows everyone)", joinIDs(cfg.Telegram.Allowlist))
			if err != nil {
				return nil, err
			}
			ids, err := parseIDs(list)
			if err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Telegram.Allowlist = ids
			break
		}
	}
	w.println()

	// Gateway
	w.println("WebSocket Gateway:")
	enable, err = w.ask("Enable the gateway? (y/n)", yesNo(cfg.Gateway.Enabled))
	if err != nil {
		return nil, err
	}
	cfg.Gateway.Enabled = strings.EqualFold(enable, "y")

	if cfg.Gateway.Enabled {
		for {
			secret, err := w.ask("Shared secret", cfg.Gateway.SharedSecret)
			if err != nil {
				return nil, err
			}
			if secret == "" {
				w.println("Error: a shared secret is required when the gateway is enabled")
				continue
			}
			cfg.Gateway.SharedSecret = secret
			break
		}
	}
	w.println()

	// Log Level
	w.println("Logging:")
	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		w.printf("Warning: %v, using default (info)\n", err)
		level = "info"
	}
	cfg.Logging.Level = level

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

// ask prompts with a default shown in brackets; an empty answer keeps it.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		w.printf("%s [%s]: ", prompt, def)
	} else {
		w.printf("%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) println(a ...interface{}) {
	fmt.Fprintln(w.out, a...)
}

func (w *Wizard) printf(format string, a ...interface{}) {
	fmt.Fprintf(w.out, format, a...)
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseIDs(list string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID: %s", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
