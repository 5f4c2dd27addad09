package workspace

import (
	"fmt"
	"strings"
)

// Mode selects how conversations map to agent working directories.
type Mode string

const (
	// ModePerChat gives every conversation its own directory under a root.
	ModePerChat Mode = "per_chat"
	// ModeFixed runs every conversation of a platform in one project directory.
	ModeFixed Mode = "fixed"
)

// ParseMode parses a configured workspace mode. Empty means per_chat.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModePerChat:
		return ModePerChat, nil
	case ModeFixed:
		return ModeFixed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, value)
	}
}

// ConfigScope is the agent configuration scope a workspace runs with.
type ConfigScope string

const (
	// ScopeGlobal uses the agent's user-level configuration.
	ScopeGlobal ConfigScope = "global"
	// ScopeProject uses the configuration checked into the project directory.
	ScopeProject ConfigScope = "project"
)

// BaseConfig is the per-platform input to Resolve.
type BaseConfig struct {
	// Root is the parent of per-chat workspaces.
	Root string
	// FixedDir is the pre-existing project directory used in fixed mode.
	FixedDir string
}

// Workspace is a resolved agent working directory and the mode that produced it.
type Workspace struct {
	Dir  string
	Mode Mode
}

// Scope reports which agent configuration the workspace should be launched with.
// Per-chat directories are throwaway, so they use the global configuration.
func (w Workspace) Scope() ConfigScope {
	if w.Mode == ModeFixed {
		return ScopeProject
	}
	return ScopeGlobal
}
