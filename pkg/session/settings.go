package session

import (
	"context"
	"strings"
	"time"

	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/workspace"
)

// Key identifies a conversation across platforms.
type Key struct {
	Platform       string
	ConversationID string
}

func (k Key) String() string {
	return k.Platform + ":" + k.ConversationID
}

// Settings is the static per-platform configuration a session runs with.
type Settings struct {
	WorkspaceMode workspace.Mode
	Workspace     workspace.BaseConfig

	// IdleTimeout after which an idle session is swept. Zero disables sweeping.
	IdleTimeout       time.Duration
	PermissionTimeout time.Duration
	CancelKeywords    []string

	Launch         acp.LaunchOptions
	Client         acp.ClientInfo
	InitTimeout    time.Duration
	RequestTimeout time.Duration
	// TurnTimeout bounds a whole prompt turn. Zero disables it.
	TurnTimeout time.Duration
	// CancelGrace is how long a cancelled turn may take to finish before the
	// agent is terminated. Zero disables forced termination.
	CancelGrace time.Duration
}

// SettingsFunc returns the settings for a platform.
type SettingsFunc func(platform string) Settings

// Launcher starts an agent connection for a workspace. acp.Start is the
// production launcher.
type Launcher func(ctx context.Context, ws workspace.Workspace, opts acp.LaunchOptions) (*acp.Conn, error)

func (s Settings) withDefaults() Settings {
	if s.InitTimeout <= 0 {
		s.InitTimeout = 30 * time.Second
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if len(s.CancelKeywords) == 0 {
		s.CancelKeywords = []string{"cancel", "stop"}
	}
	if s.Client.Name == "" {
		s.Client.Name = "kirogate"
	}
	if s.Launch.StopGrace <= 0 {
		s.Launch.StopGrace = acp.DefaultStopGrace
	}
	return s
}

// isCancelKeyword matches a keyword alone on the message, optionally sent as
// a slash command.
func (s Settings) isCancelKeyword(text string) bool {
	text = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(text)), "/")
	for _, kw := range s.CancelKeywords {
		if text == strings.ToLower(strings.TrimSpace(kw)) {
			return true
		}
	}
	return false
}
