package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/channels"
)

// option is a selectable agent mode or model.
type option struct {
	id   string
	name string
}

// HandleSlashCommand answers a gateway command or forwards a command the
// agent advertised. name includes the leading slash.
func (s *Session) HandleSlashCommand(ctx context.Context, name, arg string) error {
	ctx = s.tag(ctx)
	name = strings.ToLower(name)
	observability.RecordInbound(s.key.Platform, "command")

	switch name {
	case "/help":
		s.deliver(ctx, channels.Notice(s.helpText()))
		return nil
	case "/agent":
		return s.selectMode(ctx, arg)
	case "/model":
		return s.selectModel(ctx, arg)
	}

	if s.agentCommand(name) {
		text := name
		if arg != "" {
			text += " " + arg
		}
		return s.startTurn(ctx, text, nil)
	}

	s.deliver(ctx, channels.Notice(fmt.Sprintf("Unknown command: %s\nSend /help for available commands.", name)))
	return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

func (s *Session) selectMode(ctx context.Context, arg string) error {
	conn, sessionID, err := s.commandConn(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var current string
	var opts []option
	if s.modes != nil {
		current = s.modes.CurrentModeID
		for _, m := range s.modes.AvailableModes {
			opts = append(opts, option{id: m.ID, name: m.Name})
		}
	}
	s.mu.Unlock()

	if arg == "" {
		s.deliver(ctx, channels.Notice(listing("Available agents", "/agent", opts, current)))
		return nil
	}
	if len(opts) > 0 && !hasOption(opts, arg) {
		s.deliver(ctx, channels.Notice(fmt.Sprintf("Invalid agent: %s\n\n%s", arg, listing("Available agents", "/agent", opts, current))))
		return nil
	}

	if err := conn.SetMode(ctx, sessionID, arg, s.settings.RequestTimeout); err != nil {
		s.logger.Error().Err(err).Str("mode", arg).Msg("Failed to switch agent mode")
		s.deliver(ctx, channels.ErrorNotice(failure(err).code, "Switch failed: "+err.Error()))
		return fmt.Errorf("failed to set mode: %w", err)
	}

	s.mu.Lock()
	s.wantMode = arg
	if s.modes != nil {
		s.modes.CurrentModeID = arg
	}
	s.mu.Unlock()

	s.logger.Info().Str("mode", arg).Msg("Agent mode switched")
	s.deliver(ctx, channels.Notice("Switched to agent: "+arg))
	return nil
}

func (s *Session) selectModel(ctx context.Context, arg string) error {
	conn, sessionID, err := s.commandConn(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var current string
	var opts []option
	if s.models != nil {
		current = s.models.CurrentModelID
		for _, m := range s.models.AvailableModels {
			opts = append(opts, option{id: m.ID, name: m.Name})
		}
	}
	s.mu.Unlock()

	if arg == "" {
		if len(opts) == 0 {
			s.deliver(ctx, channels.Notice("The agent did not report any models."))
			return nil
		}
		s.deliver(ctx, channels.Notice(listing("Available models", "/model", opts, current)))
		return nil
	}
	if len(opts) > 0 && !hasOption(opts, arg) {
		s.deliver(ctx, channels.Notice(fmt.Sprintf("Invalid model: %s\n\n%s", arg, listing("Available models", "/model", opts, current))))
		return nil
	}

	if err := conn.SetModel(ctx, sessionID, arg, s.settings.RequestTimeout); err != nil {
		s.logger.Error().Err(err).Str("model", arg).Msg("Failed to switch model")
		s.deliver(ctx, channels.ErrorNotice(failure(err).code, "Switch failed: "+err.Error()))
		return fmt.Errorf("failed to set model: %w", err)
	}

	s.mu.Lock()
	s.wantModel = arg
	if s.models != nil {
		s.models.CurrentModelID = arg
	}
	s.mu.Unlock()

	s.logger.Info().Str("model", arg).Msg("Model switched")
	s.deliver(ctx, channels.Notice("Switched to model: "+arg))
	return nil
}

// commandConn connects on demand. A closed session reports nothing so the
// manager can retry on a fresh one.
func (s *Session) commandConn(ctx context.Context) (*acp.Conn, string, error) {
	conn, sessionID, err := s.connect(tracing.MergeContext(s.lifetime, ctx))
	if err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			res := failure(err)
			s.deliver(ctx, channels.ErrorNotice(res.code, res.message))
		}
		return nil, "", err
	}
	return conn, sessionID, nil
}

func (s *Session) agentCommand(name string) bool {
	want := strings.TrimPrefix(name, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.EqualFold(strings.TrimPrefix(c.Name, "/"), want) {
			return true
		}
	}
	return false
}

func (s *Session) helpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n\n")
	b.WriteString("• /agent - List available agents\n")
	b.WriteString("• /agent <name> - Switch agent\n")
	b.WriteString("• /model - List available models\n")
	b.WriteString("• /model <name> - Switch model\n")
	b.WriteString("• /help - Show this help\n")
	fmt.Fprintf(&b, "• %s - Stop the current task\n", strings.Join(s.settings.CancelKeywords, " or "))

	s.mu.Lock()
	commands := append([]acp.Command(nil), s.commands...)
	s.mu.Unlock()

	if len(commands) > 0 {
		b.WriteString("\nAgent commands:\n\n")
		for _, c := range commands {
			name := "/" + strings.TrimPrefix(c.Name, "/")
			if c.Description != "" {
				fmt.Fprintf(&b, "• %s - %s\n", name, c.Description)
			} else {
				fmt.Fprintf(&b, "• %s\n", name)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func listing(title, command string, opts []option, current string) string {
	if len(opts) == 0 {
		return "Nothing available."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n\n", title)
	for _, o := range opts {
		marker := ""
		if o.id == current {
			marker = " ✓"
		}
		if o.name == "" || o.name == o.id {
			fmt.Fprintf(&b, "• %s%s\n", o.id, marker)
		} else {
			fmt.Fprintf(&b, "• %s - %s%s\n", o.id, o.name, marker)
		}
	}
	if current != "" {
		fmt.Fprintf(&b, "\nCurrent: %s\n", current)
	}
	fmt.Fprintf(&b, "Use %s <name> to switch", command)
	return b.String()
}

func hasOption(opts []option, id string) bool {
	for _, o := range opts {
		if o.id == id {
			return true
		}
	}
	return false
}
