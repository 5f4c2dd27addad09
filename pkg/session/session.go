package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/harun/kirogate/pkg/permission"
	"github.com/harun/kirogate/pkg/workspace"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "kirogate.session"

// Session is the coordinator of one conversation. It owns at most one agent
// connection at a time and runs at most one turn on it.
type Session struct {
	key        Key
	workspace  workspace.Workspace
	settings   Settings
	launch     Launcher
	sink       channels.Sink
	logger     zerolog.Logger
	negotiator *permission.Negotiator
	resume     *resumeStore
	now        func() time.Time

	// lifetime is cancelled by Shutdown and bounds every agent call.
	lifetime context.Context
	stop     context.CancelFunc

	// spawnMu serializes connection setup.
	spawnMu sync.Mutex

	mu           sync.Mutex
	conn         *acp.Conn
	agentSession string
	// replayedThrough is the last event Seq of conn that replays history
	// from session/load.
	replayedThrough int64
	modes           *acp.ModeState
	models          *acp.ModelState
	commands        []acp.Command
	wantMode        string
	wantModel       string
	lastActivity    time.Time
	current         *turn
	closed          bool

	shutdownOnce sync.Once
	shutdownErr  error
	wg           sync.WaitGroup
}

type turn struct {
	ctx     context.Context
	span    trace.Span
	started time.Time

	// guarded by Session.mu
	conn      *acp.Conn
	sessionID string
	requestID int64
	tools     map[string]acp.ToolCall
	cancelled bool
	images    []channels.Image

	cancelCh   chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

type turnResult struct {
	outcome   string
	cancelled bool
	code      channels.ErrorCode
	message   string
	err       error
}

func newSession(key Key, ws workspace.Workspace, settings Settings, launch Launcher, sink channels.Sink, logger zerolog.Logger, resume *resumeStore) *Session {
	settings = settings.withDefaults()
	lifetime, stop := context.WithCancel(context.Background())

	s := &Session{
		key:          key,
		workspace:    ws,
		settings:     settings,
		launch:       launch,
		sink:         sink,
		resume:       resume,
		logger:       logger.With().Str("component", "session").Str("session_key", key.String()).Logger(),
		now:          time.Now,
		lifetime:     lifetime,
		stop:         stop,
		lastActivity: time.Now(),
	}
	s.negotiator = permission.New(permission.Config{
		SessionKey: key.String(),
		Timeout:    settings.PermissionTimeout,
		Logger:     logger,
	}, s)
	return s
}

// Key returns the conversation key.
func (s *Session) Key() Key {
	return s.key
}

// Workspace returns the directory the agent runs in.
func (s *Session) Workspace() workspace.Workspace {
	return s.workspace
}

// HandleInbound processes one inbound message. Turns run in the background;
// HandleInbound returns once the message has been accepted or rejected.
func (s *Session) HandleInbound(ctx context.Context, msg channels.InboundMessage) error {
	if msg.Empty() {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	ctx = s.tag(ctx)
	s.touch()

	if len(msg.Images) > 0 {
		observability.RecordInbound(s.key.Platform, "prompt")
		return s.startTurn(ctx, text, msg.Images)
	}

	if s.negotiator.HasPending() {
		if action, ok := permission.ParseAction(text); ok {
			observability.RecordInbound(s.key.Platform, "permission_reply")
			_, err := s.negotiator.Decide(action, msg.SenderID)
			if errors.Is(err, permission.ErrAlreadyResolved) || errors.Is(err, permission.ErrNoPending) {
				s.logger.Info().Err(err).Str("sender_id", msg.SenderID).Msg("Ignoring late permission decision")
				return nil
			}
			return err
		}
		if !s.settings.isCancelKeyword(text) {
			s.deliver(ctx, channels.Notice("Please reply y (allow), n (deny) or t (trust)."))
			return nil
		}
	}

	if s.settings.isCancelKeyword(text) {
		observability.RecordInbound(s.key.Platform, "cancel")
		if err := s.Cancel(ctx); err != nil && !errors.Is(err, ErrNothingToCancel) {
			return err
		}
		return nil
	}

	if strings.HasPrefix(text, "/") {
		name, arg, _ := strings.Cut(text, " ")
		return s.HandleSlashCommand(ctx, name, strings.TrimSpace(arg))
	}

	observability.RecordInbound(s.key.Platform, "prompt")
	return s.startTurn(ctx, text, nil)
}

// Cancel asks the agent to stop the turn in flight. The session stays busy
// until the agent reports completion or the cancel grace period forces it.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		s.deliver(ctx, channels.Notice("Nothing to cancel."))
		return ErrNothingToCancel
	}
	first := !t.cancelled
	t.cancelled = true
	// Until the prompt is written runTurn sends the cancellation itself.
	var conn *acp.Conn
	if t.requestID != 0 {
		conn = t.conn
	}
	sessionID := t.sessionID
	s.mu.Unlock()

	if !first {
		s.deliver(ctx, channels.Notice("Already cancelling."))
		return nil
	}

	s.negotiator.Abort()
	if conn != nil {
		if err := conn.Cancel(sessionID); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send cancel notification")
		}
	}
	close(t.cancelCh)

	s.logger.Info().Msg("Turn cancellation requested")
	s.deliver(ctx, channels.Notice("Cancelling..."))
	return nil
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// HasPendingPermission reports whether a permission decision is awaited.
func (s *Session) HasPendingPermission() bool {
	return s.negotiator.HasPending()
}

// Connected reports whether an agent process is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Pid returns the attached agent's process id, or 0.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	return s.conn.Pid()
}

// IdleSince returns how long the session has been idle at now. A busy session
// is not idle and reports zero.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return 0
	}
	return now.Sub(s.lastActivity)
}

// retireIfIdle marks the session closed when it has been idle for at least
// timeout and nothing awaits a decision. The caller must then Shutdown it.
func (s *Session) retireIfIdle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current != nil || s.negotiator.HasPending() {
		return false
	}
	if now.Sub(s.lastActivity) < timeout {
		return false
	}
	s.closed = true
	return true
}

// Shutdown stops the agent connection and releases the session. Safe to call
// repeatedly.
func (s *Session) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		t := s.current
		s.mu.Unlock()

		s.stop()
		s.negotiator.Close()

		if t != nil {
			s.finishTurn(t, turnResult{
				outcome: "lost",
				code:    channels.ErrorConnectionLost,
				message: "The session was closed before the agent finished.",
				err:     ErrSessionClosed,
			})
		}
		if conn != nil {
			s.shutdownErr = conn.Stop(s.settings.Launch.StopGrace)
		}
		s.wg.Wait()

		observability.RecordSessionAudit(context.Background(), "shutdown", s.key.String(), "success", nil)
		s.logger.Info().Msg("Session shut down")
	})
	return s.shutdownErr
}

func (s *Session) startTurn(ctx context.Context, text string, images []channels.Image) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.current != nil {
		s.mu.Unlock()
		observability.RecordInbound(s.key.Platform, "rejected")
		s.deliver(ctx, channels.ErrorNotice(channels.ErrorBusy, "Still working on the previous message. Send \"cancel\" to stop it."))
		return ErrSessionBusy
	}

	turnCtx := tracing.MergeContext(s.lifetime, ctx)
	turnCtx = tracing.NewTurnContext(trace.ContextWithSpan(turnCtx, trace.SpanFromContext(ctx)))
	turnCtx, span := tracing.StartSpan(turnCtx, tracerName, "session.turn",
		attribute.String("session_key", s.key.String()),
		attribute.String("platform", s.key.Platform),
	)
	t := &turn{
		ctx:      turnCtx,
		span:     span,
		started:  s.now(),
		tools:    make(map[string]acp.ToolCall),
		images:   images,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.current = t
	s.lastActivity = s.now()
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runTurn(t, text)
	return nil
}

func (s *Session) runTurn(t *turn, text string) {
	defer s.wg.Done()
	logger := tracing.LoggerFromContext(t.ctx, s.logger)

	conn, sessionID, err := s.connect(t.ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start agent for turn")
		s.finishTurn(t, failure(err))
		return
	}

	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		s.finishTurn(t, turnResult{outcome: "cancelled", cancelled: true})
		return
	}
	t.conn = conn
	t.sessionID = sessionID
	s.mu.Unlock()

	id, err := conn.Prompt(sessionID, text, toACPImages(t.images)...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to send prompt")
		s.finishTurn(t, failure(err))
		return
	}

	s.mu.Lock()
	t.requestID = id
	cancelled := t.cancelled
	s.mu.Unlock()

	if cancelled {
		if err := conn.Cancel(sessionID); err != nil {
			logger.Debug().Err(err).Msg("Failed to resend cancel notification")
		}
	}

	logger.Debug().Int64("request_id", id).Msg("Prompt sent")
	s.awaitTurn(t, conn, sessionID)
}

// awaitTurn enforces the turn timeout and the cancel grace period. The turn
// itself is finished by the event pump.
func (s *Session) awaitTurn(t *turn, conn *acp.Conn, sessionID string) {
	var timeout <-chan time.Time
	if d := s.settings.TurnTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var grace <-chan time.Time
	cancelCh := t.cancelCh

	for {
		select {
		case <-t.done:
			return

		case <-cancelCh:
			cancelCh = nil
			if d := s.settings.CancelGrace; d > 0 {
				timer := time.NewTimer(d)
				defer timer.Stop()
				grace = timer.C
			}

		case <-grace:
			s.logger.Warn().Dur("grace", s.settings.CancelGrace).Msg("Agent did not stop after cancel, terminating it")
			s.finishTurn(t, turnResult{
				outcome: "cancelled",
				code:    channels.ErrorConnectionLost,
				message: fmt.Sprintf("The agent did not stop within %s and was terminated.", s.settings.CancelGrace),
				err:     acp.ErrConnectionClosed,
			})
			s.dropConnection(conn)
			return

		case <-timeout:
			s.logger.Warn().Dur("timeout", s.settings.TurnTimeout).Msg("Turn timed out")
			if err := conn.Cancel(sessionID); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to send cancel after timeout")
			}
			s.mu.Lock()
			id := t.requestID
			s.mu.Unlock()
			conn.Abandon(id)
			s.negotiator.Abort()
			s.finishTurn(t, turnResult{
				outcome: "timeout",
				code:    channels.ErrorTimeout,
				message: fmt.Sprintf("The agent did not finish within %s.", s.settings.TurnTimeout),
				err:     acp.ErrTimeout,
			})
			return
		}
	}
}

// finishTurn reports the end of t exactly once and returns the session to idle.
func (s *Session) finishTurn(t *turn, res turnResult) {
	t.finishOnce.Do(func() {
		if res.code != "" {
			s.deliver(t.ctx, channels.ErrorNotice(res.code, res.message))
		} else {
			s.deliver(t.ctx, channels.TurnComplete(res.cancelled))
		}

		s.mu.Lock()
		if s.current == t {
			s.current = nil
		}
		s.lastActivity = s.now()
		s.mu.Unlock()

		if res.outcome == "" {
			res.outcome = "completed"
		}
		observability.RecordTurn(s.key.Platform, s.now().Sub(t.started), res.outcome)

		t.span.SetAttributes(attribute.String("outcome", res.outcome))
		if res.err != nil {
			t.span.RecordError(res.err)
			t.span.SetStatus(codes.Error, res.err.Error())
		}
		t.span.End()

		logger := tracing.LoggerFromContext(t.ctx, s.logger)
		logger.Info().
			Str("outcome", res.outcome).
			Dur("duration", s.now().Sub(t.started)).
			Msg("Turn finished")
		close(t.done)
	})
}

// connect returns the live agent connection, spawning and initializing one
// when none is attached.
func (s *Session) connect(ctx context.Context) (*acp.Conn, string, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, "", ErrSessionClosed
	}
	if s.conn != nil {
		conn, id := s.conn, s.agentSession
		s.mu.Unlock()
		return conn, id, nil
	}
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.spawn",
		attribute.String("workspace", s.workspace.Dir),
		attribute.String("workspace_mode", string(s.workspace.Mode)),
	)
	defer span.End()
	fail := func(err error) (*acp.Conn, string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}

	opts := s.settings.Launch
	opts.Logger = s.logger
	conn, err := s.launch(ctx, s.workspace, opts)
	if err != nil {
		return fail(err)
	}

	// The pump runs from the start so a long history replay cannot stall the reader.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Stop(s.settings.Launch.StopGrace)
		return fail(ErrSessionClosed)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.pump(conn)

	info, err := conn.Initialize(ctx, s.settings.Client, s.settings.InitTimeout)
	if err != nil {
		_ = conn.Stop(s.settings.Launch.StopGrace)
		return fail(err)
	}

	agentSession, resumed, err := s.openAgentSession(ctx, conn, info)
	if err != nil {
		_ = conn.Stop(s.settings.Launch.StopGrace)
		return fail(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Stop(s.settings.Launch.StopGrace)
		return fail(ErrSessionClosed)
	}
	s.conn = conn
	s.agentSession = agentSession.ID
	s.replayedThrough = agentSession.ReplayedThrough
	if agentSession.Modes != nil || !resumed {
		s.modes = agentSession.Modes
	}
	if agentSession.Models != nil || !resumed {
		s.models = agentSession.Models
	}
	wantMode, wantModel := s.wantMode, s.wantModel
	s.mu.Unlock()

	s.resume.set(s.key, agentSession.ID)

	msg, action := "Agent session started", "spawn"
	if resumed {
		msg, action = "Agent session resumed", "resume"
	}
	s.logger.Info().
		Int("pid", conn.Pid()).
		Str("agent", info.Name).
		Str("agent_version", info.Version).
		Str("session_id", agentSession.ID).
		Msg(msg)
	observability.RecordSessionAudit(ctx, action, s.key.String(), "success", map[string]interface{}{
		"workspace": s.workspace.Dir,
		"pid":       conn.Pid(),
	})

	s.reapply(ctx, conn, agentSession.ID, wantMode, wantModel)
	return conn, agentSession.ID, nil
}

// openAgentSession reloads the conversation's previous agent session when the
// agent supports it and otherwise starts a new one.
func (s *Session) openAgentSession(ctx context.Context, conn *acp.Conn, info acp.AgentInfo) (acp.SessionInfo, bool, error) {
	if prev := s.resume.get(s.key); prev != "" && info.LoadSession {
		loaded, err := conn.LoadSession(ctx, prev, s.workspace.Dir, s.settings.RequestTimeout)
		if err == nil {
			return loaded, true, nil
		}
		if errors.Is(err, acp.ErrConnectionClosed) || errors.Is(err, acp.ErrConnectionLost) {
			return acp.SessionInfo{}, false, err
		}
		s.logger.Warn().Err(err).Str("session_id", prev).Msg("Failed to resume agent session, starting a new one")
		s.resume.forget(s.key)
	}

	created, err := conn.NewSession(ctx, s.workspace.Dir, s.settings.RequestTimeout)
	if err != nil {
		return acp.SessionInfo{}, false, err
	}
	return created, false, nil
}

// reapply restores the mode and model the user picked for an earlier process
// incarnation.
func (s *Session) reapply(ctx context.Context, conn *acp.Conn, sessionID, mode, model string) {
	s.mu.Lock()
	currentMode, currentModel := "", ""
	if s.modes != nil {
		currentMode = s.modes.CurrentModeID
	}
	if s.models != nil {
		currentModel = s.models.CurrentModelID
	}
	s.mu.Unlock()

	if mode != "" && mode != currentMode {
		if err := conn.SetMode(ctx, sessionID, mode, s.settings.RequestTimeout); err != nil {
			s.logger.Warn().Err(err).Str("mode", mode).Msg("Failed to restore agent mode")
		} else {
			s.mu.Lock()
			if s.modes != nil {
				s.modes.CurrentModeID = mode
			}
			s.mu.Unlock()
		}
	}
	if model != "" && model != currentModel {
		if err := conn.SetModel(ctx, sessionID, model, s.settings.RequestTimeout); err != nil {
			s.logger.Warn().Err(err).Str("model", model).Msg("Failed to restore agent model")
		} else {
			s.mu.Lock()
			if s.models != nil {
				s.models.CurrentModelID = model
			}
			s.mu.Unlock()
		}
	}
}

// pump is the single reader of a connection's event stream.
func (s *Session) pump(conn *acp.Conn) {
	defer s.wg.Done()

	for ev := range conn.Events() {
		s.handleEvent(conn, ev)
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.agentSession = ""
	}
	s.mu.Unlock()
}

func (s *Session) handleEvent(conn *acp.Conn, ev acp.Event) {
	switch ev.Kind {
	case acp.EventTextChunk:
		if s.replayed(conn, ev) {
			return
		}
		if t := s.activeTurn(conn); t != nil {
			s.deliver(t.ctx, channels.TextChunk(ev.Text))
		}

	case acp.EventToolCall, acp.EventToolCallUpdate:
		if s.replayed(conn, ev) {
			return
		}
		t := s.activeTurn(conn)
		if t == nil || ev.ToolCall == nil {
			return
		}
		status := s.mergeToolCall(t, *ev.ToolCall)
		s.deliver(t.ctx, channels.ToolCall(status))

	case acp.EventPermissionRequest:
		if !s.acceptsPermission(conn) {
			s.logger.Info().Str("title", ev.Permission.Title).Msg("Rejecting permission request outside an active turn")
			if err := conn.ReplyPermission(ev.Permission, acp.OutcomeReject); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to reject permission request")
			}
			return
		}
		state := s.negotiator.Submit(ev.Permission, conn)
		s.logger.Debug().Str("state", string(state)).Str("title", ev.Permission.Title).Msg("Permission request received")

	case acp.EventTurnComplete:
		if t := s.activeTurn(conn); t != nil && s.ownsRequest(t, ev.RequestID) {
			res := turnResult{cancelled: acp.Cancelled(ev.StopReason)}
			if res.cancelled {
				res.outcome = "cancelled"
			}
			s.finishTurn(t, res)
		}

	case acp.EventAgentError:
		if t := s.activeTurn(conn); t != nil && s.ownsRequest(t, ev.RequestID) {
			s.finishTurn(t, failure(ev.Err))
		}

	case acp.EventCommandsAvailable:
		s.mu.Lock()
		s.commands = ev.Commands
		s.mu.Unlock()

	case acp.EventConnectionLost:
		s.logger.Warn().Err(ev.Err).Msg("Agent connection lost")
		s.negotiator.Abort()

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.agentSession = ""
		}
		s.mu.Unlock()

		if t := s.activeTurn(conn); t != nil {
			s.finishTurn(t, failure(ev.Err))
		}
	}
}

// replayed reports whether ev is history the agent replayed while loading a
// session rather than output of the current turn.
func (s *Session) replayed(conn *acp.Conn, ev acp.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn && ev.Seq <= s.replayedThrough
}

func (s *Session) activeTurn(conn *acp.Conn) *turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.conn == conn {
		return s.current
	}
	return nil
}

func (s *Session) acceptsPermission(conn *acp.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.conn == conn && !s.current.cancelled
}

// ownsRequest reports whether a prompt response belongs to t. The response
// may overtake the bookkeeping of its request id, so an unset id matches.
func (s *Session) ownsRequest(t *turn, requestID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.requestID == 0 || t.requestID == requestID
}

// mergeToolCall folds an update into what is known about the tool call, since
// updates usually omit the title and kind.
func (s *Session) mergeToolCall(t *turn, update acp.ToolCall) channels.ToolCallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := t.tools[update.ID]
	if update.Title != "" {
		known.Title = update.Title
	}
	if update.Kind != "" {
		known.Kind = update.Kind
	}
	if update.Status != "" {
		known.Status = update.Status
	}
	known.ID = update.ID
	t.tools[update.ID] = known

	description := known.Title
	if description == "" {
		description = "Tool call"
	}
	return channels.ToolCallStatus{
		ToolCallID:  known.ID,
		Description: description,
		IconClass:   channels.IconClassFor(known.Kind),
		Status:      known.Status,
	}
}

// dropConnection force-stops conn. The session goes idle without a process and
// the next message spawns a new one.
func (s *Session) dropConnection(conn *acp.Conn) {
	s.negotiator.Abort()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.agentSession = ""
	}
	s.mu.Unlock()

	if err := conn.Stop(s.settings.Launch.StopGrace); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop agent")
	}
}

// PermissionPrompt implements permission.Notifier.
func (s *Session) PermissionPrompt(p permission.Prompt) {
	s.deliver(s.lifetime, channels.Permission(channels.PermissionPrompt{
		Description:     p.Description,
		Kind:            p.Kind,
		DeadlineSeconds: int(p.Timeout.Round(time.Second) / time.Second),
	}))
}

// PermissionExpired implements permission.Notifier.
func (s *Session) PermissionExpired(p permission.Prompt) {
	s.deliver(s.lifetime, channels.ErrorNotice(channels.ErrorPermissionExpired,
		fmt.Sprintf("No reply within %s, denied: %s", p.Timeout.Round(time.Second), p.Description)))
}

func (s *Session) deliver(ctx context.Context, ev channels.OutboundEvent) {
	if err := s.sink.Deliver(tracing.Detach(ctx), s.key.Platform, s.key.ConversationID, ev); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to deliver outbound event")
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) tag(ctx context.Context) context.Context {
	ctx = tracing.WithPlatform(ctx, s.key.Platform)
	return tracing.WithSessionKey(ctx, s.key.String())
}

// failure converts a turn error into the single notice reported for it.
func failure(err error) turnResult {
	var rpcErr *acp.RPCError
	switch {
	case errors.Is(err, acp.ErrSpawn):
		return turnResult{outcome: "spawn_error", code: channels.ErrorSpawn, message: "Failed to start the agent: " + err.Error(), err: err}
	case errors.Is(err, acp.ErrTimeout):
		return turnResult{outcome: "timeout", code: channels.ErrorTimeout, message: "The agent did not respond in time.", err: err}
	case errors.Is(err, acp.ErrConnectionLost), errors.Is(err, acp.ErrConnectionClosed):
		return turnResult{outcome: "lost", code: channels.ErrorConnectionLost, message: "The agent stopped unexpectedly. Send your message again to restart it.", err: err}
	case errors.Is(err, ErrSessionClosed):
		return turnResult{outcome: "lost", code: channels.ErrorConnectionLost, message: "The session was closed.", err: err}
	case errors.As(err, &rpcErr):
		return turnResult{outcome: "error", code: channels.ErrorAgent, message: "Agent error: " + rpcErr.Message, err: err}
	default:
		return turnResult{outcome: "error", code: channels.ErrorInternal, message: "Something went wrong: " + err.Error(), err: err}
	}
}

func toACPImages(images []channels.Image) []acp.Image {
	if len(images) == 0 {
		return nil
	}
	out := make([]acp.Image, 0, len(images))
	for _, img := range images {
		out = append(out, acp.Image{MimeType: img.MimeType, Data: img.Data})
	}
	return out
}
