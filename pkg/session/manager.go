package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/harun/kirogate/pkg/workspace"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultSweepInterval is how often idle sessions are looked for.
const DefaultSweepInterval = 30 * time.Second

// Options configures a Manager.
type Options struct {
	// Settings returns the settings for a platform. Required.
	Settings SettingsFunc
	// Launch starts agent connections. Defaults to acp.Start.
	Launch Launcher
	// Sink receives every outbound event. Required.
	Sink   channels.Sink
	Logger zerolog.Logger
	// SweepInterval between idle sweeps once Start is called.
	SweepInterval time.Duration
}

// CancelOutcome reports what a cancellation request did.
type CancelOutcome int

const (
	// CancelNothing means no turn was in flight.
	CancelNothing CancelOutcome = iota
	// CancelRequested means the agent was asked to stop.
	CancelRequested
)

// SessionInfo is a snapshot of one live session.
type SessionInfo struct {
	Key               Key
	Workspace         string
	Pid               int
	Busy              bool
	PendingPermission bool
	Idle              time.Duration
}

// Manager owns the registry of sessions.
type Manager struct {
	settings      SettingsFunc
	launch        Launcher
	sink          channels.Sink
	logger        zerolog.Logger
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[Key]*Session
	stopped  bool

	// resume outlives swept sessions so a returning chat can reload its
	// agent session.
	resume *resumeStore

	sweeper *cron.Cron
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Launch == nil {
		opts.Launch = acp.Start
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	return &Manager{
		settings:      opts.Settings,
		launch:        opts.Launch,
		sink:          opts.Sink,
		logger:        opts.Logger.With().Str("component", "session_manager").Logger(),
		sweepInterval: opts.SweepInterval,
		now:           time.Now,
		sessions:      make(map[Key]*Session),
		resume:        newResumeStore(),
	}
}

// Route delivers an inbound message to the session for its conversation,
// creating the session on first contact. Errors are also reported outbound.
func (m *Manager) Route(ctx context.Context, msg channels.InboundMessage) error {
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithPlatform(ctx, msg.Platform)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.route",
		attribute.String("platform", msg.Platform),
		attribute.String("conversation_id", msg.ConversationID),
	)
	defer span.End()

	key := Key{Platform: msg.Platform, ConversationID: msg.ConversationID}

	// A session swept between lookup and use is replaced once.
	for attempt := 0; ; attempt++ {
		s, err := m.getOrCreate(ctx, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		err = s.HandleInbound(ctx, msg)
		if errors.Is(err, ErrSessionClosed) && attempt == 0 {
			m.remove(key, s)
			continue
		}
		if err != nil && !errors.Is(err, ErrSessionBusy) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// Cancel cancels the turn in flight for a conversation, if any.
func (m *Manager) Cancel(ctx context.Context, platform, conversationID string) (CancelOutcome, error) {
	m.mu.Lock()
	s := m.sessions[Key{Platform: platform, ConversationID: conversationID}]
	m.mu.Unlock()

	if s == nil {
		return CancelNothing, nil
	}
	if err := s.Cancel(ctx); err != nil {
		if errors.Is(err, ErrNothingToCancel) {
			return CancelNothing, nil
		}
		return CancelNothing, err
	}
	return CancelRequested, nil
}

// Get returns the live session for a key.
func (m *Manager) Get(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns a snapshot of live sessions ordered by key.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	now := m.now()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			Key:               s.Key(),
			Workspace:         s.Workspace().Dir,
			Pid:               s.Pid(),
			Busy:              s.Busy(),
			PendingPermission: s.HasPendingPermission(),
			Idle:              s.IdleSince(now),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key.String() < infos[j].Key.String()
	})
	return infos
}

// Sweep shuts down sessions idle for longer than their platform's idle
// timeout. Busy sessions and sessions awaiting a permission decision are kept.
// It returns the number of sessions closed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var retired []*Session
	for key, s := range m.sessions {
		timeout := s.settings.IdleTimeout
		if timeout <= 0 {
			continue
		}
		if s.retireIfIdle(now, timeout) {
			delete(m.sessions, key)
			retired = append(retired, s)
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if len(retired) == 0 {
		return 0
	}

	m.shutdownAll(retired, "idle")
	observability.RecordSweep(len(retired))
	observability.SetActiveSessions(remaining)

	m.logger.Info().
		Int("closed", len(retired)).
		Int("remaining", remaining).
		Msg("Swept idle sessions")
	return len(retired)
}

// Stop halts the sweeper and shuts every session down.
func (m *Manager) Stop() {
	m.stopSweeper()

	m.mu.Lock()
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	m.shutdownAll(sessions, "stop")
	observability.SetActiveSessions(0)
	m.logger.Info().Int("sessions", len(sessions)).Msg("Session manager stopped")
}

func (m *Manager) getOrCreate(ctx context.Context, key Key) (*Session, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	settings := m.settings(key.Platform)
	ws, err := workspace.Resolve(key.Platform, key.ConversationID, settings.WorkspaceMode, settings.Workspace)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_key", key.String()).Msg("Failed to resolve workspace")
		if derr := m.sink.Deliver(ctx, key.Platform, key.ConversationID,
			channels.ErrorNotice(channels.ErrorWorkspace, "Cannot open a workspace for this chat: "+err.Error())); derr != nil {
			m.logger.Warn().Err(derr).Msg("Failed to deliver outbound event")
		}
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	s := newSession(key, ws, settings, m.launch, m.sink, m.logger, m.resume)
	m.sessions[key] = s
	observability.SetActiveSessions(len(m.sessions))
	observability.RecordSessionAudit(ctx, "create", key.String(), "success", map[string]interface{}{
		"workspace": ws.Dir,
		"mode":      string(ws.Mode),
	})

	m.logger.Info().
		Str("session_key", key.String()).
		Str("workspace", ws.Dir).
		Str("workspace_mode", string(ws.Mode)).
		Msg("Session created")
	return s, nil
}

// remove drops s from the registry if it is still the session for key.
func (m *Manager) remove(key Key, s *Session) {
	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(remaining)
	go func() {
		if err := s.Shutdown(); err != nil {
			m.logger.Debug().Err(err).Str("session_key", key.String()).Msg("Session shutdown returned error")
		}
	}()
}

func (m *Manager) shutdownAll(sessions []*Session, reason string) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Shutdown(); err != nil {
				m.logger.Debug().Err(err).Str("session_key", s.Key().String()).Msg("Session shutdown returned error")
			}
			m.logger.Debug().Str("session_key", s.Key().String()).Str("reason", reason).Msg("Session closed")
		}(s)
	}
	wg.Wait()
}

// resumeStore remembers the last agent session id per conversation.
type resumeStore struct {
	mu  sync.Mutex
	ids map[Key]string
}

func newResumeStore() *resumeStore {
	return &resumeStore{ids: make(map[Key]string)}
}

func (r *resumeStore) get(key Key) string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids[key]
}

func (r *resumeStore) set(key Key, id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	r.ids[key] = id
	r.mu.Unlock()
}

func (r *resumeStore) forget(key Key) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.ids, key)
	r.mu.Unlock()
}
