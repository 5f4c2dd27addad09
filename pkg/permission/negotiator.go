// Package permission turns agent permission requests into timed human
// decisions. A Negotiator belongs to one conversation session: it surfaces one
// request at a time, remembers trusted kinds for the life of the session and
// auto-denies requests nobody answers in time.
package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/pkg/acp"
	"github.com/rs/zerolog"
)

// DefaultTimeout is how long a surfaced request waits for a decision.
const DefaultTimeout = 60 * time.Second

// State is the lifecycle state of a permission request.
type State string

const (
	StatePending State = "pending"
	StateAllowed State = "allowed"
	StateDenied  State = "denied"
	StateTrusted State = "trusted"
	StateExpired State = "expired"
)

// Action is a human decision on a pending request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionTrust Action = "trust"
)

// ParseAction recognises a chat reply as a decision.
func ParseAction(text string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "ok", "allow":
		return ActionAllow, true
	case "n", "no", "deny":
		return ActionDeny, true
	case "t", "trust", "always":
		return ActionTrust, true
	default:
		return "", false
	}
}

// Prompt is what the outbound side shows for a surfaced request.
type Prompt struct {
	RequestID   string
	ToolCallID  string
	Description string
	Kind        string
	Timeout     time.Duration
	Deadline    time.Time
}

// Notifier receives user-visible permission events.
type Notifier interface {
	PermissionPrompt(p Prompt)
	PermissionExpired(p Prompt)
}

// Responder answers the agent's permission request. *acp.Conn implements it.
type Responder interface {
	ReplyPermission(req *acp.PermissionRequest, outcome acp.PermissionOutcome) error
}

// Config configures a Negotiator.
type Config struct {
	// SessionKey labels logs and audit records.
	SessionKey string
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// Negotiator is the permission state machine of one session.
type Negotiator struct {
	key      string
	timeout  time.Duration
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	trusted map[string]bool
	current *entry
	queue   []*entry
	closed  bool
	// resolved is set once any request has been answered, so a stray decision
	// can be told apart from one that arrived too late.
	resolved bool
}

type entry struct {
	req       *acp.PermissionRequest
	responder Responder
	created   time.Time
	deadline  time.Time
	timer     *time.Timer
}

// New creates a Negotiator.
func New(cfg Config, notifier Notifier) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Negotiator{
		key:      cfg.SessionKey,
		timeout:  cfg.Timeout,
		notifier: notifier,
		logger:   cfg.Logger.With().Str("component", "permission").Str("session", cfg.SessionKey).Logger(),
		now:      time.Now,
		trusted:  make(map[string]bool),
	}
}

// Submit takes a permission request from the agent. A request of a trusted
// kind is answered immediately and StateTrusted is returned. Otherwise the
// request is surfaced, or queued behind the one already surfaced, and
// StatePending is returned.
func (n *Negotiator) Submit(req *acp.PermissionRequest, r Responder) State {
	kind := normalizeKind(req.Kind)
	e := &entry{req: req, responder: r, created: n.now()}

	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		n.answer(e, StateDenied, "system")
		return StateDenied

	case n.trusted[kind]:
		n.mu.Unlock()
		n.logger.Info().Str("kind", kind).Str("title", req.Title).Msg("Auto-approving trusted permission kind")
		n.answer(e, StateTrusted, "trust")
		return StateTrusted

	case n.current != nil:
		n.queue = append(n.queue, e)
		depth := len(n.queue)
		n.mu.Unlock()
		n.logger.Debug().Int("queued", depth).Str("title", req.Title).Msg("Permission request queued")
		return StatePending
	}

	prompt := n.surfaceLocked(e)
	n.mu.Unlock()

	n.notifier.PermissionPrompt(prompt)
	return StatePending
}

// Decide applies a human decision to the surfaced request. A decision that
// arrives at or after the deadline loses to the timeout and is rejected with
// ErrAlreadyResolved.
func (n *Negotiator) Decide(action Action, actor string) (State, error) {
	n.mu.Lock()
	e := n.current
	if e == nil {
		resolved := n.resolved
		n.mu.Unlock()
		if resolved {
			return "", ErrAlreadyResolved
		}
		return "", ErrNoPending
	}

	if !n.now().Before(e.deadline) {
		n.mu.Unlock()
		n.expire(e)
		n.logger.Info().Str("actor", actor).Msg("Ignoring permission decision after deadline")
		return "", ErrAlreadyResolved
	}

	var state State
	switch action {
	case ActionAllow:
		state = StateAllowed
	case ActionDeny:
		state = StateDenied
	case ActionTrust:
		state = StateTrusted
		n.trusted[normalizeKind(e.req.Kind)] = true
	default:
		n.mu.Unlock()
		return "", fmt.Errorf("unsupported permission action %q", action)
	}

	approved, next, surfaced := n.advanceLocked(e)
	n.mu.Unlock()

	n.answer(e, state, actor)
	n.followUp(approved, next, surfaced)
	return state, nil
}

// HasPending reports whether a request is surfaced or queued.
func (n *Negotiator) HasPending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current != nil || len(n.queue) > 0
}

// Pending returns the surfaced request, if any.
func (n *Negotiator) Pending() (Prompt, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Prompt{}, false
	}
	return n.promptFor(n.current), true
}

// Trusted reports whether kind has been trusted in this session.
func (n *Negotiator) Trusted(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.trusted[normalizeKind(kind)]
}

// Abort denies every outstanding request without notifying anyone. Used when
// the connection the requests arrived on is gone.
func (n *Negotiator) Abort() {
	n.mu.Lock()
	outstanding := n.takeAllLocked()
	n.mu.Unlock()

	for _, e := range outstanding {
		n.answer(e, StateDenied, "system")
	}
}

// Close aborts outstanding requests and denies any submitted afterwards.
func (n *Negotiator) Close() {
	n.mu.Lock()
	n.closed = true
	outstanding := n.takeAllLocked()
	n.mu.Unlock()

	for _, e := range outstanding {
		n.answer(e, StateDenied, "system")
	}
}

func (n *Negotiator) surfaceLocked(e *entry) Prompt {
	e.deadline = n.now().Add(n.timeout)
	n.current = e
	e.timer = time.AfterFunc(n.timeout, func() { n.expire(e) })
	return n.promptFor(e)
}

// advanceLocked retires e and moves the queue forward. Queued requests whose
// kind was trusted while they waited are returned for approval; the first one
// that still needs a human is surfaced.
func (n *Negotiator) advanceLocked(e *entry) (approved []*entry, prompt Prompt, surfaced bool) {
	if e.timer != nil {
		e.timer.Stop()
	}
	n.current = nil
	n.resolved = true

	for len(n.queue) > 0 {
		next := n.queue[0]
		n.queue = n.queue[1:]
		if n.trusted[normalizeKind(next.req.Kind)] {
			approved = append(approved, next)
			continue
		}
		return approved, n.surfaceLocked(next), true
	}
	return approved, Prompt{}, false
}

func (n *Negotiator) followUp(approved []*entry, prompt Prompt, surfaced bool) {
	for _, e := range approved {
		n.answer(e, StateTrusted, "trust")
	}
	if surfaced {
		n.notifier.PermissionPrompt(prompt)
	}
}

func (n *Negotiator) expire(e *entry) {
	n.mu.Lock()
	if n.current != e {
		n.mu.Unlock()
		return
	}
	prompt := n.promptFor(e)
	approved, next, surfaced := n.advanceLocked(e)
	n.mu.Unlock()

	n.logger.Warn().Str("title", e.req.Title).Dur("timeout", n.timeout).Msg("Permission request timed out, auto-denying")
	n.answer(e, StateExpired, "system")
	n.notifier.PermissionExpired(prompt)
	n.followUp(approved, next, surfaced)
}

func (n *Negotiator) takeAllLocked() []*entry {
	var outstanding []*entry
	if n.current != nil {
		if n.current.timer != nil {
			n.current.timer.Stop()
		}
		outstanding = append(outstanding, n.current)
		n.current = nil
	}
	outstanding = append(outstanding, n.queue...)
	n.queue = nil
	return outstanding
}

func (n *Negotiator) answer(e *entry, state State, actor string) {
	outcome := acp.OutcomeReject
	switch state {
	case StateAllowed:
		outcome = acp.OutcomeAllowOnce
	case StateTrusted:
		outcome = acp.OutcomeAllowAlways
	}

	if err := e.responder.ReplyPermission(e.req, outcome); err != nil {
		n.logger.Warn().Err(err).Str("state", string(state)).Msg("Failed to answer permission request")
	}

	observability.RecordPermission(string(state))
	observability.RecordPermissionAudit(context.Background(), n.key, actor, string(state), map[string]interface{}{
		"kind":       normalizeKind(e.req.Kind),
		"title":      e.req.Title,
		"wait_ms":    n.now().Sub(e.created).Milliseconds(),
		"request_id": string(e.req.ID),
	})
	n.logger.Info().Str("state", string(state)).Str("actor", actor).Str("kind", e.req.Kind).Msg("Permission request resolved")
}

func (n *Negotiator) promptFor(e *entry) Prompt {
	return Prompt{
		RequestID:   string(e.req.ID),
		ToolCallID:  e.req.ToolCallID,
		Description: e.req.Title,
		Kind:        e.req.Kind,
		Timeout:     n.timeout,
		Deadline:    e.deadline,
	}
}

func normalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return "other"
	}
	return kind
}
