package acp

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"
)

// EventKind identifies the variant carried by an Event.
type EventKind int

const (
	// EventTextChunk is a streamed piece of agent output text.
	EventTextChunk EventKind = iota + 1
	// EventToolCall announces a new tool call.
	EventToolCall
	// EventToolCallUpdate reports progress of a known tool call.
	EventToolCallUpdate
	// EventPermissionRequest asks the client to approve a tool call.
	EventPermissionRequest
	// EventTurnComplete ends a prompt turn with a stop reason.
	EventTurnComplete
	// EventAgentError ends a prompt turn with an agent-side error.
	EventAgentError
	// EventCommandsAvailable lists the agent's slash commands.
	EventCommandsAvailable
	// EventConnectionLost is the last event of a stream that ended unexpectedly.
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventTextChunk:
		return "text_chunk"
	case EventToolCall:
		return "tool_call"
	case EventToolCallUpdate:
		return "tool_call_update"
	case EventPermissionRequest:
		return "permission_request"
	case EventTurnComplete:
		return "turn_complete"
	case EventAgentError:
		return "agent_error"
	case EventCommandsAvailable:
		return "commands_available"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is one inbound item of a connection's ordered event stream.
type Event struct {
	Kind      EventKind
	SessionID string
	// Seq numbers the events of one connection in stream order, from 1.
	Seq int64

	Text       string
	ToolCall   *ToolCall
	Permission *PermissionRequest
	Commands   []Command

	// RequestID and StopReason are set on EventTurnComplete and EventAgentError.
	RequestID  int64
	StopReason string

	Err error
}

// ToolCall is the gateway's view of an agent tool invocation.
type ToolCall struct {
	ID     string
	Title  string
	Kind   string
	Status string
}

// PermissionOption is one of the answers the agent offers for a permission request.
type PermissionOption struct {
	ID   string
	Name string
	Kind string
}

// PermissionRequest is an agent request that must be answered with ReplyPermission.
type PermissionRequest struct {
	// ID is the raw JSON-RPC id of the agent's request.
	ID         json.RawMessage
	SessionID  string
	ToolCallID string
	Title      string
	Kind       string
	Options    []PermissionOption
}

// Command is an agent slash command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Stop reasons reported by session/prompt.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonRefusal   = "refusal"
)

// Cancelled reports whether a stop reason means the turn was cut short.
func Cancelled(stopReason string) bool {
	return stopReason == StopReasonCancelled || stopReason == StopReasonRefusal
}

// convertUpdate maps a session/update notification to a stream event. Updates
// the gateway does not surface (thoughts, plans, user echoes) return false.
func convertUpdate(n acpsdk.SessionNotification) (Event, bool) {
	u := n.Update
	sessionID := string(n.SessionId)

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return Event{}, false
		}
		return Event{
			Kind:      EventTextChunk,
			SessionID: sessionID,
			Text:      u.AgentMessageChunk.Content.Text.Text,
		}, true

	case u.ToolCall != nil:
		status := string(u.ToolCall.Status)
		if status == "" {
			status = "pending"
		}
		return Event{
			Kind:      EventToolCall,
			SessionID: sessionID,
			ToolCall: &ToolCall{
				ID:     string(u.ToolCall.ToolCallId),
				Title:  u.ToolCall.Title,
				Kind:   string(u.ToolCall.Kind),
				Status: status,
			},
		}, true

	case u.ToolCallUpdate != nil:
		tc := &ToolCall{ID: string(u.ToolCallUpdate.ToolCallId)}
		if u.ToolCallUpdate.Status != nil {
			tc.Status = string(*u.ToolCallUpdate.Status)
		}
		return Event{
			Kind:      EventToolCallUpdate,
			SessionID: sessionID,
			ToolCall:  tc,
		}, true

	case u.AvailableCommandsUpdate != nil:
		commands := make([]Command, 0, len(u.AvailableCommandsUpdate.AvailableCommands))
		for _, cmd := range u.AvailableCommandsUpdate.AvailableCommands {
			commands = append(commands, Command{Name: cmd.Name, Description: cmd.Description})
		}
		return Event{
			Kind:      EventCommandsAvailable,
			SessionID: sessionID,
			Commands:  commands,
		}, true
	}

	return Event{}, false
}

func convertPermissionRequest(id json.RawMessage, p acpsdk.RequestPermissionRequest) *PermissionRequest {
	req := &PermissionRequest{
		ID:         id,
		SessionID:  string(p.SessionId),
		ToolCallID: string(p.ToolCall.ToolCallId),
		Title:      "Unknown operation",
	}
	if p.ToolCall.Title != nil && *p.ToolCall.Title != "" {
		req.Title = *p.ToolCall.Title
	}
	if p.ToolCall.Kind != nil {
		req.Kind = string(*p.ToolCall.Kind)
	}
	for _, opt := range p.Options {
		req.Options = append(req.Options, PermissionOption{
			ID:   string(opt.OptionId),
			Name: opt.Name,
			Kind: string(opt.Kind),
		})
	}
	return req
}

type commandsParams struct {
	SessionID string    `json:"sessionId"`
	Commands  []Command `json:"commands"`
}
