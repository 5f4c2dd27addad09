package channels

import (
	"strings"
)

// EventKind tags an OutboundEvent.
type EventKind string

const (
	KindTextChunk        EventKind = "text_chunk"
	KindToolCallStatus   EventKind = "tool_call_status"
	KindPermissionPrompt EventKind = "permission_prompt"
	KindTurnComplete     EventKind = "turn_complete"
	KindErrorNotice      EventKind = "error_notice"
	KindNotice           EventKind = "notice"
)

// IconClass is a platform-neutral tool category an adapter maps to an icon.
type IconClass string

const (
	IconFile     IconClass = "file"
	IconEdit     IconClass = "edit"
	IconTerminal IconClass = "terminal"
	IconWeb      IconClass = "web"
	IconThinking IconClass = "thinking"
	IconOther    IconClass = "other"
)

// IconClassFor maps an agent tool kind to its icon class.
func IconClassFor(kind string) IconClass {
	switch strings.ToLower(kind) {
	case "read", "search":
		return IconFile
	case "edit", "delete", "move":
		return IconEdit
	case "execute":
		return IconTerminal
	case "fetch":
		return IconWeb
	case "think":
		return IconThinking
	default:
		return IconOther
	}
}

// ErrorCode classifies an ErrorNotice.
type ErrorCode string

const (
	ErrorSpawn             ErrorCode = "spawn_failed"
	ErrorConnectionLost    ErrorCode = "connection_lost"
	ErrorTimeout           ErrorCode = "timeout"
	ErrorBusy              ErrorCode = "busy"
	ErrorWorkspace         ErrorCode = "workspace"
	ErrorAgent             ErrorCode = "agent_error"
	ErrorPermissionExpired ErrorCode = "permission_expired"
	ErrorInternal          ErrorCode = "internal"
)

// ToolCallStatus reports progress of one agent tool call.
type ToolCallStatus struct {
	ToolCallID  string    `json:"tool_call_id"`
	Description string    `json:"description"`
	IconClass   IconClass `json:"icon_class"`
	Status      string    `json:"status"`
}

// PermissionPrompt asks the user to approve a sensitive action.
type PermissionPrompt struct {
	Description     string `json:"description"`
	Kind            string `json:"kind,omitempty"`
	DeadlineSeconds int    `json:"deadline_seconds"`
}

// OutboundEvent is one item of the outbound stream of a conversation. Exactly
// the fields belonging to Kind are set.
type OutboundEvent struct {
	Kind       EventKind         `json:"kind"`
	Text       string            `json:"text,omitempty"`
	ToolCall   *ToolCallStatus   `json:"tool_call,omitempty"`
	Permission *PermissionPrompt `json:"permission,omitempty"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Code       ErrorCode         `json:"code,omitempty"`
}

func TextChunk(text string) OutboundEvent {
	return OutboundEvent{Kind: KindTextChunk, Text: text}
}

func ToolCall(status ToolCallStatus) OutboundEvent {
	return OutboundEvent{Kind: KindToolCallStatus, ToolCall: &status}
}

func Permission(prompt PermissionPrompt) OutboundEvent {
	return OutboundEvent{Kind: KindPermissionPrompt, Permission: &prompt}
}

func TurnComplete(cancelled bool) OutboundEvent {
	return OutboundEvent{Kind: KindTurnComplete, Cancelled: cancelled}
}

func ErrorNotice(code ErrorCode, message string) OutboundEvent {
	return OutboundEvent{Kind: KindErrorNotice, Code: code, Text: message}
}

func Notice(text string) OutboundEvent {
	return OutboundEvent{Kind: KindNotice, Text: text}
}
