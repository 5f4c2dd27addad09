package gateway

import (
	"context"
	"time"

	"github.com/harun/kirogate/pkg/channels"
)

// Platform is the channel name conversations on this adapter are keyed by.
const Platform = "gateway"

// SecretHeader carries the shared secret on the upgrade request. Clients that
// cannot send headers use the challenge-response handshake instead.
const SecretHeader = "X-Kirogate-Secret"

// StreamType groups outbound events for clients that render them differently.
type StreamType string

const (
	StreamTypeAssistant  StreamType = "assistant"
	StreamTypeTool       StreamType = "tool"
	StreamTypePermission StreamType = "permission"
	StreamTypeLifecycle  StreamType = "lifecycle"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated frame. Conversation events carry the
// conversation id and the outbound event as Data.
type EventMessage struct {
	Type         string      `json:"type,omitempty"`
	Event        string      `json:"event"`
	Stream       StreamType  `json:"stream,omitempty"`
	Seq          int64       `json:"seq,omitempty"`
	Data         interface{} `json:"data"`
	Timestamp    int64       `json:"timestamp"`
	TraceID      string      `json:"trace_id,omitempty"`
	Conversation string      `json:"conversation_id,omitempty"`
}

// ChatEvent is the Data of a conversation event: the structured event plus a
// plain-text rendering for simple clients.
type ChatEvent struct {
	channels.OutboundEvent
	Rendered string `json:"rendered,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event    string `json:"event"`
	Success  bool   `json:"success,omitempty"`
	Message  string `json:"message,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Conversations []string  `json:"conversations"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method. The context carries the calling
// client's id.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	ConversationBusy       = -32010
	ConversationRejected   = -32011
)
