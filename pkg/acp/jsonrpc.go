// Package acp implements the client side of the Agent Client Protocol: JSON-RPC 2.0
// messages, one per line, exchanged with an agent subprocess over stdin/stdout.
package acp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ACP methods
const (
	// Client -> Agent requests
	MethodInitialize      = "initialize"
	MethodSessionNew      = "session/new"
	MethodSessionLoad     = "session/load"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionSetMode  = "session/set_mode"
	MethodSessionSetModel = "session/set_model"

	// Client -> Agent notifications
	MethodSessionCancel = "session/cancel"

	// Agent -> Client notifications
	MethodSessionUpdate     = "session/update"
	MethodCommandsAvailable = "_kiro.dev/commands/available"

	// Agent -> Client requests
	MethodRequestPermission = "session/request_permission"
)

// message is the union of every frame that can appear on the wire.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	id := strings.TrimSpace(string(m.ID))
	return id != "" && id != "null"
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// parseID reads a numeric request id. Agents echo ids back either as numbers or
// as numeric strings.
func parseID(raw json.RawMessage) (int64, bool) {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
