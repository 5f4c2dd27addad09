// Package acptest provides a scripted ACP agent for tests. It speaks the same
// line-delimited JSON-RPC as a real agent binary, either over in-memory pipes or
// over the stdio of a helper process.
package acptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/harun/kirogate/pkg/acp"
	"github.com/rs/zerolog"
)

// PromptFunc scripts one prompt turn and returns its stop reason.
type PromptFunc func(t *Turn) string

// Agent is a scripted ACP agent.
type Agent struct {
	// OnPrompt scripts turns. The default echoes the prompt text.
	OnPrompt PromptFunc
	Modes    acp.ModeState
	Models   acp.ModelState
	Commands []acp.Command
	// FailMethods makes the named methods return an internal error.
	FailMethods map[string]bool
	// LoadSession advertises session/load support. Loading replays the
	// session's earlier prompts as agent message chunks.
	LoadSession bool

	writeMu sync.Mutex
	w       io.Writer

	mu          sync.Mutex
	calls       []string
	sessions    int
	nextID      atomic.Int64
	waiters     map[int64]chan json.RawMessage
	turn        *Turn
	lastMode    string
	lastModel   string
	prompts     []string
	images      []Image
	history     map[string][]string
	loaded      []string
	closeClient func()
}

// Image is an image block received in a prompt.
type Image struct {
	MimeType string
	Data     string
}

// New returns an agent with two modes and two models.
func New() *Agent {
	return &Agent{
		Modes: acp.ModeState{
			CurrentModeID: "kiro_default",
			AvailableModes: []acp.Mode{
				{ID: "kiro_default", Name: "Default"},
				{ID: "reviewer", Name: "Reviewer"},
			},
		},
		Models: acp.ModelState{
			CurrentModelID: "auto",
			AvailableModels: []acp.Model{
				{ID: "auto", Name: "Auto"},
				{ID: "claude-sonnet-4", Name: "Claude Sonnet 4"},
			},
		},
		Commands: []acp.Command{{Name: "/context", Description: "Manage context files"}},
		waiters:  make(map[int64]chan json.RawMessage),
		history:  make(map[string][]string),
	}
}

// Conn connects a new acp.Conn to this agent over in-memory pipes.
func (a *Agent) Conn() *acp.Conn {
	clientR, agentW := io.Pipe()
	agentR, clientW := io.Pipe()

	a.setWriter(agentW)

	a.mu.Lock()
	a.closeClient = func() {
		_ = agentW.Close()
		_ = agentR.Close()
	}
	a.mu.Unlock()

	go func() {
		_ = a.Serve(agentR, agentW)
		_ = agentW.Close()
	}()

	return acp.NewConn(clientR, clientW, acp.ConnOptions{Logger: zerolog.Nop()})
}

// Crash drops the connection as if the agent process died.
func (a *Agent) Crash() {
	a.mu.Lock()
	closeFn := a.closeClient
	a.mu.Unlock()
	if closeFn != nil {
		closeFn()
	}
}

// Calls returns the methods received so far, in order.
func (a *Agent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Called reports how many times method was received.
func (a *Agent) Called(method string) int {
	n := 0
	for _, c := range a.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// Prompts returns the prompt texts received so far.
func (a *Agent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// Images returns the image blocks received in prompts so far.
func (a *Agent) Images() []Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Image(nil), a.images...)
}

// Loaded returns the session ids resumed with session/load, in order.
func (a *Agent) Loaded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.loaded...)
}

// CurrentMode returns the last mode selected with session/set_mode.
func (a *Agent) CurrentMode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMode
}

// CurrentModel returns the last model selected with session/set_model.
func (a *Agent) CurrentModel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastModel
}

// Serve answers requests read from r until r is exhausted.
func (a *Agent) Serve(r io.Reader, w io.Writer) error {
	a.setWriter(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg frame
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		a.handle(msg)
	}

	a.mu.Lock()
	if a.turn != nil {
		a.turn.cancelOnce.Do(func() { close(a.turn.cancelled) })
	}
	for id, ch := range a.waiters {
		close(ch)
		delete(a.waiters, id)
	}
	a.mu.Unlock()

	return scanner.Err()
}

type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (a *Agent) handle(msg frame) {
	if msg.Method == "" {
		a.deliverResponse(msg)
		return
	}

	a.mu.Lock()
	a.calls = append(a.calls, msg.Method)
	a.mu.Unlock()

	if a.FailMethods[msg.Method] {
		a.replyError(msg.ID, acp.CodeInternalError, "scripted failure")
		return
	}

	switch msg.Method {
	case acp.MethodInitialize:
		a.reply(msg.ID, map[string]any{
			"protocolVersion":   1,
			"agentCapabilities": map[string]any{"loadSession": a.LoadSession},
			"agentInfo":         map[string]any{"name": "fake-agent", "version": "0.0.1"},
		})

	case acp.MethodSessionNew:
		a.mu.Lock()
		a.sessions++
		sessionID := fmt.Sprintf("sess-%d", a.sessions)
		a.history[sessionID] = nil
		a.mu.Unlock()
		a.reply(msg.ID, map[string]any{
			"sessionId": sessionID,
			"modes":     a.Modes,
			"models":    a.Models,
		})
		if len(a.Commands) > 0 {
			a.send(map[string]any{
				"jsonrpc": "2.0",
				"method":  acp.MethodCommandsAvailable,
				"params":  map[string]any{"sessionId": sessionID, "commands": a.Commands},
			})
		}

	case acp.MethodSessionLoad:
		a.loadSession(msg)

	case acp.MethodSessionSetMode:
		var p struct {
			ModeID string `json:"modeId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		a.mu.Lock()
		a.lastMode = p.ModeID
		a.mu.Unlock()
		a.reply(msg.ID, map[string]any{})

	case acp.MethodSessionSetModel:
		var p struct {
			ModelID string `json:"modelId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		a.mu.Lock()
		a.lastModel = p.ModelID
		a.mu.Unlock()
		a.reply(msg.ID, map[string]any{})

	case acp.MethodSessionPrompt:
		a.startTurn(msg)

	case acp.MethodSessionCancel:
		a.mu.Lock()
		turn := a.turn
		a.mu.Unlock()
		if turn != nil {
			turn.cancelOnce.Do(func() { close(turn.cancelled) })
		}

	default:
		if len(msg.ID) > 0 {
			a.replyError(msg.ID, acp.CodeMethodNotFound, "method not found")
		}
	}
}

func (a *Agent) loadSession(msg frame) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &p)

	a.mu.Lock()
	history, known := a.history[p.SessionID]
	history = append([]string(nil), history...)
	if known {
		a.loaded = append(a.loaded, p.SessionID)
	}
	a.mu.Unlock()

	if !known {
		a.replyError(msg.ID, CodeSessionNotFound, "session not found")
		return
	}

	replay := &Turn{agent: a, SessionID: p.SessionID}
	for _, text := range history {
		replay.Say("history: " + text)
	}
	a.reply(msg.ID, map[string]any{"modes": a.Modes, "models": a.Models})
}

// CodeSessionNotFound is returned by session/load for unknown session ids.
const CodeSessionNotFound = -32002

func (a *Agent) startTurn(msg frame) {
	var p struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Data     string `json:"data"`
			MimeType string `json:"mimeType"`
		} `json:"prompt"`
	}
	_ = json.Unmarshal(msg.Params, &p)

	text := ""
	var images []Image
	for _, block := range p.Prompt {
		switch block.Type {
		case "image":
			images = append(images, Image{MimeType: block.MimeType, Data: block.Data})
		default:
			text += block.Text
		}
	}

	turn := &Turn{agent: a, SessionID: p.SessionID, Text: text, Images: images, cancelled: make(chan struct{})}
	a.mu.Lock()
	a.turn = turn
	a.prompts = append(a.prompts, text)
	a.images = append(a.images, images...)
	a.history[p.SessionID] = append(a.history[p.SessionID], text)
	a.mu.Unlock()

	script := a.OnPrompt
	if script == nil {
		script = Echo
	}

	go func() {
		stop := script(turn)
		if stop == "" {
			return
		}
		a.mu.Lock()
		if a.turn == turn {
			a.turn = nil
		}
		a.mu.Unlock()
		a.reply(msg.ID, map[string]any{"stopReason": stop})
	}()
}

func (a *Agent) deliverResponse(msg frame) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.waiters[id]
	delete(a.waiters, id)
	a.mu.Unlock()
	if ok {
		ch <- msg.Result
	}
}

func (a *Agent) reply(id json.RawMessage, result any) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (a *Agent) replyError(id json.RawMessage, code int, message string) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

func (a *Agent) setWriter(w io.Writer) {
	a.writeMu.Lock()
	a.w = w
	a.writeMu.Unlock()
}

// Raw writes a raw line to the client.
func (a *Agent) Raw(line string) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = io.WriteString(a.w, line+"\n")
}

func (a *Agent) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.w.Write(append(data, '\n'))
}

// Turn is the handle a PromptFunc uses to stream a reply.
type Turn struct {
	agent      *Agent
	SessionID  string
	Text       string
	Images     []Image
	cancelled  chan struct{}
	cancelOnce sync.Once
}

// Say streams an agent message chunk.
func (t *Turn) Say(text string) {
	t.update(map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// ToolCall announces a tool call.
func (t *Turn) ToolCall(id, title, kind string) {
	t.update(map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    id,
		"title":         title,
		"kind":          kind,
		"status":        "pending",
	})
}

// ToolCallDone marks a tool call completed.
func (t *Turn) ToolCallDone(id string) {
	t.update(map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    id,
		"status":        "completed",
	})
}

// RequestPermission asks the client to approve a tool call and waits for the
// answer. It returns the chosen option id, or "cancelled".
func (t *Turn) RequestPermission(toolCallID, title, kind string) string {
	a := t.agent
	id := 1000 + a.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)
	a.mu.Lock()
	a.waiters[id] = ch
	a.mu.Unlock()

	a.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  acp.MethodRequestPermission,
		"params": map[string]any{
			"sessionId": t.SessionID,
			"toolCall":  map[string]any{"toolCallId": toolCallID, "title": title, "kind": kind},
			"options": []map[string]any{
				{"optionId": "allow_once", "name": "Yes", "kind": "allow_once"},
				{"optionId": "allow_always", "name": "Always", "kind": "allow_always"},
				{"optionId": "reject_once", "name": "No", "kind": "reject_once"},
			},
		},
	})

	result, ok := <-ch
	if !ok {
		return "cancelled"
	}
	var r struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return "cancelled"
	}
	if r.Outcome.Outcome == "selected" {
		return r.Outcome.OptionID
	}
	return "cancelled"
}

// Cancelled is closed when the client sends session/cancel for this turn.
func (t *Turn) Cancelled() <-chan struct{} {
	return t.cancelled
}

func (t *Turn) update(u map[string]any) {
	t.agent.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  acp.MethodSessionUpdate,
		"params":  map[string]any{"sessionId": t.SessionID, "update": u},
	})
}

// Echo replies with the prompt text and ends the turn.
func Echo(t *Turn) string {
	t.Say("echo: " + t.Text)
	return acp.StopReasonEndTurn
}

// WaitForCancel streams one chunk and then blocks until the turn is cancelled.
func WaitForCancel(t *Turn) string {
	t.Say("working")
	<-t.Cancelled()
	return acp.StopReasonCancelled
}

// Hang never ends the turn. An empty stop reason means no response is sent.
func Hang(t *Turn) string {
	<-t.Cancelled()
	return ""
}
