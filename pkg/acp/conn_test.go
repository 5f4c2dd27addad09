package acp_test

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/harun/kirogate/pkg/acp"
	"github.com/harun/kirogate/pkg/acp/acptest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func nextEvent(t *testing.T, conn *acp.Conn) acp.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}
	return acp.Event{}
}

func nextEventOfKind(t *testing.T, conn *acp.Conn, kind acp.EventKind) acp.Event {
	t.Helper()
	for {
		ev := nextEvent(t, conn)
		if ev.Kind == kind {
			return ev
		}
	}
}

func startSession(t *testing.T, agent *acptest.Agent) (*acp.Conn, acp.SessionInfo) {
	t.Helper()
	conn := agent.Conn()
	t.Cleanup(func() { _ = conn.Stop(time.Second) })

	info, err := conn.Initialize(t.Context(), acp.ClientInfo{Name: "kirogate", Version: "test"}, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "fake-agent", info.Name)

	session, err := conn.NewSession(t.Context(), t.TempDir(), testTimeout)
	require.NoError(t, err)
	return conn, session
}

func TestConn_NewSessionReturnsModesAndModels(t *testing.T) {
	agent := acptest.New()
	conn, session := startSession(t, agent)

	assert.Equal(t, "sess-1", session.ID)
	require.NotNil(t, session.Modes)
	assert.Equal(t, "kiro_default", session.Modes.CurrentModeID)
	assert.Len(t, session.Modes.AvailableModes, 2)
	require.NotNil(t, session.Models)
	assert.Equal(t, "claude-sonnet-4", session.Models.AvailableModels[1].ID)

	ev := nextEvent(t, conn)
	assert.Equal(t, acp.EventCommandsAvailable, ev.Kind)
	require.Len(t, ev.Commands, 1)
	assert.Equal(t, "/context", ev.Commands[0].Name)
}

func TestConn_PromptStreamsEventsInOrder(t *testing.T) {
	agent := acptest.New()
	agent.OnPrompt = func(turn *acptest.Turn) string {
		turn.Say("one ")
		turn.ToolCall("tc-1", "Reading main.go", "read")
		turn.ToolCallDone("tc-1")
		turn.Say("two")
		return acp.StopReasonEndTurn
	}
	conn, session := startSession(t, agent)
	nextEventOfKind(t, conn, acp.EventCommandsAvailable)

	id, err := conn.Prompt(session.ID, "hello")
	require.NoError(t, err)

	ev := nextEvent(t, conn)
	assert.Equal(t, acp.EventTextChunk, ev.Kind)
	assert.Equal(t, "one ", ev.Text)

	ev = nextEvent(t, conn)
	require.Equal(t, acp.EventToolCall, ev.Kind)
	assert.Equal(t, "Reading main.go", ev.ToolCall.Title)
	assert.Equal(t, "read", ev.ToolCall.Kind)
	assert.Equal(t, "pending", ev.ToolCall.Status)

	ev = nextEvent(t, conn)
	require.Equal(t, acp.EventToolCallUpdate, ev.Kind)
	assert.Equal(t, "tc-1", ev.ToolCall.ID)
	assert.Equal(t, "completed", ev.ToolCall.Status)

	ev = nextEvent(t, conn)
	assert.Equal(t, "two", ev.Text)

	ev = nextEvent(t, conn)
	assert.Equal(t, acp.EventTurnComplete, ev.Kind)
	assert.Equal(t, id, ev.RequestID)
	assert.Equal(t, acp.StopReasonEndTurn, ev.StopReason)
	assert.Equal(t, []string{"hello"}, agent.Prompts())
}

func TestConn_PermissionRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		outcome  acp.PermissionOutcome
		expected string
	}{
		{name: "allow once", outcome: acp.OutcomeAllowOnce, expected: "allow_once"},
		{name: "allow always", outcome: acp.OutcomeAllowAlways, expected: "allow_always"},
		{name: "reject", outcome: acp.OutcomeReject, expected: "reject_once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := acptest.New()
			agent.OnPrompt = func(turn *acptest.Turn) string {
				turn.Say("answer=" + turn.RequestPermission("tc-9", "Run ls", "execute"))
				return acp.StopReasonEndTurn
			}
			conn, session := startSession(t, agent)

			_, err := conn.Prompt(session.ID, "list files")
			require.NoError(t, err)

			ev := nextEventOfKind(t, conn, acp.EventPermissionRequest)
			require.NotNil(t, ev.Permission)
			assert.Equal(t, "Run ls", ev.Permission.Title)
			assert.Equal(t, "execute", ev.Permission.Kind)
			assert.Equal(t, "tc-9", ev.Permission.ToolCallID)
			require.Len(t, ev.Permission.Options, 3)

			require.NoError(t, conn.ReplyPermission(ev.Permission, tt.outcome))

			ev = nextEventOfKind(t, conn, acp.EventTextChunk)
			assert.Equal(t, "answer="+tt.expected, ev.Text)
			nextEventOfKind(t, conn, acp.EventTurnComplete)
		})
	}
}

func TestConn_SetModeAndModel(t *testing.T) {
	agent := acptest.New()
	conn, session := startSession(t, agent)

	require.NoError(t, conn.SetMode(t.Context(), session.ID, "reviewer", testTimeout))
	require.NoError(t, conn.SetModel(t.Context(), session.ID, "claude-sonnet-4", testTimeout))

	assert.Equal(t, "reviewer", agent.CurrentMode())
	assert.Equal(t, "claude-sonnet-4", agent.CurrentModel())
}

func TestConn_AgentErrorIsReturned(t *testing.T) {
	agent := acptest.New()
	agent.FailMethods = map[string]bool{acp.MethodSessionSetMode: true}
	conn, session := startSession(t, agent)

	err := conn.SetMode(t.Context(), session.ID, "reviewer", testTimeout)
	require.Error(t, err)

	var rpcErr *acp.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, acp.CodeInternalError, rpcErr.Code)
}

func TestConn_CancelEndsTurnAsCancelled(t *testing.T) {
	agent := acptest.New()
	agent.OnPrompt = acptest.WaitForCancel
	conn, session := startSession(t, agent)

	_, err := conn.Prompt(session.ID, "long job")
	require.NoError(t, err)
	nextEventOfKind(t, conn, acp.EventTextChunk)

	require.NoError(t, conn.Cancel(session.ID))

	ev := nextEventOfKind(t, conn, acp.EventTurnComplete)
	assert.True(t, acp.Cancelled(ev.StopReason))
}

func TestConn_PromptSendsImageBlocks(t *testing.T) {
	agent := acptest.New()
	conn, session := startSession(t, agent)
	nextEventOfKind(t, conn, acp.EventCommandsAvailable)

	png := []byte{0x89, 'P', 'N', 'G'}
	_, err := conn.Prompt(session.ID, "", acp.Image{MimeType: "image/png", Data: png})
	require.NoError(t, err)
	nextEventOfKind(t, conn, acp.EventTurnComplete)

	assert.Equal(t, []string{"?"}, agent.Prompts(), "image-only prompts carry placeholder text")
	require.Len(t, agent.Images(), 1)
	assert.Equal(t, "image/png", agent.Images()[0].MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), agent.Images()[0].Data)

	_, err = conn.Prompt(session.ID, "what is this", acp.Image{MimeType: "image/jpeg", Data: []byte{0xff, 0xd8}})
	require.NoError(t, err)
	nextEventOfKind(t, conn, acp.EventTurnComplete)
	assert.Equal(t, "what is this", agent.Prompts()[1])
}

func TestConn_LoadSessionMarksReplayedHistory(t *testing.T) {
	agent := acptest.New()
	agent.LoadSession = true
	conn, session := startSession(t, agent)
	nextEventOfKind(t, conn, acp.EventCommandsAvailable)

	_, err := conn.Prompt(session.ID, "hello")
	require.NoError(t, err)
	nextEventOfKind(t, conn, acp.EventTurnComplete)

	loaded, err := conn.LoadSession(t.Context(), session.ID, t.TempDir(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, session.ID, loaded.ID)
	require.NotNil(t, loaded.Modes)
	assert.Equal(t, "kiro_default", loaded.Modes.CurrentModeID)
	assert.Equal(t, []string{session.ID}, agent.Loaded())

	replay := nextEvent(t, conn)
	assert.Equal(t, acp.EventTextChunk, replay.Kind)
	assert.Equal(t, "history: hello", replay.Text)
	assert.LessOrEqual(t, replay.Seq, loaded.ReplayedThrough)

	_, err = conn.Prompt(session.ID, "again")
	require.NoError(t, err)
	fresh := nextEventOfKind(t, conn, acp.EventTextChunk)
	assert.Equal(t, "echo: again", fresh.Text)
	assert.Greater(t, fresh.Seq, loaded.ReplayedThrough)
}

func TestConn_LoadSessionUnknownID(t *testing.T) {
	agent := acptest.New()
	agent.LoadSession = true
	conn, _ := startSession(t, agent)

	_, err := conn.LoadSession(t.Context(), "sess-404", t.TempDir(), testTimeout)
	var rpcErr *acp.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, acptest.CodeSessionNotFound, rpcErr.Code)
	assert.Empty(t, agent.Loaded())
}

// rawAgent drives the agent side of a connection by hand.
type rawAgent struct {
	r    *bufio.Reader
	w    io.WriteCloser
	conn *acp.Conn
}

func newRawAgent(t *testing.T, maxFrame int) *rawAgent {
	t.Helper()
	clientR, agentW := io.Pipe()
	agentR, clientW := io.Pipe()

	conn := acp.NewConn(clientR, clientW, acp.ConnOptions{Logger: zerolog.Nop(), MaxFrameBytes: maxFrame})
	t.Cleanup(func() { _ = conn.Stop(time.Second) })

	return &rawAgent{r: bufio.NewReader(agentR), w: agentW, conn: conn}
}

func (a *rawAgent) read(t *testing.T) map[string]any {
	t.Helper()
	line, err := a.r.ReadBytes('\n')
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(line, &msg))
	return msg
}

func (a *rawAgent) write(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(a.w, line+"\n")
	require.NoError(t, err)
}

func TestConn_TimeoutDiscardsLateResponse(t *testing.T) {
	agent := newRawAgent(t, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := agent.conn.SendRequest(t.Context(), "slow/method", nil, 50*time.Millisecond)
		errCh <- err
	}()

	req := agent.read(t)
	assert.Equal(t, "slow/method", req["method"])

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, acp.ErrTimeout)
	case <-time.After(testTimeout):
		t.Fatal("request did not time out")
	}

	agent.write(t, `{"jsonrpc":"2.0","id":1,"result":{"late":true}}`)

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		result, err := agent.conn.SendRequest(t.Context(), "fast/method", nil, testTimeout)
		assert.NoError(t, err)
		resultCh <- result
	}()

	req = agent.read(t)
	assert.EqualValues(t, 2, req["id"])
	agent.write(t, `{"jsonrpc":"2.0","id":2,"result":{"late":false}}`)

	select {
	case result := <-resultCh:
		assert.JSONEq(t, `{"late":false}`, string(result))
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for response")
	}
}

func TestConn_AbandonedPromptsDoNotAccumulate(t *testing.T) {
	agent := newRawAgent(t, 0)

	complete := func(json.RawMessage, error) acp.Event {
		return acp.Event{Kind: acp.EventTurnComplete}
	}

	var last int64
	for i := 0; i < 200; i++ {
		idCh := make(chan int64, 1)
		go func() {
			id, err := agent.conn.SendAsync(acp.MethodSessionPrompt, nil, complete)
			assert.NoError(t, err)
			idCh <- id
		}()
		agent.read(t)
		last = <-idCh
		agent.conn.Abandon(last)
	}
	assert.Zero(t, agent.conn.Outstanding())

	// A late answer to an abandoned prompt is dropped without an event.
	agent.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"stopReason":"end_turn"}}`, last))

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		result, err := agent.conn.SendRequest(t.Context(), "fast/method", nil, testTimeout)
		assert.NoError(t, err)
		resultCh <- result
	}()
	req := agent.read(t)
	agent.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"ok":true}}`, req["id"]))

	select {
	case result := <-resultCh:
		assert.JSONEq(t, `{"ok":true}`, string(result))
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for response")
	}

	select {
	case ev := <-agent.conn.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
	assert.Zero(t, agent.conn.Outstanding())
}

func TestConn_MalformedFrameIsSkipped(t *testing.T) {
	agent := newRawAgent(t, 0)

	agent.write(t, `this is not json`)
	agent.write(t, `{"jsonrpc":"2.0"}`)
	agent.write(t, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"still alive"}}}}`)

	ev := nextEvent(t, agent.conn)
	assert.Equal(t, acp.EventTextChunk, ev.Kind)
	assert.Equal(t, "still alive", ev.Text)
	assert.NoError(t, agent.conn.Err())
}

func TestConn_OversizedFrameTearsDown(t *testing.T) {
	agent := newRawAgent(t, 64)

	go func() {
		_, _ = io.WriteString(agent.w, strings.Repeat("x", 256*1024))
	}()

	ev := nextEvent(t, agent.conn)
	assert.Equal(t, acp.EventConnectionLost, ev.Kind)
	require.ErrorIs(t, ev.Err, acp.ErrConnectionLost)

	_, err := agent.conn.SendRequest(t.Context(), "anything", nil, testTimeout)
	require.ErrorIs(t, err, acp.ErrConnectionClosed)
}

func TestConn_ConnectionLostFailsWaiters(t *testing.T) {
	agent := newRawAgent(t, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := agent.conn.SendRequest(t.Context(), "session/new", nil, 0)
		errCh <- err
	}()
	agent.read(t)

	require.NoError(t, agent.w.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, acp.ErrConnectionLost)
	case <-time.After(testTimeout):
		t.Fatal("waiter was not released")
	}

	ev := nextEvent(t, agent.conn)
	assert.Equal(t, acp.EventConnectionLost, ev.Kind)

	_, ok := <-agent.conn.Events()
	assert.False(t, ok, "stream must end after connection lost")

	require.ErrorIs(t, agent.conn.SendNotification(acp.MethodSessionCancel, nil), acp.ErrConnectionClosed)
}

func TestConn_UnsupportedAgentRequestIsRejected(t *testing.T) {
	agent := newRawAgent(t, 0)

	agent.write(t, `{"jsonrpc":"2.0","id":"fs-1","method":"fs/read_text_file","params":{"path":"/etc/hosts"}}`)

	reply := agent.read(t)
	assert.Equal(t, "fs-1", reply["id"])
	errObj, ok := reply["error"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, acp.CodeMethodNotFound, errObj["code"])
}

func TestConn_StopIsIdempotent(t *testing.T) {
	agent := newRawAgent(t, 0)

	require.NoError(t, agent.conn.Stop(time.Second))
	require.NoError(t, agent.conn.Stop(time.Second))

	select {
	case <-agent.conn.Done():
	default:
		t.Fatal("done channel not closed")
	}

	_, ok := <-agent.conn.Events()
	assert.False(t, ok)
	require.ErrorIs(t, agent.conn.SendNotification("x", nil), acp.ErrConnectionClosed)
}
