package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/harun/kirogate/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxFrameBytes bounds a single unterminated line read from the agent.
	DefaultMaxFrameBytes = 4 * 1024 * 1024

	defaultEventBuffer = 256
	readBufferSize     = 64 * 1024

	// maxAbandoned bounds how many given-up request ids are remembered so their
	// late responses can be told apart from unknown ones.
	maxAbandoned = 64
)

var errFrameTooLarge = errors.New("frame exceeds size limit")

// ConnOptions configures a Conn.
type ConnOptions struct {
	Logger        zerolog.Logger
	MaxFrameBytes int
	EventBuffer   int
}

// Conn is one JSON-RPC connection to one agent process incarnation.
//
// Responses to SendRequest are delivered to the waiting caller. Everything else
// the agent sends, plus the completion of requests started with SendAsync, is
// delivered in wire order on Events. Events must be drained by exactly one reader.
type Conn struct {
	logger   zerolog.Logger
	r        io.ReadCloser
	w        io.WriteCloser
	proc     *process
	maxFrame int

	writeMu sync.Mutex
	nextID  atomic.Int64
	// emitted is the Seq of the last event put on the stream.
	emitted atomic.Int64

	mu             sync.Mutex
	pending        map[int64]*call
	abandoned      map[int64]string
	abandonedOrder []int64
	closed         bool
	closeErr       error

	events     chan Event
	quit       chan struct{}
	done       chan struct{}
	readerDone chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

type call struct {
	method   string
	started  time.Time
	ch       chan callResult
	complete func(json.RawMessage, error) Event
}

type callResult struct {
	result json.RawMessage
	err    error
	// seq is the last event Seq emitted before the response arrived.
	seq int64
}

// NewConn starts a connection over an existing byte stream. The connection owns
// both ends and closes them when it shuts down.
func NewConn(r io.ReadCloser, w io.WriteCloser, opts ConnOptions) *Conn {
	return newConn(r, w, nil, opts)
}

func newConn(r io.ReadCloser, w io.WriteCloser, proc *process, opts ConnOptions) *Conn {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	c := &Conn{
		logger:     opts.Logger.With().Str("component", "acp").Logger(),
		r:          r,
		w:          w,
		proc:       proc,
		maxFrame:   opts.MaxFrameBytes,
		pending:    make(map[int64]*call),
		abandoned:  make(map[int64]string),
		events:     make(chan Event, opts.EventBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if proc != nil {
		c.logger = c.logger.With().Int("pid", proc.pid).Logger()
	}

	go c.readLoop()
	return c
}

// Events returns the connection's ordered event stream. The channel is closed
// after the connection shuts down; an unexpected shutdown is announced by a
// final EventConnectionLost.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pid returns the agent process id, or 0 for connections without a process.
func (c *Conn) Pid() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.pid
}

// SendRequest sends a request and waits for its response. When timeout elapses
// first the request id stays reserved, so a late response is dropped rather than
// mistaken for a newer request's answer.
func (c *Conn) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	res, err := c.call(ctx, method, params, timeout)
	return res.result, err
}

func (c *Conn) call(ctx context.Context, method string, params any, timeout time.Duration) (callResult, error) {
	id, cl, err := c.register(method, nil)
	if err != nil {
		return callResult{}, err
	}

	if err := c.write(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return callResult{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-cl.ch:
		observability.RecordAgentRequest(method, time.Since(cl.started), requestStatus(res.err))
		return res, res.err
	case <-timer:
		c.Abandon(id)
		observability.RecordAgentRequest(method, time.Since(cl.started), "timeout")
		return callResult{}, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		c.Abandon(id)
		return callResult{}, ctx.Err()
	}
}

// SendAsync sends a request whose outcome is delivered on the event stream, in
// order with the notifications that preceded it. complete converts the response
// into that event.
func (c *Conn) SendAsync(method string, params any, complete func(json.RawMessage, error) Event) (int64, error) {
	id, _, err := c.register(method, complete)
	if err != nil {
		return 0, err
	}

	if err := c.write(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return 0, err
	}
	return id, nil
}

// SendNotification writes a notification without waiting for anything.
func (c *Conn) SendNotification(method string, params any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	return c.write(notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// Respond answers a request the agent sent to the client.
func (c *Conn) Respond(id json.RawMessage, result any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	return c.write(response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

// RespondError answers an agent request with a JSON-RPC error.
func (c *Conn) RespondError(id json.RawMessage, code int, msg string) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	return c.write(response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}})
}

// Abandon gives up on an outstanding request. The most recent abandoned ids are
// remembered so that a late response is recognised and discarded; older ones
// are forgotten so an agent that never answers cannot grow the table.
func (c *Conn) Abandon(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)

	c.abandoned[id] = cl.method
	c.abandonedOrder = append(c.abandonedOrder, id)
	for len(c.abandonedOrder) > maxAbandoned {
		delete(c.abandoned, c.abandonedOrder[0])
		c.abandonedOrder = c.abandonedOrder[1:]
	}
}

// Outstanding returns the number of requests still waiting for a response.
func (c *Conn) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop shuts the connection down. Closing stdin asks the agent to exit; if it is
// still running after grace, its process tree is killed. Safe to call repeatedly.
func (c *Conn) Stop(grace time.Duration) error {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.teardown(ErrConnectionClosed)
		if c.proc != nil {
			c.stopErr = c.proc.stop(grace)
		}
		<-c.readerDone
	})
	return c.stopErr
}

func (c *Conn) register(method string, complete func(json.RawMessage, error) Event) (int64, *call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, nil, ErrConnectionClosed
	}

	id := c.nextID.Add(1)
	cl := &call{method: method, started: time.Now(), complete: complete}
	if complete == nil {
		cl.ch = make(chan callResult, 1)
	}
	c.pending[id] = cl
	return id, cl, nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		if c.isClosed() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("%w: failed to write message: %v", ErrConnectionLost, err)
	}

	c.logger.Trace().RawJSON("frame", bytes.TrimSpace(data)).Msg("Sent frame")
	return nil
}

// teardown retires the connection. Waiters are failed with cause; the reader
// emits the terminal event and closes the stream.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		pending := c.pending
		c.pending = make(map[int64]*call)
		c.mu.Unlock()

		for _, cl := range pending {
			if cl.ch != nil {
				cl.ch <- callResult{err: cause}
			}
		}

		close(c.done)
		_ = c.w.Close()
		_ = c.r.Close()

		if errors.Is(cause, ErrConnectionLost) {
			c.logger.Warn().Err(cause).Msg("Agent connection lost")
			observability.RecordAgentExit("lost")
		} else {
			c.logger.Debug().Msg("Agent connection closed")
			observability.RecordAgentExit("stopped")
		}
	})
}

func (c *Conn) emit(ev Event) {
	ev.Seq = c.emitted.Add(1)
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)

	reader := bufio.NewReaderSize(c.r, readBufferSize)
	for {
		frame, err := readFrame(reader, c.maxFrame)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				c.logger.Error().Int("limit", c.maxFrame).Msg("Agent frame too large, dropping connection")
				c.teardown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			} else {
				c.teardown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			break
		}

		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		c.handleFrame(frame)
	}

	if cause := c.Err(); errors.Is(cause, ErrConnectionLost) {
		c.emit(Event{Kind: EventConnectionLost, Err: cause})
	}
}

// readFrame reads one newline-terminated frame, refusing to buffer more than max
// bytes of a single unterminated line.
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(frame)+len(chunk) > max {
			return nil, errFrameTooLarge
		}
		frame = append(frame, chunk...)

		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return frame, nil
		default:
			return nil, err
		}
	}
}

func (c *Conn) handleFrame(frame []byte) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn().Err(err).Str("frame", truncate(frame, 200)).Msg("Skipping malformed frame")
		observability.RecordMalformedFrame()
		return
	}

	c.logger.Trace().RawJSON("frame", frame).Msg("Received frame")

	switch {
	case msg.Method != "" && msg.hasID():
		c.handleAgentRequest(&msg)
	case msg.Method != "":
		c.handleNotification(&msg)
	case msg.hasID():
		c.handleResponse(&msg)
	default:
		c.logger.Warn().Str("frame", truncate(frame, 200)).Msg("Skipping frame with neither id nor method")
		observability.RecordMalformedFrame()
	}
}

func (c *Conn) handleResponse(msg *message) {
	id, ok := parseID(msg.ID)
	if !ok {
		c.logger.Warn().RawJSON("id", msg.ID).Msg("Skipping response with unexpected id")
		return
	}

	c.mu.Lock()
	cl, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	method, late := c.abandoned[id]
	if late {
		delete(c.abandoned, id)
	}
	c.mu.Unlock()

	if !exists {
		if late {
			c.logger.Debug().Int64("request_id", id).Str("method", method).Msg("Discarding late response")
			return
		}
		c.logger.Warn().Int64("request_id", id).Msg("Discarding response for unknown request")
		return
	}

	var err error
	if msg.Error != nil {
		err = msg.Error
	}

	if cl.complete != nil {
		observability.RecordAgentRequest(cl.method, time.Since(cl.started), requestStatus(err))
		ev := cl.complete(msg.Result, err)
		ev.RequestID = id
		c.emit(ev)
		return
	}
	cl.ch <- callResult{result: msg.Result, err: err, seq: c.emitted.Load()}
}

func (c *Conn) handleNotification(msg *message) {
	switch msg.Method {
	case MethodSessionUpdate:
		var n acpsdk.SessionNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping undecodable session update")
			observability.RecordMalformedFrame()
			return
		}
		if ev, ok := convertUpdate(n); ok {
			c.emit(ev)
		}

	case MethodCommandsAvailable:
		var p commandsParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping undecodable command list")
			return
		}
		c.emit(Event{Kind: EventCommandsAvailable, SessionID: p.SessionID, Commands: p.Commands})

	default:
		c.logger.Debug().Str("method", msg.Method).Msg("Ignoring notification")
	}
}

func (c *Conn) handleAgentRequest(msg *message) {
	if msg.Method != MethodRequestPermission {
		c.logger.Debug().Str("method", msg.Method).Msg("Rejecting unsupported agent request")
		if err := c.RespondError(msg.ID, CodeMethodNotFound, "method not supported by client: "+msg.Method); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to reject agent request")
		}
		return
	}

	var p acpsdk.RequestPermissionRequest
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		c.logger.Warn().Err(err).Msg("Rejecting undecodable permission request")
		_ = c.RespondError(msg.ID, CodeInvalidParams, "invalid permission request")
		return
	}

	req := convertPermissionRequest(msg.ID, p)
	c.emit(Event{Kind: EventPermissionRequest, SessionID: req.SessionID, Permission: req})
}

func requestStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
