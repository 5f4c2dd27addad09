package acp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/pkg/workspace"
	"github.com/rs/zerolog"
	psprocess "github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultStopGrace is how long Stop waits for the agent to exit on its own.
	DefaultStopGrace = 5 * time.Second

	// exitDrainDelay lets the reader consume output written just before exit.
	exitDrainDelay = 500 * time.Millisecond

	maxStderrLine = 64 * 1024
)

// Environment variables exported to every agent process.
const (
	EnvWorkspace   = "KIROGATE_WORKSPACE"
	EnvConfigScope = "KIROGATE_CONFIG_SCOPE"
)

// LaunchOptions describes how to start an agent subprocess.
type LaunchOptions struct {
	Path string
	Args []string
	// Env is added to the gateway's own environment for every launch.
	Env map[string]string
	// ProjectEnv is added on top of Env for fixed (project-scoped) workspaces.
	ProjectEnv    map[string]string
	MaxFrameBytes int
	StopGrace     time.Duration
	Logger        zerolog.Logger
}

// Start spawns the agent in the workspace directory and returns its connection.
// ctx only gates the spawn: the process outlives it and is ended by Conn.Stop.
func Start(ctx context.Context, ws workspace.Workspace, opts LaunchOptions) (*Conn, error) {
	if opts.Path == "" {
		return nil, &SpawnError{Path: opts.Path, Err: errors.New("agent path is empty")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: opts.Path, Err: err}
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}

	started := time.Now()
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = ws.Dir
	cmd.Env = buildEnv(os.Environ(), ws, opts)
	cmd.WaitDelay = opts.StopGrace
	setProcGroup(cmd)

	logger := opts.Logger.With().Str("component", "acp").Str("workspace", ws.Dir).Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: opts.Path, Err: err}
	}

	// stdout is a plain os.Pipe so that Wait does not close our read end while
	// the reader is still draining it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &SpawnError{Path: opts.Path, Err: err}
	}
	cmd.Stdout = stdoutW

	stderr := &lineLogger{logger: logger}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		observability.RecordAgentSpawn(time.Since(started), false)
		return nil, &SpawnError{Path: opts.Path, Err: err}
	}
	_ = stdoutW.Close()

	proc := &process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
		logger: logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	stderr.setPid(proc.pid)

	conn := newConn(stdoutR, stdin, proc, ConnOptions{
		Logger:        opts.Logger,
		MaxFrameBytes: opts.MaxFrameBytes,
	})
	go proc.wait(conn)

	observability.RecordAgentSpawn(time.Since(started), true)
	proc.logger.Info().Str("path", opts.Path).Msg("Agent process started")

	return conn, nil
}

func buildEnv(base []string, ws workspace.Workspace, opts LaunchOptions) []string {
	extra := make(map[string]string, len(opts.Env)+len(opts.ProjectEnv)+2)
	for k, v := range opts.Env {
		extra[k] = v
	}
	if ws.Scope() == workspace.ScopeProject {
		for k, v := range opts.ProjectEnv {
			extra[k] = v
		}
	}
	extra[EnvWorkspace] = ws.Dir
	extra[EnvConfigScope] = string(ws.Scope())

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			if _, overridden := extra[kv[:i]]; overridden {
				continue
			}
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// process is the OS side of a connection.
type process struct {
	cmd     *exec.Cmd
	pid     int
	exited  chan struct{}
	waitErr error
	logger  zerolog.Logger
}

func (p *process) wait(conn *Conn) {
	p.waitErr = p.cmd.Wait()
	close(p.exited)

	if p.waitErr != nil {
		p.logger.Info().Err(p.waitErr).Msg("Agent process exited")
	} else {
		p.logger.Info().Msg("Agent process exited")
	}

	select {
	case <-conn.readerDone:
	case <-time.After(exitDrainDelay):
	}
	conn.teardown(fmt.Errorf("%w: agent process exited: %v", ErrConnectionLost, exitDescription(p.waitErr)))
}

// stop waits up to grace for the process to exit after stdin was closed, then
// kills the whole tree. Descendants are snapshotted first because they are
// reparented and become unreachable once the agent exits.
func (p *process) stop(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
	defer cancel()

	descendants := descendantsOf(ctx, int32(p.pid))

	select {
	case <-p.exited:
	case <-time.After(grace):
		p.logger.Warn().Dur("grace", grace).Msg("Agent did not exit in time, killing process tree")
		if err := killProcessGroup(p.pid); err != nil {
			p.logger.Debug().Err(err).Msg("Failed to kill process group")
			_ = p.cmd.Process.Kill()
		}
	}

	for _, d := range descendants {
		if running, err := d.IsRunningWithContext(ctx); err == nil && running {
			if err := d.KillWithContext(ctx); err != nil {
				p.logger.Debug().Err(err).Int32("child_pid", d.Pid).Msg("Failed to kill agent child")
			}
		}
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("agent process %d did not exit after kill", p.pid)
	}
}

func descendantsOf(ctx context.Context, pid int32) []*psprocess.Process {
	proc, err := psprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}

	all := append([]*psprocess.Process(nil), children...)
	for _, child := range children {
		all = append(all, descendantsOf(ctx, child.Pid)...)
	}
	return all
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// lineLogger forwards agent stderr to the log, one entry per line.
type lineLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	buf    bytes.Buffer
}

func (l *lineLogger) setPid(pid int) {
	l.mu.Lock()
	l.logger = l.logger.With().Int("pid", pid).Logger()
	l.mu.Unlock()
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf.Next(i + 1)); len(line) > 0 {
			l.logger.Debug().Str("stderr", string(line)).Msg("Agent stderr")
		}
	}
	if l.buf.Len() > maxStderrLine {
		l.logger.Debug().Str("stderr", l.buf.String()).Msg("Agent stderr")
		l.buf.Reset()
	}
	return len(p), nil
}
