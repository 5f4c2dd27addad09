package acp

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn is returned when the agent subprocess cannot be started
	ErrSpawn = errors.New("failed to spawn agent")

	// ErrConnectionLost is returned when the agent exits or the stream desynchronizes
	ErrConnectionLost = errors.New("agent connection lost")

	// ErrConnectionClosed is returned for calls on a connection that is already closed
	ErrConnectionClosed = errors.New("agent connection closed")

	// ErrTimeout is returned when a request receives no response in time
	ErrTimeout = errors.New("agent request timed out")
)

// SpawnError describes a failed subprocess start.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn agent %q: %v", e.Path, e.Err)
}

// Unwrap exposes both ErrSpawn and the underlying exec error.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}
