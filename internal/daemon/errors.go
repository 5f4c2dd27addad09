package daemon

import "errors"

var (
	// ErrAlreadyRunning is returned when a live process owns the PID file.
	ErrAlreadyRunning = errors.New("daemon is already running")
	// ErrNotRunning is returned when no live daemon owns the PID file.
	ErrNotRunning = errors.New("daemon is not running")
)
