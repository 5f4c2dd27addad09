package session

import "errors"

var (
	// ErrSessionBusy is returned for ordinary input while a turn is in flight.
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionClosed is returned by a session that was shut down or swept.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNothingToCancel is returned by Cancel when no turn is in flight.
	ErrNothingToCancel = errors.New("nothing to cancel")
	// ErrUnknownCommand is returned for a slash command nobody handles.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrManagerStopped is returned by Route after Stop.
	ErrManagerStopped = errors.New("session manager is stopped")
)
