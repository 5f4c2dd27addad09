package workspace

import "errors"

var (
	// ErrInvalidIdentifier is returned when a platform or conversation id cannot be
	// turned into a safe directory name
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrWorkspaceNotFound is returned when a fixed workspace directory does not exist
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrInvalidMode is returned for an unknown workspace mode
	ErrInvalidMode = errors.New("invalid workspace mode")
)
