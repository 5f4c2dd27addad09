package permission

import "errors"

var (
	// ErrAlreadyResolved is returned for a decision on a request that has expired
	// or was already answered.
	ErrAlreadyResolved = errors.New("permission request already resolved")
	// ErrNoPending is returned for a decision when nothing awaits one.
	ErrNoPending = errors.New("no pending permission request")
)
