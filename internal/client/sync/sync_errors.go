package sync

import "errors"

var (
	// ErrSyncCanceled is returned when the user cancels at the conflict prompt.
	ErrSyncCanceled = errors.New("sync: canceled by user")

	// ErrTooManyFiles aborts startup when the tree is larger than the scan ceiling.
	ErrTooManyFiles = errors.New("sync: too many files")

	// ErrStreamCompleted means the server closed the subscription without an error.
	ErrStreamCompleted = errors.New("sync: remote stream completed unexpectedly")

	ErrNoPrompter        = errors.New("sync: local changes need a decision but no prompter is configured")
	ErrSessionStarted    = errors.New("sync: session already started")
	ErrInvalidDecision   = errors.New("sync: invalid conflict decision")
	ErrIllegalTransition = errors.New("sync: illegal phase transition")
)
