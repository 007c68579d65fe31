package tracker

import "errors"

// Invariant violations are caller errors: they are rejected up front
// and mutate nothing.
var (
	// ErrAlreadyTracking means Start was called while an event is
	// already active for this user.
	ErrAlreadyTracking = errors.New("an active detention event already exists")

	// ErrNotTracking means Stop (or a tracking-only operation) was
	// called while idle.
	ErrNotTracking = errors.New("no active detention event")

	// ErrInvalidRequest wraps start parameter validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrFinalizationRejected means the remote store permanently
	// refused a completion patch. Retrying stops; the computed result
	// stays available through LastResult.
	ErrFinalizationRejected = errors.New("finalization rejected by remote store")
)
