package core

import "errors"

// Boundary error taxonomy. Callers classify failures with errors.Is rather
// than by inspecting message text.
var (
	// ErrNotFound indicates an unknown job id was queried or cancelled.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition indicates a requested status change is not a
	// legal edge of the job state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrQueueFull indicates the task queue is at capacity; the submission
	// was rejected and no job record was kept.
	ErrQueueFull = errors.New("task queue is full")
	// ErrRateLimited indicates the caller was denied admission by the
	// per-client token bucket.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNotReady indicates a result was requested for a job that has not
	// completed.
	ErrNotReady = errors.New("job result not ready")
	// ErrValidation indicates a bad submission payload, rejected before a
	// job record was created.
	ErrValidation = errors.New("invalid submission")
	// ErrStoreUnavailable indicates the backing storage could not be
	// reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
