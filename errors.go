package conveyor

import "errors"

var (
	// Store errors.
	ErrStoreUnavailable = errors.New("conveyor: store unavailable")
	ErrStoreClosed      = errors.New("conveyor: store closed")

	// Not found errors. ErrJobNotFound is deliberately returned both for
	// an unknown job name and for a known name with the wrong secret, so
	// callers cannot probe for job existence.
	ErrJobNotFound = errors.New("conveyor: job not found")

	// Conflict errors.
	ErrDuplicateJob  = errors.New("conveyor: job name already exists")
	ErrStateConflict = errors.New("conveyor: job state changed by another actor")

	// Access errors. ErrAccessDenied covers wrong job secrets, wrong user
	// credentials, and unknown users alike.
	ErrAccessDenied = errors.New("conveyor: access denied")
	ErrRateLimited  = errors.New("conveyor: rate limit exceeded")

	// ErrInternal is the generic outcome returned to callers when an
	// unexpected fault occurs. The underlying cause is logged and
	// alerted, never surfaced.
	ErrInternal = errors.New("conveyor: internal error")

	// Lifecycle errors.
	ErrNotReady        = errors.New("conveyor: job results not ready")
	ErrExpired         = errors.New("conveyor: job results expired")
	ErrAlreadyTerminal = errors.New("conveyor: job already in a terminal state")
)
