package job

import (
	"context"
	"time"
)

// ListOpts controls filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int

	// DueBefore, when non-zero, restricts the listing to jobs whose
	// retention deadline for the listed state (archive_time for
	// COMPLETED, expire_time for ARCHIVED) is set and earlier than this
	// instant. Used by the retention sweep.
	DueBefore time.Time
}

// Update carries the field writes that commit atomically with a state
// transition. Only non-zero fields are applied. All job mutation flows
// through AdvanceState; there are no direct field writes.
type Update struct {
	// RunTime is stamped on INCOMING→RUNNING.
	RunTime *time.Time

	// RunnerID records the compute runner handle on INCOMING→RUNNING.
	RunnerID string

	// EndTime is stamped on RUNNING→COMPLETED and on failure.
	EndTime *time.Time

	// ArchiveTime and ExpireTime are the retention deadlines stamped on
	// RUNNING→COMPLETED.
	ArchiveTime *time.Time
	ExpireTime  *time.Time

	// Results is attached on RUNNING→COMPLETED.
	Results *Results

	// Failure is the reason recorded on a transition to FAILED.
	Failure string
}

// Store defines the persistence contract for jobs. The store is the
// single source of truth shared by the web tier and the backend
// executor; implementations must make writes to a single job serialize
// while writes to different jobs proceed independently.
//
// Read failures are surfaced as conveyor.ErrStoreUnavailable and are
// always safe to retry. AdvanceState is safe to retry only with the
// same from/to pair: a retry after a timed-out attempt that actually
// committed observes conveyor.ErrStateConflict, which callers of a
// retried CAS treat as already-applied.
type Store interface {
	// EnqueueJob persists a new job in INCOMING state with its submit
	// time. Returns conveyor.ErrDuplicateJob if the name is taken.
	EnqueueJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by name, with no access check. Callers
	// outside the backend go through FetchBySecret instead.
	GetJob(ctx context.Context, name string) (*Job, error)

	// ListJobsByState returns jobs in the given state in submission
	// order. Jobs whose directory no longer exists are included; the
	// caller flags them.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// AdvanceState is a compare-and-set: it moves the named job from
	// one state to another, applying set in the same atomic write.
	// Returns conveyor.ErrStateConflict if the job is no longer in the
	// from state, meaning another actor already transitioned it and its
	// write is never silently overwritten, or conveyor.ErrJobNotFound
	// if no such job exists.
	AdvanceState(ctx context.Context, name string, from, to State, set Update) error

	// FetchBySecret retrieves a job by name and secret for anonymous
	// results access. It returns conveyor.ErrJobNotFound both when no
	// such job exists and when the secret is wrong, so callers cannot
	// probe for job existence. Secret comparison is constant-time.
	FetchBySecret(ctx context.Context, name, passwd string) (*Job, error)

	// ListJobsForUser returns all jobs owned by user in submission
	// order.
	ListJobsForUser(ctx context.Context, user string) ([]*Job, error)
}

// User is an authentication identity with a stored credential hash.
// Users are looked up by name and never created or mutated by this
// engine; provisioning is external.
type User struct {
	Name string

	// CredentialHash is the bcrypt hash of the user's password.
	CredentialHash string
}

// UserStore defines the read-only persistence contract for users.
type UserStore interface {
	// GetUser looks up a user by name. Returns
	// conveyor.ErrAccessDenied for an unknown name so that "no such
	// user" and "wrong password" are indistinguishable to callers.
	GetUser(ctx context.Context, name string) (*User, error)
}
