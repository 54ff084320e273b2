package job

import "time"

// State represents the lifecycle state of a job.
type State string

const (
	// StateIncoming means the job has been submitted and is waiting for
	// the backend executor to pick it up.
	StateIncoming State = "INCOMING"
	// StateRunning means the executor has handed the job to the compute
	// runner and it has not finished yet.
	StateRunning State = "RUNNING"
	// StateCompleted means the job finished successfully and its results
	// are retrievable.
	StateCompleted State = "COMPLETED"
	// StateArchived means the archive retention window elapsed. Results
	// remain readable but may live in colder storage.
	StateArchived State = "ARCHIVED"
	// StateExpired means the expire retention window elapsed. Results
	// are permanently unavailable. Terminal.
	StateExpired State = "EXPIRED"
	// StateFailed means compute setup or execution errored, or the job
	// was cancelled. Terminal; never retried automatically.
	StateFailed State = "FAILED"
)

// States lists all valid states in lifecycle order.
func States() []State {
	return []State{
		StateIncoming, StateRunning, StateCompleted,
		StateArchived, StateExpired, StateFailed,
	}
}

// transitions is the set of legal forward edges. FAILED is additionally
// reachable from any non-terminal state (see CanTransition).
var transitions = map[State]State{
	StateIncoming:  StateRunning,
	StateRunning:   StateCompleted,
	StateCompleted: StateArchived,
	StateArchived:  StateExpired,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIncoming, StateRunning, StateCompleted,
		StateArchived, StateExpired, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateFailed
}

// Cancellable reports whether a job in this state may still be
// cancelled. Work that already completed cannot be interrupted.
func (s State) Cancellable() bool {
	return s == StateIncoming || s == StateRunning
}

// Readable reports whether results in this state may be served.
// ARCHIVED reads identically to COMPLETED.
func (s State) Readable() bool {
	return s == StateCompleted || s == StateArchived
}

// CanTransition reports whether from→to is a legal edge. Transitions
// are monotonic and never skip mandatory states; FAILED is reachable
// from any non-terminal state.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == StateFailed {
		return !from.Terminal()
	}
	return transitions[from] == to
}

// Metadatum is one ordered key→value results entry.
type Metadatum struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Link is one ordered key→URL results entry.
type Link struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Results holds the metadata attached to a job once it completes:
// registered output files (paths relative to the job directory),
// ordered key→value pairs, and ordered key→URL pairs.
type Results struct {
	Files    []string    `json:"files,omitempty"`
	Metadata []Metadatum `json:"metadata,omitempty"`
	Links    []Link      `json:"links,omitempty"`
}

// Job represents one unit of submitted work tracked by name, state, and
// ownership. Jobs are created by submission, advanced only through the
// store's compare-and-set, and never physically deleted: EXPIRED is a
// terminal logical state, not a delete.
type Job struct {
	// Name is the unique identifier assigned at submission. Immutable,
	// never reused.
	Name string `json:"name"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Passwd is the secret generated at submission. Together with Name
	// it unlocks results for jobs not owned by an authenticated user.
	// Empty means password access is disabled and only User may view.
	Passwd string `json:"-"`

	// User is the optional owning identity. The owner views results
	// without a password. Empty for anonymous submissions.
	User string `json:"user,omitempty"`

	// ContactEmail, when set, is where completion notices go. The
	// notification wiring itself lives outside this engine.
	ContactEmail string `json:"contact_email,omitempty"`

	// Directory is the filesystem handle under which job inputs and
	// outputs live. A missing directory is a recoverable inconsistency:
	// the job still reports its state truthfully, it just cannot serve
	// files.
	Directory string `json:"directory,omitempty"`

	// RunnerID identifies the compute runner's handle for this job
	// while it is RUNNING. Opaque to this engine.
	RunnerID string `json:"runner_id,omitempty"`

	// Failure is the human-readable reason recorded when the job
	// entered FAILED.
	Failure string `json:"failure,omitempty"`

	// Results is attached when the job reaches COMPLETED.
	Results *Results `json:"results,omitempty"`

	SubmitTime  time.Time  `json:"submit_time"`
	RunTime     *time.Time `json:"run_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	ArchiveTime *time.Time `json:"archive_time,omitempty"`
	ExpireTime  *time.Time `json:"expire_time,omitempty"`
}

// Owned reports whether the job has an owning user.
func (j *Job) Owned() bool { return j.User != "" }

// HasSecret reports whether password access is enabled for the job.
func (j *Job) HasSecret() bool { return j.Passwd != "" }
