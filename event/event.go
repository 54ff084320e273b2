// Package event records the transition history of jobs and carries
// in-process wakeup notifications from the façade to the backend
// executor.
//
// Every state transition appends one Event to the Log, giving operators
// an audit trail independent of the job row's current snapshot. The Bus
// is purely advisory: losing a wakeup costs one poll interval of
// latency, never correctness, so publishing never blocks.
package event

import (
	"context"
	"time"

	"github.com/conveyorq/conveyor/job"
)

// Event is one recorded state transition of a job.
type Event struct {
	// JobName identifies the job that transitioned.
	JobName string `json:"job_name"`

	// From is empty for the submission event that creates the row.
	From job.State `json:"from,omitempty"`
	To   job.State `json:"to"`

	// Reason is a short human-readable cause ("submitted", "cancelled
	// by client", a failure message, ...). May be empty.
	Reason string `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

// Log defines the persistence contract for transition events.
type Log interface {
	// AppendEvent records a transition. Append failures must not abort
	// the transition that triggered them; callers log and continue.
	AppendEvent(ctx context.Context, evt *Event) error

	// ListEvents returns all events for the named job in append order.
	ListEvents(ctx context.Context, jobName string) ([]*Event, error)
}
