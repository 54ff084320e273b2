// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. It is the canonical test double for the store
// contracts and is also usable for development.
package memory

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/job"
)

// Ensure Store implements every store contract at compile time.
var (
	_ job.Store     = (*Store)(nil)
	_ job.UserStore = (*Store)(nil)
	_ event.Log     = (*Store)(nil)
)

// Store is an in-memory implementation of job.Store, job.UserStore,
// and event.Log.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	users  map[string]*job.User
	events []*event.Event
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[string]*job.Job),
		users: make(map[string]*job.User),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// SeedUser installs a user row. Provisioning is external in production;
// this is the hook tests and development use.
func (m *Store) SeedUser(u *job.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.Name] = &cp
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in INCOMING state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.Name]; exists {
		return conveyor.ErrDuplicateJob
	}
	cp := *j
	cp.State = job.StateIncoming
	if cp.SubmitTime.IsZero() {
		cp.SubmitTime = time.Now().UTC()
	}
	m.jobs[j.Name] = &cp
	return nil
}

// GetJob retrieves a job by name.
func (m *Store) GetJob(_ context.Context, name string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[name]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListJobsByState returns jobs in the given state in submission order.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*job.Job
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if !opts.DueBefore.IsZero() {
			due := retentionDeadline(j, state)
			if due == nil || !due.Before(opts.DueBefore) {
				continue
			}
		}
		cp := *j
		jobs = append(jobs, &cp)
	}
	sortBySubmitTime(jobs)
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// AdvanceState moves the named job from one state to another with
// compare-and-set semantics, applying set atomically.
func (m *Store) AdvanceState(_ context.Context, name string, from, to job.State, set job.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != from || !job.CanTransition(from, to) {
		return conveyor.ErrStateConflict
	}

	j.State = to
	if set.RunTime != nil {
		j.RunTime = set.RunTime
	}
	if set.RunnerID != "" {
		j.RunnerID = set.RunnerID
	}
	if set.EndTime != nil {
		j.EndTime = set.EndTime
	}
	if set.ArchiveTime != nil {
		j.ArchiveTime = set.ArchiveTime
	}
	if set.ExpireTime != nil {
		j.ExpireTime = set.ExpireTime
	}
	if set.Results != nil {
		j.Results = set.Results
	}
	if set.Failure != "" {
		j.Failure = set.Failure
	}
	return nil
}

// FetchBySecret retrieves a job by name and secret. An unknown name and
// a wrong secret are indistinguishable.
func (m *Store) FetchBySecret(_ context.Context, name, passwd string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[name]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if !j.HasSecret() || subtle.ConstantTimeCompare([]byte(j.Passwd), []byte(passwd)) != 1 {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListJobsForUser returns all jobs owned by user in submission order.
func (m *Store) ListJobsForUser(_ context.Context, user string) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*job.Job
	for _, j := range m.jobs {
		if j.User != user {
			continue
		}
		cp := *j
		jobs = append(jobs, &cp)
	}
	sortBySubmitTime(jobs)
	return jobs, nil
}

// ──────────────────────────────────────────────────
// User store
// ──────────────────────────────────────────────────

// GetUser looks up a user by name.
func (m *Store) GetUser(_ context.Context, name string) (*job.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[name]
	if !ok {
		return nil, conveyor.ErrAccessDenied
	}
	cp := *u
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Event log
// ──────────────────────────────────────────────────

// AppendEvent records a transition.
func (m *Store) AppendEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *evt
	m.events = append(m.events, &cp)
	return nil
}

// ListEvents returns all events for the named job in append order.
func (m *Store) ListEvents(_ context.Context, jobName string) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event
	for _, evt := range m.events {
		if evt.JobName == jobName {
			cp := *evt
			out = append(out, &cp)
		}
	}
	return out, nil
}

// retentionDeadline returns the deadline column the sweep filters on
// for the given listed state.
func retentionDeadline(j *job.Job, state job.State) *time.Time {
	switch state {
	case job.StateCompleted:
		return j.ArchiveTime
	case job.StateArchived:
		return j.ExpireTime
	default:
		return nil
	}
}

// sortBySubmitTime orders jobs by submission time, breaking ties by
// name so the order is stable.
func sortBySubmitTime(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].SubmitTime.Equal(jobs[k].SubmitTime) {
			return jobs[i].Name < jobs[k].Name
		}
		return jobs[i].SubmitTime.Before(jobs[k].SubmitTime)
	})
}
