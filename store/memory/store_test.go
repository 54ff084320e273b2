package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/job"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	j := &job.Job{Name: "job_a", Passwd: "s3cretpass", SubmitTime: time.Now().UTC()}
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job_a")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateIncoming {
		t.Errorf("state = %s, want %s", got.State, job.StateIncoming)
	}

	if err := s.EnqueueJob(ctx, j); !errors.Is(err, conveyor.ErrDuplicateJob) {
		t.Errorf("duplicate enqueue: err = %v, want ErrDuplicateJob", err)
	}
	if _, err := s.GetJob(ctx, "job_missing"); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.EnqueueJob(ctx, &job.Job{Name: "job_a"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, _ := s.GetJob(ctx, "job_a")
	got.State = job.StateFailed

	again, _ := s.GetJob(ctx, "job_a")
	if again.State != job.StateIncoming {
		t.Errorf("mutating a returned job leaked into the store")
	}
}

func TestAdvanceState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.EnqueueJob(ctx, &job.Job{Name: "job_a"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	now := time.Now().UTC()
	err := s.AdvanceState(ctx, "job_a", job.StateIncoming, job.StateRunning, job.Update{
		RunTime:  ptrTime(now),
		RunnerID: "runner-7",
	})
	if err != nil {
		t.Fatalf("AdvanceState: %v", err)
	}

	got, _ := s.GetJob(ctx, "job_a")
	if got.State != job.StateRunning {
		t.Errorf("state = %s, want %s", got.State, job.StateRunning)
	}
	if got.RunTime == nil || !got.RunTime.Equal(now) {
		t.Errorf("run time not applied: %v", got.RunTime)
	}
	if got.RunnerID != "runner-7" {
		t.Errorf("runner id = %q, want runner-7", got.RunnerID)
	}

	// Retrying the same pair after it already applied reports a conflict.
	err = s.AdvanceState(ctx, "job_a", job.StateIncoming, job.StateRunning, job.Update{})
	if !errors.Is(err, conveyor.ErrStateConflict) {
		t.Errorf("stale from-state: err = %v, want ErrStateConflict", err)
	}

	// Skipping a state is rejected even when the from-state matches.
	err = s.AdvanceState(ctx, "job_a", job.StateRunning, job.StateArchived, job.Update{})
	if !errors.Is(err, conveyor.ErrStateConflict) {
		t.Errorf("skip: err = %v, want ErrStateConflict", err)
	}

	err = s.AdvanceState(ctx, "job_missing", job.StateIncoming, job.StateRunning, job.Update{})
	if !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func TestAdvanceStateToFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.EnqueueJob(ctx, &job.Job{Name: "job_a"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	err := s.AdvanceState(ctx, "job_a", job.StateIncoming, job.StateFailed, job.Update{
		EndTime: ptrTime(time.Now().UTC()),
		Failure: "cancelled by client",
	})
	if err != nil {
		t.Fatalf("AdvanceState to FAILED: %v", err)
	}
	got, _ := s.GetJob(ctx, "job_a")
	if got.Failure != "cancelled by client" {
		t.Errorf("failure = %q", got.Failure)
	}
	// FAILED is terminal.
	err = s.AdvanceState(ctx, "job_a", job.StateFailed, job.StateRunning, job.Update{})
	if !errors.Is(err, conveyor.ErrStateConflict) {
		t.Errorf("transition out of FAILED: err = %v, want ErrStateConflict", err)
	}
}

func TestListJobsByState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"job_c", "job_a", "job_b"} {
		j := &job.Job{Name: name, SubmitTime: base.Add(time.Duration(i) * time.Minute)}
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob %s: %v", name, err)
		}
	}

	jobs, err := s.ListJobsByState(ctx, job.StateIncoming, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	var got []string
	for _, j := range jobs {
		got = append(got, j.Name)
	}
	want := []string{"job_c", "job_a", "job_b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	jobs, _ = s.ListJobsByState(ctx, job.StateIncoming, job.ListOpts{Limit: 2})
	if len(jobs) != 2 {
		t.Errorf("limit: got %d jobs, want 2", len(jobs))
	}
	jobs, _ = s.ListJobsByState(ctx, job.StateRunning, job.ListOpts{})
	if len(jobs) != 0 {
		t.Errorf("empty state: got %d jobs, want 0", len(jobs))
	}
}

func TestListJobsByStateDueBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(name string, archive *time.Time) {
		t.Helper()
		if err := s.EnqueueJob(ctx, &job.Job{Name: name, SubmitTime: now}); err != nil {
			t.Fatalf("EnqueueJob %s: %v", name, err)
		}
		steps := []struct {
			from, to job.State
			set      job.Update
		}{
			{job.StateIncoming, job.StateRunning, job.Update{RunTime: ptrTime(now)}},
			{job.StateRunning, job.StateCompleted, job.Update{EndTime: ptrTime(now), ArchiveTime: archive}},
		}
		for _, st := range steps {
			if err := s.AdvanceState(ctx, name, st.from, st.to, st.set); err != nil {
				t.Fatalf("AdvanceState %s: %v", name, err)
			}
		}
	}
	mk("job_due", ptrTime(now.Add(-time.Hour)))
	mk("job_later", ptrTime(now.Add(time.Hour)))
	mk("job_never", nil)

	jobs, err := s.ListJobsByState(ctx, job.StateCompleted, job.ListOpts{DueBefore: now})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "job_due" {
		t.Fatalf("due listing = %v, want only job_due", jobs)
	}
}

func TestFetchBySecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.EnqueueJob(ctx, &job.Job{Name: "job_a", Passwd: "s3cretpass"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(ctx, &job.Job{Name: "job_owned", User: "alice"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	tests := []struct {
		name       string
		jobName    string
		passwd     string
		wantFound  bool
	}{
		{"correct secret", "job_a", "s3cretpass", true},
		{"wrong secret", "job_a", "wrongwrong", false},
		{"empty secret", "job_a", "", false},
		{"unknown job", "job_zzz", "s3cretpass", false},
		{"owner-only job", "job_owned", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FetchBySecret(ctx, tt.jobName, tt.passwd)
			if tt.wantFound {
				if err != nil {
					t.Fatalf("FetchBySecret: %v", err)
				}
				if got.Name != tt.jobName {
					t.Errorf("name = %q", got.Name)
				}
				return
			}
			if !errors.Is(err, conveyor.ErrJobNotFound) {
				t.Errorf("err = %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestListJobsForUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []struct {
		name string
		user string
	}{
		{"job_1", "alice"},
		{"job_2", "bob"},
		{"job_3", "alice"},
	}
	for i, sd := range seed {
		j := &job.Job{Name: sd.name, User: sd.user, SubmitTime: base.Add(time.Duration(i) * time.Second)}
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	jobs, err := s.ListJobsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListJobsForUser: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Name != "job_1" || jobs[1].Name != "job_3" {
		t.Fatalf("alice jobs = %v", jobs)
	}
	jobs, _ = s.ListJobsForUser(ctx, "nobody")
	if len(jobs) != 0 {
		t.Errorf("nobody jobs = %d, want 0", len(jobs))
	}
}

func TestGetUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	s.SeedUser(&job.User{Name: "alice", CredentialHash: "$2a$10$hash"})

	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.CredentialHash != "$2a$10$hash" {
		t.Errorf("hash = %q", u.CredentialHash)
	}
	if _, err := s.GetUser(ctx, "mallory"); !errors.Is(err, conveyor.ErrAccessDenied) {
		t.Errorf("unknown user: err = %v, want ErrAccessDenied", err)
	}
}

func TestEventLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	evts := []*event.Event{
		{JobName: "job_a", To: job.StateIncoming, Reason: "submitted", At: time.Now()},
		{JobName: "job_b", From: job.StateIncoming, To: job.StateRunning, At: time.Now()},
		{JobName: "job_a", From: job.StateIncoming, To: job.StateRunning, At: time.Now()},
	}
	for _, evt := range evts {
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	got, err := s.ListEvents(ctx, "job_a")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Reason != "submitted" || got[1].To != job.StateRunning {
		t.Errorf("event order wrong: %+v", got)
	}
}
