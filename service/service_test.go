package service

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/gate"
	"github.com/conveyorq/conveyor/job"
	"github.com/conveyorq/conveyor/store/memory"
)

type recordingAlerter struct {
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) {
	a.subjects = append(a.subjects, subject)
}

func testConfig(t *testing.T) conveyor.Config {
	t.Helper()
	cfg := conveyor.DefaultConfig()
	cfg.IncomingDir = t.TempDir()
	cfg.RESTURL = "http://example.org/rest"
	cfg.ResultsURL = "http://example.org/results"
	return cfg
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	g := gate.New(store, nil)
	schema := Schema{Params: []Param{
		{Name: "model", Help: "model name to use"},
		{Name: "notes", Help: "free-form notes", Optional: true},
	}}
	svc := New(testConfig(t), store, g, schema, append([]Option{WithEventLog(store)}, opts...)...)
	return svc, store
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	h, err := svc.Submit(ctx, SubmitRequest{
		ClientKey: "1.2.3.4",
		Params:    map[string]string{"model": "fast"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Name == "" || h.Passwd == "" {
		t.Fatalf("handle incomplete: %+v", h)
	}
	if !strings.Contains(h.URL, "job="+h.Name) || !strings.Contains(h.URL, "passwd=") {
		t.Errorf("handle URL = %q", h.URL)
	}

	// Round trip: the secret unlocks the job immediately, in INCOMING.
	j, err := store.FetchBySecret(ctx, h.Name, h.Passwd)
	if err != nil {
		t.Fatalf("FetchBySecret after submit: %v", err)
	}
	if j.State != job.StateIncoming {
		t.Errorf("state = %s, want %s", j.State, job.StateIncoming)
	}
	if j.Directory == "" {
		t.Errorf("job directory not assigned")
	}

	evts, _ := store.ListEvents(ctx, h.Name)
	if len(evts) != 1 || evts[0].Reason != "submitted" {
		t.Errorf("audit events = %+v", evts)
	}
}

func TestSubmitStagesFiles(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := gate.New(store, nil)
	schema := Schema{Params: []Param{
		{Name: "sequence.fasta", Help: "input sequence", File: true},
	}}
	svc := New(testConfig(t), store, g, schema)

	h, err := svc.Submit(ctx, SubmitRequest{
		ClientKey: "1.2.3.4",
		Files:     map[string]io.Reader{"sequence.fasta": strings.NewReader(">seq\nMKV")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j, _ := store.GetJob(ctx, h.Name)
	if directoryMissing(j) {
		t.Errorf("job directory missing after staged upload")
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	_, err := svc.Submit(ctx, SubmitRequest{
		ClientKey: "1.2.3.4",
		Params:    map[string]string{"notes": "hello"},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Param != "model" {
		t.Errorf("param = %q, want model", verr.Param)
	}

	// A rejected submission creates no job.
	jobs, _ := store.ListJobsByState(ctx, job.StateIncoming, job.ListOpts{})
	if len(jobs) != 0 {
		t.Errorf("rejected submission enqueued %d jobs", len(jobs))
	}
}

func TestSubmitRateLimited(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := gate.New(store, gate.NewWindowLimiter(1, time.Minute))
	svc := New(testConfig(t), store, g, Schema{})

	if _, err := svc.Submit(ctx, SubmitRequest{ClientKey: "1.2.3.4"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(ctx, SubmitRequest{ClientKey: "1.2.3.4"})
	if !errors.Is(err, conveyor.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err does not carry a limiter decision")
	}

	// The throttled request did not enqueue.
	jobs, _ := store.ListJobsByState(ctx, job.StateIncoming, job.ListOpts{})
	if len(jobs) != 1 {
		t.Errorf("got %d jobs, want 1", len(jobs))
	}

	// A different client is unaffected.
	if _, err := svc.Submit(ctx, SubmitRequest{ClientKey: "5.6.7.8"}); err != nil {
		t.Errorf("other client: %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	h, err := svc.Submit(ctx, SubmitRequest{ClientKey: "c", Params: map[string]string{"model": "fast"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st, err := svc.GetStatus(ctx, "c", h.Name)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != job.StateIncoming || st.SubmitTime.IsZero() {
		t.Errorf("status = %+v", st)
	}

	if _, err := svc.GetStatus(ctx, "c", "job_missing"); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func TestGetResultsLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	h, err := svc.Submit(ctx, SubmitRequest{ClientKey: "c", Params: map[string]string{"model": "fast"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	now := time.Now().UTC()

	// INCOMING and RUNNING are not ready yet.
	if _, err := svc.GetResults(ctx, "c", h.Name, h.Passwd, ""); !errors.Is(err, conveyor.ErrNotReady) {
		t.Fatalf("incoming: err = %v, want ErrNotReady", err)
	}
	if err := store.AdvanceState(ctx, h.Name, job.StateIncoming, job.StateRunning, job.Update{RunTime: &now}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := svc.GetResults(ctx, "c", h.Name, h.Passwd, ""); !errors.Is(err, conveyor.ErrNotReady) {
		t.Fatalf("running: err = %v, want ErrNotReady", err)
	}

	err = store.AdvanceState(ctx, h.Name, job.StateRunning, job.StateCompleted, job.Update{
		EndTime: &now,
		Results: &job.Results{
			Files:    []string{"output.pdb"},
			Metadata: []job.Metadatum{{Key: "score", Value: "0.92"}},
			Links:    []job.Link{{Key: "viewer", URL: "http://example.org/view"}},
		},
	})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}

	payload, err := svc.GetResults(ctx, "c", h.Name, h.Passwd, "")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(payload.Files) != 1 {
		t.Fatalf("files = %+v", payload.Files)
	}
	wantURL := "http://example.org/results/" + h.Name + "/output.pdb"
	if payload.Files[0].URL != wantURL {
		t.Errorf("file URL = %q, want %q", payload.Files[0].URL, wantURL)
	}
	if len(payload.Metadata) != 1 || payload.Metadata[0].Key != "score" {
		t.Errorf("metadata = %+v", payload.Metadata)
	}
	if len(payload.Links) != 1 || payload.Links[0].Key != "viewer" {
		t.Errorf("links = %+v", payload.Links)
	}

	// Wrong secret is denied, not not-found, once the name is known to
	// be real and the caller is at the façade.
	if _, err := svc.GetResults(ctx, "c", h.Name, "wrongwrong", ""); !errors.Is(err, conveyor.ErrAccessDenied) {
		t.Errorf("wrong secret: err = %v, want ErrAccessDenied", err)
	}
}

func TestGetResultsArchivedReadsLikeCompleted(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	h, _ := svc.Submit(ctx, SubmitRequest{ClientKey: "c", Params: map[string]string{"model": "fast"}})
	now := time.Now().UTC()
	mustAdvance(t, store, h.Name, job.StateIncoming, job.StateRunning, job.Update{RunTime: &now})
	mustAdvance(t, store, h.Name, job.StateRunning, job.StateCompleted, job.Update{
		EndTime: &now,
		Results: &job.Results{Files: []string{"out.txt"}},
	})
	mustAdvance(t, store, h.Name, job.StateCompleted, job.StateArchived, job.Update{})

	payload, err := svc.GetResults(ctx, "c", h.Name, h.Passwd, "")
	if err != nil {
		t.Fatalf("archived: %v", err)
	}
	if payload.State != job.StateArchived || len(payload.Files) != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestGetResultsExpired(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	h, _ := svc.Submit(ctx, SubmitRequest{ClientKey: "c", Params: map[string]string{"model": "fast"}})
	now := time.Now().UTC()
	mustAdvance(t, store, h.Name, job.StateIncoming, job.StateRunning, job.Update{RunTime: &now})
	mustAdvance(t, store, h.Name, job.StateRunning, job.StateCompleted, job.Update{EndTime: &now})
	mustAdvance(t, store, h.Name, job.StateCompleted, job.StateArchived, job.Update{})
	mustAdvance(t, store, h.Name, job.StateArchived, job.StateExpired, job.Update{})

	// Expired is reported regardless of secret correctness.
	if _, err := svc.GetResults(ctx, "c", h.Name, h.Passwd, ""); !errors.Is(err, conveyor.ErrExpired) {
		t.Errorf("correct secret: err = %v, want ErrExpired", err)
	}
	if _, err := svc.GetResults(ctx, "c", h.Name, "wrongwrong", ""); !errors.Is(err, conveyor.ErrExpired) {
		t.Errorf("wrong secret: err = %v, want ErrExpired", err)
	}
}

func TestGetResultsDirectoryMissing(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	now := time.Now().UTC()
	if err := store.EnqueueJob(ctx, &job.Job{
		Name:      "job_lost",
		Passwd:    "s3cretpass",
		Directory: "/nonexistent/job_lost",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	mustAdvance(t, store, "job_lost", job.StateIncoming, job.StateRunning, job.Update{RunTime: &now})
	mustAdvance(t, store, "job_lost", job.StateRunning, job.StateCompleted, job.Update{
		EndTime: &now,
		Results: &job.Results{Files: []string{"out.txt"}, Metadata: []job.Metadatum{{Key: "k", Value: "v"}}},
	})

	payload, err := svc.GetResults(ctx, "c", "job_lost", "s3cretpass", "")
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if !payload.DirectoryMissing {
		t.Errorf("DirectoryMissing not flagged")
	}
	if len(payload.Files) != 0 {
		t.Errorf("missing directory still lists files: %+v", payload.Files)
	}
	if len(payload.Metadata) != 1 {
		t.Errorf("metadata should survive a lost directory")
	}
}

func TestListQueue(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	var names []string
	for range 3 {
		h, err := svc.Submit(ctx, SubmitRequest{ClientKey: "c", Params: map[string]string{"model": "fast"}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		names = append(names, h.Name)
	}
	now := time.Now().UTC()
	mustAdvance(t, store, names[0], job.StateIncoming, job.StateRunning, job.Update{RunTime: &now})

	items, err := svc.ListQueue(ctx, "c")
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.Name != names[i] {
			t.Errorf("item %d = %s, want %s (submission order)", i, it.Name, names[i])
		}
	}
	if items[0].State != job.StateRunning {
		t.Errorf("first item state = %s", items[0].State)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	h, _ := svc.Submit(ctx, SubmitRequest{ClientKey: "c", Params: map[string]string{"model": "fast"}})

	if err := svc.Cancel(ctx, "c", h.Name, h.Passwd, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	j, _ := store.GetJob(ctx, h.Name)
	if j.State != job.StateFailed || j.Failure != "cancelled by client" {
		t.Errorf("after cancel: state=%s failure=%q", j.State, j.Failure)
	}

	// A second cancel finds the job already terminal.
	if err := svc.Cancel(ctx, "c", h.Name, h.Passwd, ""); !errors.Is(err, conveyor.ErrAlreadyTerminal) {
		t.Errorf("repeat cancel: err = %v, want ErrAlreadyTerminal", err)
	}
	if err := svc.Cancel(ctx, "c", h.Name, "wrongwrong", ""); !errors.Is(err, conveyor.ErrAccessDenied) {
		t.Errorf("wrong secret: err = %v, want ErrAccessDenied", err)
	}
	if err := svc.Cancel(ctx, "c", "job_missing", "x", ""); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing: err = %v, want ErrJobNotFound", err)
	}
}

func TestSubmitFailureRemovesStagedDirectory(t *testing.T) {
	ctx := context.Background()

	store := &enqueueFailStore{Store: memory.New()}
	g := gate.New(store, nil)
	cfg := testConfig(t)
	svc := New(cfg, store, g, Schema{})

	_, err := svc.Submit(ctx, SubmitRequest{
		ClientKey: "c",
		Files:     map[string]io.Reader{"input.dat": strings.NewReader("payload")},
	})
	if !errors.Is(err, conveyor.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}

	entries, err := os.ReadDir(cfg.IncomingDir)
	if err != nil {
		t.Fatalf("read incoming dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed submission left %d entries in incoming dir", len(entries))
	}
}

func TestInternalFaultAlertsOperator(t *testing.T) {
	ctx := context.Background()
	alerter := &recordingAlerter{}

	store := &enqueueFailStore{Store: memory.New()}
	g := gate.New(store, nil)
	cfg := testConfig(t)
	svc := New(cfg, store, g, Schema{}, WithAlerter(alerter))

	_, err := svc.Submit(ctx, SubmitRequest{ClientKey: "c"})
	if !errors.Is(err, conveyor.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
	if len(alerter.subjects) != 1 {
		t.Fatalf("alerts = %v, want exactly one", alerter.subjects)
	}
	if !strings.Contains(alerter.subjects[0], cfg.ServiceName) {
		t.Errorf("alert subject = %q", alerter.subjects[0])
	}
}

func TestExpectedOutcomesDoNotAlert(t *testing.T) {
	ctx := context.Background()
	alerter := &recordingAlerter{}
	svc, _ := newTestService(t, WithAlerter(alerter))

	_, _ = svc.GetStatus(ctx, "c", "job_missing")
	_, _ = svc.Submit(ctx, SubmitRequest{ClientKey: "c"})

	if len(alerter.subjects) != 0 {
		t.Errorf("expected outcomes alerted the operator: %v", alerter.subjects)
	}
}

// enqueueFailStore simulates a store that fails writes.
type enqueueFailStore struct {
	*memory.Store
}

func (s *enqueueFailStore) EnqueueJob(context.Context, *job.Job) error {
	return conveyor.ErrStoreUnavailable
}

func mustAdvance(t *testing.T, store job.Store, name string, from, to job.State, set job.Update) {
	t.Helper()
	if err := store.AdvanceState(context.Background(), name, from, to, set); err != nil {
		t.Fatalf("advance %s from %s to %s: %v", name, from, to, err)
	}
}
