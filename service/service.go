// Package service implements the job protocol façade: the operation set
// both the HTML tier and the REST/XML tier call into. Every operation
// returns a typed outcome; store-level errors are never exposed raw,
// and unexpected faults page the operator while the caller sees only a
// generic internal error.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/gate"
	"github.com/conveyorq/conveyor/id"
	"github.com/conveyorq/conveyor/job"
)

// Alerter notifies operators of unexpected internal faults. Expected
// outcomes (denied access, not found, throttling) never alert.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, string) {}

// Service is the job protocol façade.
type Service struct {
	cfg     conveyor.Config
	store   job.Store
	gate    *gate.Gate
	schema  Schema
	events  event.Log
	bus     *event.Bus
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithAlerter sets the operator alerter.
func WithAlerter(a Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

// WithEventLog sets the transition audit log.
func WithEventLog(l event.Log) Option {
	return func(s *Service) { s.events = l }
}

// WithBus sets the bus used to wake the executor on submission.
func WithBus(b *event.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(cfg conveyor.Config, store job.Store, g *gate.Gate, schema Schema, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		gate:    g,
		schema:  schema,
		alerter: nopAlerter{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RateLimitError reports throttling along with the limiter decision so
// transports can render retry hints.
type RateLimitError struct {
	Decision gate.Decision
}

func (e *RateLimitError) Error() string { return conveyor.ErrRateLimited.Error() }

func (e *RateLimitError) Unwrap() error { return conveyor.ErrRateLimited }

// Handle is returned on successful submission.
type Handle struct {
	Name   string
	Passwd string
	URL    string
}

// Status is the public view of a job's lifecycle position.
type Status struct {
	State      job.State
	SubmitTime time.Time
}

// ResultFile is one downloadable result file.
type ResultFile struct {
	Name string
	URL  string
}

// ResultsPayload is returned for COMPLETED and ARCHIVED jobs.
type ResultsPayload struct {
	Name     string
	State    job.State
	Files    []ResultFile
	Metadata []job.Metadatum
	Links    []job.Link

	// DirectoryMissing is set when the job directory vanished. The job
	// still reports its state truthfully; it just has no retrievable
	// output, so Files is empty.
	DirectoryMissing bool
}

// QueueItem is one row of the operator queue view. It never carries
// the job secret.
type QueueItem struct {
	Name             string
	State            job.State
	SubmitTime       time.Time
	User             string
	DirectoryMissing bool
}

// SubmitRequest carries a submission through the façade.
type SubmitRequest struct {
	// ClientKey identifies the client for rate limiting (IP or
	// authenticated user).
	ClientKey string

	// User is the authenticated owner, empty for anonymous submission.
	User string

	ContactEmail string

	// Params holds the string parameter values.
	Params map[string]string

	// Files holds uploaded file content per file parameter.
	Files map[string]io.Reader
}

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

// Submit validates the request against the declared schema, mints a job
// name and secret, stages uploaded files into the job directory, and
// enqueues exactly one INCOMING job. The executor is woken immediately.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	if err := s.charge(ctx, req.ClientKey); err != nil {
		return nil, err
	}
	if err := s.schema.Validate(req.Params, req.Files); err != nil {
		return nil, err
	}

	name := id.NewJobName()
	passwd := id.NewSecret()
	dir := filepath.Join(s.cfg.IncomingDir, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, s.internal(ctx, "create job directory", err)
	}
	for pname, content := range req.Files {
		if err := stageFile(filepath.Join(dir, pname), content); err != nil {
			_ = os.RemoveAll(dir)
			return nil, s.internal(ctx, "stage uploaded file", err)
		}
	}

	j := &job.Job{
		Name:         name,
		Passwd:       passwd,
		User:         req.User,
		ContactEmail: req.ContactEmail,
		Directory:    dir,
		SubmitTime:   s.now().UTC(),
	}
	if err := s.store.EnqueueJob(ctx, j); err != nil {
		// No record points at the directory yet, so reclaim it rather
		// than leave an orphan on disk.
		_ = os.RemoveAll(dir)
		return nil, s.internal(ctx, "enqueue job", err)
	}

	// Exactly one job must exist in INCOMING after a successful
	// submission; anything else is an invariant violation.
	got, err := s.store.GetJob(ctx, name)
	if err != nil {
		return nil, s.internal(ctx, "verify submission", err)
	}
	if got.State != job.StateIncoming {
		return nil, s.internal(ctx, "verify submission",
			fmt.Errorf("job %s in state %s immediately after enqueue", name, got.State))
	}

	s.appendEvent(ctx, &event.Event{
		JobName: name, To: job.StateIncoming, Reason: "submitted", At: s.now(),
	})
	if s.bus != nil {
		s.bus.Notify()
	}

	return &Handle{Name: name, Passwd: passwd, URL: s.jobURL(name, passwd)}, nil
}

// GetStatus returns the job's state and submission time.
func (s *Service) GetStatus(ctx context.Context, clientKey, name string) (*Status, error) {
	if err := s.charge(ctx, clientKey); err != nil {
		return nil, err
	}
	j, err := s.getJob(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Status{State: j.State, SubmitTime: j.SubmitTime}, nil
}

// GetResults returns the results payload for a COMPLETED or ARCHIVED
// job. The caller must present the job secret or be the owner.
func (s *Service) GetResults(ctx context.Context, clientKey, name, passwd, asUser string) (*ResultsPayload, error) {
	if err := s.charge(ctx, clientKey); err != nil {
		return nil, err
	}
	j, err := s.getJob(ctx, name)
	if err != nil {
		return nil, err
	}
	// Expiry outranks authentication: once the data is gone there is
	// nothing a secret could unlock, and the outcome is the same for
	// every caller.
	if j.State == job.StateExpired {
		return nil, conveyor.ErrExpired
	}
	if err := s.gate.CheckJobAccess(j, passwd, asUser); err != nil {
		return nil, err
	}
	if !j.State.Readable() {
		return nil, conveyor.ErrNotReady
	}

	payload := &ResultsPayload{
		Name:             j.Name,
		State:            j.State,
		DirectoryMissing: directoryMissing(j),
	}
	if j.Results != nil {
		payload.Metadata = j.Results.Metadata
		payload.Links = j.Results.Links
		if !payload.DirectoryMissing {
			for _, f := range j.Results.Files {
				payload.Files = append(payload.Files, ResultFile{
					Name: f,
					URL:  s.fileURL(j.Name, f),
				})
			}
		}
	}
	return payload, nil
}

// ListQueue returns every job in submission order for operator and
// monitoring views.
func (s *Service) ListQueue(ctx context.Context, clientKey string) ([]QueueItem, error) {
	if err := s.charge(ctx, clientKey); err != nil {
		return nil, err
	}

	var items []QueueItem
	for _, state := range job.States() {
		jobs, err := s.store.ListJobsByState(ctx, state, job.ListOpts{})
		if err != nil {
			return nil, s.internal(ctx, "list queue", err)
		}
		for _, j := range jobs {
			items = append(items, QueueItem{
				Name:             j.Name,
				State:            j.State,
				SubmitTime:       j.SubmitTime,
				User:             j.User,
				DirectoryMissing: directoryMissing(j),
			})
		}
	}
	sort.Slice(items, func(i, k int) bool {
		if items[i].SubmitTime.Equal(items[k].SubmitTime) {
			return items[i].Name < items[k].Name
		}
		return items[i].SubmitTime.Before(items[k].SubmitTime)
	})
	return items, nil
}

// ListUserJobs returns the authenticated owner's jobs in submission
// order.
func (s *Service) ListUserJobs(ctx context.Context, clientKey, user string) ([]QueueItem, error) {
	if err := s.charge(ctx, clientKey); err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobsForUser(ctx, user)
	if err != nil {
		return nil, s.internal(ctx, "list user jobs", err)
	}
	items := make([]QueueItem, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, QueueItem{
			Name:             j.Name,
			State:            j.State,
			SubmitTime:       j.SubmitTime,
			User:             j.User,
			DirectoryMissing: directoryMissing(j),
		})
	}
	return items, nil
}

// Cancel asks for an INCOMING or RUNNING job to be failed with a
// cancellation reason. Jobs past a cancellable state report
// ErrAlreadyTerminal.
func (s *Service) Cancel(ctx context.Context, clientKey, name, passwd, asUser string) error {
	if err := s.charge(ctx, clientKey); err != nil {
		return err
	}
	j, err := s.getJob(ctx, name)
	if err != nil {
		return err
	}
	if err := s.gate.CheckJobAccess(j, passwd, asUser); err != nil {
		return err
	}
	if !j.State.Cancellable() {
		return conveyor.ErrAlreadyTerminal
	}

	end := s.now().UTC()
	err = s.store.AdvanceState(ctx, name, j.State, job.StateFailed, job.Update{
		EndTime: &end,
		Failure: "cancelled by client",
	})
	switch {
	case err == nil:
	case errors.Is(err, conveyor.ErrStateConflict):
		// Another actor moved the job first.
		return conveyor.ErrAlreadyTerminal
	default:
		return s.internal(ctx, "cancel job", err)
	}

	s.appendEvent(ctx, &event.Event{
		JobName: name, From: j.State, To: job.StateFailed,
		Reason: "cancelled by client", At: s.now(),
	})
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// charge counts the operation against the caller's rate budget. Denied
// and failed operations are charged the same as successful ones.
func (s *Service) charge(ctx context.Context, clientKey string) error {
	d, err := s.gate.Charge(ctx, clientKey)
	if err != nil {
		return s.internal(ctx, "rate limit check", err)
	}
	if !d.Allowed {
		return &RateLimitError{Decision: d}
	}
	return nil
}

func (s *Service) getJob(ctx context.Context, name string) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, name)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, s.internal(ctx, "get job", err)
	}
	return j, nil
}

// internal logs and alerts an unexpected fault and returns the generic
// outcome. No internal detail reaches the caller.
func (s *Service) internal(ctx context.Context, op string, err error) error {
	s.logger.Error("internal fault", "op", op, "error", err)
	s.alerter.Alert(ctx, s.cfg.ServiceName+": internal fault during "+op, err.Error())
	return conveyor.ErrInternal
}

// appendEvent writes to the audit log. Log failures are reported but
// never abort the operation they describe.
func (s *Service) appendEvent(ctx context.Context, evt *event.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.AppendEvent(ctx, evt); err != nil {
		s.logger.Warn("append audit event", "job", evt.JobName, "error", err)
	}
}

func (s *Service) jobURL(name, passwd string) string {
	q := url.Values{}
	q.Set("job", name)
	q.Set("passwd", passwd)
	return strings.TrimSuffix(s.cfg.RESTURL, "/") + "/job?" + q.Encode()
}

func (s *Service) fileURL(name, file string) string {
	return strings.TrimSuffix(s.cfg.ResultsURL, "/") + "/" +
		url.PathEscape(name) + "/" + url.PathEscape(file)
}

func directoryMissing(j *job.Job) bool {
	if j.Directory == "" {
		return true
	}
	info, err := os.Stat(j.Directory)
	return err != nil || !info.IsDir()
}

func stageFile(path string, content io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
