// Package executor is the backend poller that advances jobs through
// their compute states. It picks up INCOMING jobs, hands them to an
// opaque Runner, and watches RUNNING jobs until the runner reports them
// finished, stamping retention deadlines as they complete. The compute
// cluster's own scheduling is entirely the Runner's business.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/backoff"
	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/job"
	"github.com/conveyorq/conveyor/middleware"
)

// Runner starts and tracks compute for jobs. Implementations talk to
// whatever actually executes the work (a cluster scheduler, a local
// process, a fake in tests).
type Runner interface {
	// Run starts compute for the job and returns an opaque handle that
	// is recorded on the job row.
	Run(ctx context.Context, j *job.Job) (runnerID string, err error)

	// Poll reports whether the runner has finished the job's compute.
	Poll(ctx context.Context, j *job.Job) (done bool, err error)
}

// Collector gathers results from a finished job's directory. A nil
// collector completes jobs with no results attached.
type Collector interface {
	Collect(ctx context.Context, j *job.Job) (*job.Results, error)
}

// Alerter notifies operators. Job failures alert; routine transitions
// do not.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, string) {}

// Executor polls the store for INCOMING and RUNNING jobs and advances
// them. All transitions are compare-and-set, so running two executors
// against the same store wastes a little work but never corrupts a job.
type Executor struct {
	cfg       conveyor.Config
	store     job.Store
	runner    Runner
	collector Collector
	events    event.Log
	bus       *event.Bus
	alerter   Alerter
	chain     middleware.Middleware
	retry     backoff.Strategy
	logger    *slog.Logger
	now       func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Option configures the Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithAlerter sets the operator alerter.
func WithAlerter(a Alerter) Option {
	return func(e *Executor) { e.alerter = a }
}

// WithCollector sets the results collector.
func WithCollector(c Collector) Option {
	return func(e *Executor) { e.collector = c }
}

// WithEventLog sets the transition audit log.
func WithEventLog(l event.Log) Option {
	return func(e *Executor) { e.events = l }
}

// WithBus subscribes the executor to submission wakeups, so INCOMING
// jobs are picked up without waiting out a poll interval.
func WithBus(b *event.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithMiddleware wraps each per-job step with the given middleware.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Executor) { e.chain = middleware.Chain(mws...) }
}

// WithBackoff sets the retry strategy used when the store is
// unavailable.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Executor) { e.retry = s }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor.
func New(cfg conveyor.Config, store job.Store, runner Runner, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		alerter: nopAlerter{},
		chain:   middleware.Chain(),
		retry:   backoff.Default(),
		logger:  slog.Default(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the poll loop. It returns immediately.
func (e *Executor) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.logger.Info("executor starting",
		slog.Duration("poll_interval", e.cfg.PollInterval))

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop signals the loop to stop and waits for it to finish. In-flight
// store calls are cancelled when ctx expires.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("executor stopped")
	case <-ctx.Done():
		e.logger.Warn("executor shutdown timed out, cancelling in-flight work")
		e.cancel()
		e.wg.Wait()
	}
	e.cancel()
	return nil
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()

	var wake <-chan struct{}
	if e.bus != nil {
		wake = e.bus.Subscribe()
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.pollOnce(ctx)

		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// pollOnce processes every INCOMING job, then every RUNNING job.
func (e *Executor) pollOnce(ctx context.Context) {
	for _, j := range e.listWithRetry(ctx, job.StateIncoming) {
		e.step(ctx, j, e.startJob)
	}
	for _, j := range e.listWithRetry(ctx, job.StateRunning) {
		e.step(ctx, j, e.pollJob)
	}
}

// step runs one per-job handler through the middleware chain. Handler
// errors have already been acted on (job failed, operator alerted), so
// they are only logged here.
func (e *Executor) step(ctx context.Context, j *job.Job, handler func(context.Context, *job.Job) error) {
	select {
	case <-e.stopCh:
		return
	default:
	}
	err := e.chain(ctx, j, func(ctx context.Context) error {
		return handler(ctx, j)
	})
	if err != nil {
		e.logger.Debug("job step error",
			slog.String("job", j.Name), slog.String("error", err.Error()))
	}
}

// startJob moves an INCOMING job to RUNNING. Jobs the frontend left
// inconsistent are failed with the reason recorded rather than run.
func (e *Executor) startJob(ctx context.Context, j *job.Job) error {
	if reason := sanityCheck(j); reason != "" {
		return e.fail(ctx, j, reason)
	}

	runnerID, err := e.runner.Run(ctx, j)
	if err != nil {
		return e.fail(ctx, j, fmt.Sprintf("compute setup failed: %v", err))
	}

	now := e.now().UTC()
	err = e.advance(ctx, j.Name, job.StateIncoming, job.StateRunning, job.Update{
		RunTime:  &now,
		RunnerID: runnerID,
	}, "started")
	if err != nil {
		return err
	}
	e.logger.Info("job started", slog.String("job", j.Name), slog.String("runner_id", runnerID))
	return nil
}

// pollJob checks a RUNNING job's runner and completes the job when the
// compute is done.
func (e *Executor) pollJob(ctx context.Context, j *job.Job) error {
	done, err := e.runner.Poll(ctx, j)
	if err != nil {
		return e.fail(ctx, j, fmt.Sprintf("compute failed: %v", err))
	}
	if !done {
		return nil
	}

	var results *job.Results
	if e.collector != nil {
		results, err = e.collector.Collect(ctx, j)
		if err != nil {
			return e.fail(ctx, j, fmt.Sprintf("collecting results failed: %v", err))
		}
	}

	end := e.now().UTC()
	set := job.Update{
		EndTime: &end,
		Results: results,
	}
	if d := e.cfg.Archive.DeadlineFrom(end); !d.IsZero() {
		set.ArchiveTime = &d
	}
	if d := e.cfg.Expire.DeadlineFrom(end); !d.IsZero() {
		set.ExpireTime = &d
	}

	if err := e.advance(ctx, j.Name, job.StateRunning, job.StateCompleted, set, "completed"); err != nil {
		return err
	}
	e.logger.Info("job completed", slog.String("job", j.Name))
	return nil
}

// fail records a terminal failure with its reason and alerts the
// operator. Failures are not retried by this engine.
func (e *Executor) fail(ctx context.Context, j *job.Job, reason string) error {
	end := e.now().UTC()
	err := e.advance(ctx, j.Name, j.State, job.StateFailed, job.Update{
		EndTime: &end,
		Failure: reason,
	}, reason)
	if err != nil {
		return err
	}
	e.logger.Warn("job failed", slog.String("job", j.Name), slog.String("reason", reason))
	e.alerter.Alert(ctx,
		e.cfg.ServiceName+": job "+j.Name+" failed",
		reason)
	return nil
}

// advance performs a compare-and-set transition with store retry. A
// conflict means another actor moved the job first; that is logged and
// swallowed, since with CAS semantics the work is simply not ours.
func (e *Executor) advance(ctx context.Context, name string, from, to job.State, set job.Update, reason string) error {
	err := e.withRetry(ctx, func() error {
		return e.store.AdvanceState(ctx, name, from, to, set)
	})
	switch {
	case err == nil:
	case errors.Is(err, conveyor.ErrStateConflict):
		e.logger.Debug("transition lost to a concurrent actor",
			slog.String("job", name),
			slog.String("from", string(from)), slog.String("to", string(to)))
		return nil
	default:
		return fmt.Errorf("conveyor/executor: advance %s: %w", name, err)
	}

	e.appendEvent(ctx, &event.Event{
		JobName: name, From: from, To: to, Reason: reason, At: e.now(),
	})
	return nil
}

func (e *Executor) listWithRetry(ctx context.Context, state job.State) []*job.Job {
	var jobs []*job.Job
	err := e.withRetry(ctx, func() error {
		var listErr error
		jobs, listErr = e.store.ListJobsByState(ctx, state, job.ListOpts{})
		return listErr
	})
	if err != nil {
		e.logger.Error("listing jobs failed",
			slog.String("state", string(state)), slog.String("error", err.Error()))
		return nil
	}
	return jobs
}

// withRetry retries op with backoff while the store reports itself
// unavailable. Reads are idempotent and AdvanceState is a CAS, so
// repeating the same call is always safe.
func (e *Executor) withRetry(ctx context.Context, op func() error) error {
	const maxAttempts = 4

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, conveyor.ErrStoreUnavailable) {
			return err
		}
		if attempt >= maxAttempts {
			return err
		}
		if sleepErr := backoff.Sleep(ctx, e.retry, attempt); sleepErr != nil {
			return err
		}
	}
}

func (e *Executor) appendEvent(ctx context.Context, evt *event.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.AppendEvent(ctx, evt); err != nil {
		e.logger.Warn("append audit event", "job", evt.JobName, "error", err)
	}
}

// sanityCheck validates what the frontend should have set up before a
// job may run. Returns an empty string when the job is consistent.
func sanityCheck(j *job.Job) string {
	if j.Name == "" {
		return "job has no name"
	}
	if j.Directory == "" {
		return "job has no directory"
	}
	if info, err := os.Stat(j.Directory); err != nil || !info.IsDir() {
		return "job directory missing: " + j.Directory
	}
	return ""
}
