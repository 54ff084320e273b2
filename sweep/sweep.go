// Package sweep runs the periodic retention sweeps: COMPLETED jobs move
// to ARCHIVED once their archive deadline passes, ARCHIVED jobs move to
// EXPIRED after the expire deadline. Both passes use compare-and-set
// transitions, so a sweep never races a concurrent reader into a
// half-transitioned row and two sweepers never double-apply.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/backoff"
	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/job"
)

// cronParser supports standard 5-field cron and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Janitor removes a job's data when it expires. Results are gone from
// the protocol the moment the row says EXPIRED; the janitor reclaims
// the disk afterwards.
type Janitor interface {
	Cleanup(ctx context.Context, j *job.Job) error
}

// Sweeper runs the archival and expiry passes on a cron schedule.
type Sweeper struct {
	cfg      conveyor.Config
	store    job.Store
	events   event.Log
	janitor  Janitor
	schedule cronlib.Schedule
	retry    backoff.Strategy
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithEventLog sets the transition audit log.
func WithEventLog(l event.Log) Option {
	return func(s *Sweeper) { s.events = l }
}

// WithJanitor sets the janitor invoked after expiry.
func WithJanitor(j Janitor) Option {
	return func(s *Sweeper) { s.janitor = j }
}

// WithBackoff sets the retry strategy used when the store is
// unavailable.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Sweeper) { s.retry = b }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper from the config's sweep schedule.
func New(cfg conveyor.Config, store job.Store, opts ...Option) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sweep: parse schedule %q: %w", cfg.SweepSchedule, err)
	}

	s := &Sweeper{
		cfg:      cfg,
		store:    store,
		schedule: schedule,
		retry:    backoff.Default(),
		logger:   slog.Default(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the schedule loop. It returns immediately.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("retention sweeper starting",
		slog.String("schedule", s.cfg.SweepSchedule))

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.RunOnce(context.Background())
	}
}

// RunOnce performs one archival pass followed by one expiry pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now().UTC()

	if s.cfg.Archive != conveyor.Never {
		s.archivePass(ctx, now)
	}
	if s.cfg.Expire != conveyor.Never {
		s.expirePass(ctx, now)
	}
}

// archivePass moves COMPLETED jobs whose archive deadline has passed
// to ARCHIVED. Results stay readable.
func (s *Sweeper) archivePass(ctx context.Context, now time.Time) {
	for _, j := range s.listDue(ctx, job.StateCompleted, now) {
		err := s.advance(ctx, j.Name, job.StateCompleted, job.StateArchived, "archive deadline passed")
		if err != nil {
			s.logger.Error("archive sweep",
				slog.String("job", j.Name), slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("job archived", slog.String("job", j.Name))
	}
}

// expirePass moves ARCHIVED jobs past their expire deadline to EXPIRED
// and hands their data to the janitor. EXPIRED is a logical terminal
// state; the row itself is never deleted.
func (s *Sweeper) expirePass(ctx context.Context, now time.Time) {
	for _, j := range s.listDue(ctx, job.StateArchived, now) {
		err := s.advance(ctx, j.Name, job.StateArchived, job.StateExpired, "expire deadline passed")
		if err != nil {
			s.logger.Error("expire sweep",
				slog.String("job", j.Name), slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("job expired", slog.String("job", j.Name))

		if s.janitor != nil {
			if err := s.janitor.Cleanup(ctx, j); err != nil {
				s.logger.Warn("janitor cleanup",
					slog.String("job", j.Name), slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Sweeper) listDue(ctx context.Context, state job.State, now time.Time) []*job.Job {
	var jobs []*job.Job
	err := s.withRetry(ctx, func() error {
		var listErr error
		jobs, listErr = s.store.ListJobsByState(ctx, state, job.ListOpts{DueBefore: now})
		return listErr
	})
	if err != nil {
		s.logger.Error("listing due jobs failed",
			slog.String("state", string(state)), slog.String("error", err.Error()))
		return nil
	}
	return jobs
}

// advance performs the CAS transition. A conflict means another actor
// already moved the job; that counts as done.
func (s *Sweeper) advance(ctx context.Context, name string, from, to job.State, reason string) error {
	err := s.withRetry(ctx, func() error {
		return s.store.AdvanceState(ctx, name, from, to, job.Update{})
	})
	if errors.Is(err, conveyor.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	if s.events != nil {
		evt := &event.Event{JobName: name, From: from, To: to, Reason: reason, At: s.now()}
		if logErr := s.events.AppendEvent(ctx, evt); logErr != nil {
			s.logger.Warn("append audit event", "job", name, "error", logErr)
		}
	}
	return nil
}

func (s *Sweeper) withRetry(ctx context.Context, op func() error) error {
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
		if sleepErr := backoff.Sleep(ctx, s.retry, attempt); sleepErr != nil {
			return err
		}
	}
}
