// Package engine wires the conveyor subsystems into one deployable
// system: the client façade, the backend executor, the retention
// sweeper, and the REST tier, all sharing a single store, gate, and
// wakeup bus.
//
// This package sits above every subsystem package and below the
// application layer; applications construct a System, register their
// Runner, and serve Handler().
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	conveyor "github.com/conveyorq/conveyor"
	"github.com/conveyorq/conveyor/api"
	"github.com/conveyorq/conveyor/event"
	"github.com/conveyorq/conveyor/executor"
	"github.com/conveyorq/conveyor/gate"
	"github.com/conveyorq/conveyor/job"
	mw "github.com/conveyorq/conveyor/middleware"
	"github.com/conveyorq/conveyor/service"
	"github.com/conveyorq/conveyor/sweep"
)

const instrumentationName = "github.com/conveyorq/conveyor"

// Alerter notifies operators of internal faults and job failures. A
// value passed to WithAlerter is shared by the façade and the executor.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}

// System bundles one deployment's subsystems behind a single Start and
// Stop.
type System struct {
	cfg     conveyor.Config
	gate    *gate.Gate
	bus     *event.Bus
	svc     *service.Service
	exec    *executor.Executor
	sweeper *sweep.Sweeper
	rest    *api.Server
	logger  *slog.Logger

	// Build-time inputs collected from options.
	limiter     gate.Limiter
	alerter     Alerter
	collector   executor.Collector
	janitor     sweep.Janitor
	jobTimeout  time.Duration
	extraMws    []mw.Middleware
	smoothRPS   float64
	smoothBurst int

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger shared by every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(s *System) { s.logger = logger }
}

// WithAlerter sets the operator alerter shared by the façade and the
// executor.
func WithAlerter(a Alerter) Option {
	return func(s *System) { s.alerter = a }
}

// WithLimiter overrides the rate limiter. The default is an in-process
// fixed window sized from Config.RateCeiling and Config.RateWindow; a
// multi-process web tier passes a gate.RedisLimiter here instead.
func WithLimiter(l gate.Limiter) Option {
	return func(s *System) { s.limiter = l }
}

// WithCollector sets the executor's results collector.
func WithCollector(c executor.Collector) Option {
	return func(s *System) { s.collector = c }
}

// WithJanitor sets the sweeper's expiry janitor.
func WithJanitor(j sweep.Janitor) Option {
	return func(s *System) { s.janitor = j }
}

// WithJobTimeout bounds each executor step. Zero means no limit.
func WithJobTimeout(limit time.Duration) Option {
	return func(s *System) { s.jobTimeout = limit }
}

// WithMiddleware appends middleware after the default executor stack.
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(s *System) { s.extraMws = append(s.extraMws, mws...) }
}

// WithSmoothing enables the REST tier's per-IP token bucket.
func WithSmoothing(rps float64, burst int) Option {
	return func(s *System) {
		s.smoothRPS = rps
		s.smoothBurst = burst
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When unset the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *System) { s.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When unset the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *System) { s.meterProvider = mp }
}

// Build assembles a System around one store. The store must implement
// job.Store; job.UserStore and event.Log are optional capabilities
// picked up when the store provides them.
func Build(cfg conveyor.Config, store job.Store, runner executor.Runner, schema service.Schema, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if runner == nil {
		return nil, errors.New("engine: runner is required")
	}

	s := &System{
		cfg:    cfg,
		bus:    event.NewBus(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	users, _ := store.(job.UserStore)
	events, _ := store.(event.Log)

	if s.limiter == nil && cfg.RateCeiling > 0 {
		s.limiter = gate.NewWindowLimiter(cfg.RateCeiling, cfg.RateWindow)
	}
	s.gate = gate.New(users, s.limiter)

	svcOpts := []service.Option{
		service.WithLogger(s.logger),
		service.WithBus(s.bus),
	}
	if events != nil {
		svcOpts = append(svcOpts, service.WithEventLog(events))
	}
	if s.alerter != nil {
		svcOpts = append(svcOpts, service.WithAlerter(s.alerter))
	}
	s.svc = service.New(cfg, store, s.gate, schema, svcOpts...)

	s.exec = executor.New(cfg, store, runner, s.executorOptions(events)...)

	sweepOpts := []sweep.Option{sweep.WithLogger(s.logger)}
	if events != nil {
		sweepOpts = append(sweepOpts, sweep.WithEventLog(events))
	}
	if s.janitor != nil {
		sweepOpts = append(sweepOpts, sweep.WithJanitor(s.janitor))
	}
	sweeper, err := sweep.New(cfg, store, sweepOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: build sweeper: %w", err)
	}
	s.sweeper = sweeper

	apiOpts := []api.Option{api.WithLogger(s.logger)}
	if s.smoothRPS > 0 {
		apiOpts = append(apiOpts, api.WithSmoothing(s.smoothRPS, s.smoothBurst))
	}
	s.rest = api.New(s.svc, s.gate, schema, apiOpts...)

	return s, nil
}

func (s *System) executorOptions(events event.Log) []executor.Option {
	mws := []mw.Middleware{
		mw.Recover(s.logger),
		s.tracingMiddleware(),
		s.metricsMiddleware(),
		mw.Logging(s.logger),
	}
	if s.jobTimeout > 0 {
		mws = append(mws, mw.Timeout(s.jobTimeout))
	}
	mws = append(mws, s.extraMws...)

	opts := []executor.Option{
		executor.WithLogger(s.logger),
		executor.WithBus(s.bus),
		executor.WithMiddleware(mws...),
	}
	if events != nil {
		opts = append(opts, executor.WithEventLog(events))
	}
	if s.alerter != nil {
		opts = append(opts, executor.WithAlerter(s.alerter))
	}
	if s.collector != nil {
		opts = append(opts, executor.WithCollector(s.collector))
	}
	return opts
}

func (s *System) tracingMiddleware() mw.Middleware {
	if s.tracerProvider != nil {
		return mw.TracingWithTracer(s.tracerProvider.Tracer(instrumentationName))
	}
	return mw.Tracing()
}

func (s *System) metricsMiddleware() mw.Middleware {
	if s.meterProvider != nil {
		return mw.MetricsWithMeter(s.meterProvider.Meter(instrumentationName))
	}
	return mw.Metrics()
}

// Start launches the executor and the retention sweeper.
func (s *System) Start(ctx context.Context) error {
	if err := s.exec.Start(ctx); err != nil {
		return fmt.Errorf("engine: start executor: %w", err)
	}
	if err := s.sweeper.Start(ctx); err != nil {
		_ = s.exec.Stop(ctx)
		return fmt.Errorf("engine: start sweeper: %w", err)
	}
	return nil
}

// Stop shuts the subsystems down in reverse start order.
func (s *System) Stop(ctx context.Context) error {
	return errors.Join(s.sweeper.Stop(ctx), s.exec.Stop(ctx))
}

// Handler returns the REST tier's root handler.
func (s *System) Handler() http.Handler { return s.rest.Handler() }

// Service returns the client façade.
func (s *System) Service() *service.Service { return s.svc }

// Executor returns the backend executor.
func (s *System) Executor() *executor.Executor { return s.exec }

// Sweeper returns the retention sweeper.
func (s *System) Sweeper() *sweep.Sweeper { return s.sweeper }

// Gate returns the shared authentication and rate-limit gate.
func (s *System) Gate() *gate.Gate { return s.gate }

// Bus returns the submission wakeup bus.
func (s *System) Bus() *event.Bus { return s.bus }
