package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorq/conveyor/job"
)

// meterName is the instrumentation scope name for conveyor metrics.
const meterName = "github.com/conveyorq/conveyor"

// Metrics returns middleware that records per-run metrics using the
// global OTel MeterProvider. With no provider configured the
// instruments are noops and the middleware is a pass-through.
//
// Instruments:
//   - conveyor.job.run.duration (Float64Histogram): run time in seconds,
//     with attributes: state, status ("ok" or "error")
//   - conveyor.job.runs (Int64Counter): total runs,
//     with attributes: state, status ("ok" or "error")
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once. On error the OTel API returns noop
	// instruments, so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"conveyor.job.run.duration",
		metric.WithDescription("Duration of one job run pipeline step in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	runs, rErr := meter.Int64Counter(
		"conveyor.job.runs",
		metric.WithDescription("Total number of job run pipeline steps"),
		metric.WithUnit("{run}"),
	)
	_ = rErr

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("state", string(j.State)),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		runs.Add(ctx, 1, attrs)

		return err
	}
}
