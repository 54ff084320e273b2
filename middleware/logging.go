package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorq/conveyor/job"
)

// Logging returns middleware that logs the start and outcome of each
// job run.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job run started",
			slog.String("job", j.Name),
			slog.String("state", string(j.State)),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job run failed",
				slog.String("job", j.Name),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job run finished",
				slog.String("job", j.Name),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
