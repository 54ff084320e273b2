package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/conveyorq/conveyor/job"
)

// Recover returns middleware that recovers from panics in the run
// pipeline. Panics become ordinary errors, so a panicking runner fails
// one job instead of killing the executor.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job run panicked",
					slog.String("job", j.Name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic running job %s: %v", j.Name, r)
			}
		}()
		return next(ctx)
	}
}
