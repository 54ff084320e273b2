package middleware

import (
	"context"
	"time"

	"github.com/conveyorq/conveyor/job"
)

// Timeout returns middleware that bounds each run pipeline step with a
// deadline. Store calls and runner handoffs under it observe the
// cancellation; a zero limit disables the deadline.
func Timeout(limit time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
