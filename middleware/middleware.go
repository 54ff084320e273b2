// Package middleware provides composable middleware around the
// executor's per-job run pipeline (the work between picking a job up
// and recording its outcome).
//
// Middleware are composed with [Chain] and applied right-to-left: the
// first middleware in the list is the outermost wrapper.
//
//	// logging wraps recover wraps the handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
package middleware

import (
	"context"

	"github.com/conveyorq/conveyor/job"
)

// Handler is the terminal function that runs one job.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// job being run and the next handler to call, and must call next to
// continue the chain unless intentionally short-circuiting.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes multiple middleware into a single Middleware.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
