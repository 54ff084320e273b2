package gate

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of charging one operation against a client's
// rate allowance.
type Decision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool

	// Remaining is the number of operations left in the current window.
	// Negative means unlimited.
	Remaining int

	// ResetAfter is how long until the current window ends and the
	// allowance refills.
	ResetAfter time.Duration
}

// Limiter throttles operations per client identity. Counters for
// distinct keys are independent; implementations must increment a
// single key atomically.
type Limiter interface {
	// Allow charges one operation against key and returns the decision.
	// An operation over the ceiling is still counted, so a client that
	// keeps hammering keeps a full window between allowances.
	Allow(ctx context.Context, key string) (Decision, error)
}

// windowState tracks one client's counter within the current window.
type windowState struct {
	start time.Time
	count int
}

// WindowLimiter is an in-memory fixed-window Limiter: at most ceiling
// operations per key per window. Safe for concurrent use. Suitable for
// a single-process web tier; use RedisLimiter when several processes
// must share counters.
type WindowLimiter struct {
	ceiling int
	window  time.Duration
	now     func() time.Time

	mu        sync.Mutex
	clients   map[string]*windowState
	lastPurge time.Time
}

// NewWindowLimiter creates a WindowLimiter with the given ceiling and
// window.
func NewWindowLimiter(ceiling int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		ceiling: ceiling,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*windowState),
	}
}

// Allow charges one operation against key.
func (l *WindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)
	st := l.clients[key]
	if st == nil || now.Sub(st.start) >= l.window {
		st = &windowState{start: now}
		l.clients[key] = st
	}
	st.count++

	remaining := l.ceiling - st.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    st.count <= l.ceiling,
		Remaining:  remaining,
		ResetAfter: st.start.Add(l.window).Sub(now),
	}, nil
}

// purge drops counters whose window has ended, at most once per window,
// so the map cannot grow without bound across many distinct clients.
// Callers must hold l.mu.
func (l *WindowLimiter) purge(now time.Time) {
	if now.Sub(l.lastPurge) < l.window {
		return
	}
	l.lastPurge = now
	for key, st := range l.clients {
		if now.Sub(st.start) >= l.window {
			delete(l.clients, key)
		}
	}
}
