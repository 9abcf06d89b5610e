package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// SlidingWindow throttles inbound API calls per caller identity.
//
// Each caller owns a ring of its last Limit request timestamps. A request is
// allowed when the oldest timestamp in the ring has left the window. Bucket
// guards provider quotas; SlidingWindow guards this service from its callers.
type SlidingWindow struct {
	mu sync.Mutex

	limit  int
	window time.Duration
	now    func() time.Time

	callers map[string]*ring
	// maxCallers bounds memory; idle rings are pruned when it is exceeded.
	maxCallers int
}

type ring struct {
	stamps []time.Time
	point  int
	last   time.Time
}

// Decision is the outcome of SlidingWindow.Allow.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewSlidingWindow allows limit requests per window per caller. limit <= 0
// disables throttling.
func NewSlidingWindow(limit int, window time.Duration, opts ...WindowOption) *SlidingWindow {
	w := &SlidingWindow{
		limit:      limit,
		window:     window,
		now:        time.Now,
		callers:    map[string]*ring{},
		maxCallers: 10000,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type WindowOption func(*SlidingWindow)

func WithWindowClock(now func() time.Time) WindowOption {
	return func(w *SlidingWindow) { w.now = now }
}

func WithMaxCallers(n int) WindowOption {
	return func(w *SlidingWindow) {
		if n > 0 {
			w.maxCallers = n
		}
	}
}

// Allow records a request for key when it fits in the window.
func (w *SlidingWindow) Allow(key string) Decision {
	if w.limit <= 0 || w.window <= 0 {
		return Decision{Allowed: true, Limit: w.limit}
	}
	key = strings.TrimSpace(key)
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	r := w.callers[key]
	if r == nil {
		if len(w.callers) >= w.maxCallers {
			w.pruneLocked(now)
		}
		r = &ring{stamps: make([]time.Time, w.limit), point: -1}
		w.callers[key] = r
	}

	next := r.point + 1
	if next >= len(r.stamps) {
		next = 0
	}
	oldest := r.stamps[next]
	if !oldest.IsZero() && now.Sub(oldest) < w.window {
		return Decision{
			Allowed:    false,
			Limit:      w.limit,
			Remaining:  0,
			RetryAfter: w.window - now.Sub(oldest),
		}
	}
	r.point = next
	r.stamps[next] = now
	r.last = now
	return Decision{Allowed: true, Limit: w.limit, Remaining: r.remaining(now, w.window)}
}

func (r *ring) remaining(now time.Time, window time.Duration) int {
	used := 0
	for _, ts := range r.stamps {
		if !ts.IsZero() && now.Sub(ts) < window {
			used++
		}
	}
	return len(r.stamps) - used
}

// pruneLocked drops callers whose newest request is outside the window.
func (w *SlidingWindow) pruneLocked(now time.Time) {
	for k, r := range w.callers {
		if now.Sub(r.last) >= w.window {
			delete(w.callers, k)
		}
	}
}
