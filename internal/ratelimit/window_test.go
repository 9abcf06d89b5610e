package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowPerCaller(t *testing.T) {
	a := assert.New(t)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewSlidingWindow(3, time.Second, WithWindowClock(clk.Now))

	for i := 0; i < 3; i++ {
		d := w.Allow("ops")
		a.True(d.Allowed)
		a.Equal(2-i, d.Remaining)
		clk.Advance(100 * time.Millisecond)
	}
	d := w.Allow("ops")
	a.False(d.Allowed)
	a.Equal(700*time.Millisecond, d.RetryAfter)

	// Another caller is unaffected.
	a.True(w.Allow("ingest").Allowed)

	clk.Advance(700 * time.Millisecond)
	a.True(w.Allow("ops").Allowed)
}

func TestSlidingWindowDisabled(t *testing.T) {
	w := NewSlidingWindow(0, time.Second)
	for i := 0; i < 100; i++ {
		if !w.Allow("x").Allowed {
			t.Fatal("limit 0 should disable throttling")
		}
	}
}

func TestSlidingWindowPrunesIdleCallers(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := NewSlidingWindow(1, time.Second, WithWindowClock(clk.Now), WithMaxCallers(2))
	w.Allow("a")
	w.Allow("b")
	clk.Advance(2 * time.Second)
	w.Allow("c")
	w.mu.Lock()
	n := len(w.callers)
	w.mu.Unlock()
	assert.Equal(t, 1, n)
}
