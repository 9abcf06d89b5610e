package supervisor

import (
	"context"
	"math/rand/v2"
	"time"

	logx "articlecast/pkg/logx"
)

// healthyRun is how long a run must last before the backoff starts over.
const healthyRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	limit       int // 0: unlimited
	fatal       bool
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.floor = lo
		}
		if hi > 0 {
			p.ceil = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run is not counted.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.limit = max(n, 0) }
}

// WithFatalOnGiveUp records the last error as the supervisor error when the
// restart limit is reached.
func WithFatalOnGiveUp() RestartOption { return func(p *restartPolicy) { p.fatal = true } }

// GoRestart runs fn and restarts it after errors or panics for as long as
// the context lives. A nil return ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	if p.ceil < p.floor {
		p.ceil = p.floor
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, p)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	delay := p.floor
	for n := 0; ; n++ {
		began := time.Now()
		err := s.invoke(name, n > 0, fn)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		if p.limit > 0 && n >= p.limit {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
			if p.fatal {
				s.record(err)
			}
			return
		}
		if time.Since(began) >= healthyRun {
			delay = p.floor
		}
		wait := withJitter(delay)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		if !s.sleep(wait) {
			return
		}
		delay = min(delay*2, p.ceil)
	}
}

// sleep waits for d and reports false if the context ended first.
func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// withJitter adds up to 20% of d.
func withJitter(d time.Duration) time.Duration {
	if spread := d / 5; spread > 0 {
		return d + rand.N(spread+1)
	}
	return d
}
