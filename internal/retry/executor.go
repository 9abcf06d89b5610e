package retry

import (
	"context"
	"time"

	"articlecast/internal/delivery"
)

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// Result is the settled outcome of Executor.Do.
type Result struct {
	Attempts int
	// Waited is the total backoff slept between attempts.
	Waited time.Duration
	// Err is nil on success.
	Err *delivery.Error
}

func (r Result) OK() bool { return r.Err == nil }

// Executor runs operations under a Policy. The zero value sleeps on real
// timers.
type Executor struct {
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err *delivery.Error)
}

// Do calls op until it succeeds, fails with a non-transient error, or the
// policy runs out of attempts. Errors are classified with classify and
// wrapped as channel ch. A transient error carrying RetryAfter is waited for
// exactly that long. Cancellation during a wait ends the run with the
// context error classified as transient.
func (e Executor) Do(ctx context.Context, p Policy, ch delivery.Channel, classify func(error) delivery.Kind, op Op) Result {
	p = p.Normalize()
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var res Result
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = delivery.Wrap(ch, err, classify)
			return res
		}
		res.Attempts = attempt
		err := op(ctx, attempt)
		if err == nil {
			res.Err = nil
			return res
		}
		derr := delivery.Wrap(ch, err, classify)
		res.Err = derr
		if derr.Kind != delivery.Transient || attempt >= p.MaxAttempts {
			return res
		}

		delay := derr.RetryAfter
		if delay <= 0 {
			delay = p.Delay(attempt)
		}
		if e.OnRetry != nil {
			e.OnRetry(attempt, delay, derr)
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return res
			}
			res.Waited += delay
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	}
}
