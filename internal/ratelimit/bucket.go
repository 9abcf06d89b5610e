package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Bucket is a token bucket guarding outbound provider calls.
//
// Tokens are refilled lazily from the elapsed time on every call; there is no
// background goroutine. Invariant: 0 <= tokens <= capacity.
type Bucket struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type BucketOption func(*Bucket)

// WithClock replaces time.Now. Tests drive the bucket with a fake clock.
func WithClock(now func() time.Time) BucketOption {
	return func(b *Bucket) { b.now = now }
}

// WithSleep replaces the wait used by Wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) BucketOption {
	return func(b *Bucket) { b.sleep = sleep }
}

// NewBucket returns a full bucket. capacity < 1 is raised to 1 and a
// non-positive rate disables refill.
func NewBucket(capacity int, refillPerSecond float64, opts ...BucketOption) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	b := &Bucket{
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(b)
	}
	b.tokens = b.capacity
	b.lastRefill = b.now()
	return b
}

// refillLocked applies tokens = min(capacity, tokens + elapsed*rate).
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.refillRate)
	b.lastRefill = now
}

// Acquire consumes exactly one token or fails immediately with
// ErrRateLimitExceeded.
func (b *Bucket) Acquire() error {
	_, err := b.tryAcquire()
	return err
}

// tryAcquire returns the time until one token is available when it fails.
func (b *Bucket) tryAcquire() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	if b.tokens >= 1 {
		b.tokens--
		return 0, nil
	}
	if b.refillRate <= 0 {
		return -1, ErrRateLimitExceeded
	}
	deficit := 1 - b.tokens
	return time.Duration(math.Ceil(deficit / b.refillRate * float64(time.Second))), ErrRateLimitExceeded
}

// Wait acquires a token, sleeping for the refill deficit between attempts.
// It gives up with ErrRateLimitExceeded once the next token is further away
// than maxWait in total, and with ctx.Err() on cancellation. It never blocks
// indefinitely: maxWait <= 0 means a single Acquire.
func (b *Bucket) Wait(ctx context.Context, maxWait time.Duration) error {
	var waited time.Duration
	for {
		d, err := b.tryAcquire()
		if err == nil {
			return nil
		}
		if d < 0 || waited+d > maxWait {
			return ErrRateLimitExceeded
		}
		if err := b.sleep(ctx, d); err != nil {
			return err
		}
		waited += d
	}
}

// Tokens returns the refilled token count without consuming one.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

// SetRate changes capacity and refill rate, clamping current tokens to the new
// capacity. Used on config reload.
func (b *Bucket) SetRate(capacity int, refillPerSecond float64) {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	b.capacity = float64(capacity)
	b.refillRate = refillPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// State is a point-in-time copy of the bucket.
type State struct {
	Tokens              float64
	Capacity            float64
	RefillRatePerSecond float64
	LastRefillAt        time.Time
}

func (b *Bucket) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Tokens: b.tokens, Capacity: b.capacity, RefillRatePerSecond: b.refillRate, LastRefillAt: b.lastRefill}
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
