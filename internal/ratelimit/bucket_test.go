package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func drained(t *testing.T, capacity int, rate float64) (*Bucket, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBucket(capacity, rate, WithClock(clk.Now))
	for i := 0; i < capacity; i++ {
		require.NoError(t, b.Acquire())
	}
	require.ErrorIs(t, b.Acquire(), ErrRateLimitExceeded)
	return b, clk
}

func TestBucketRefillProperty(t *testing.T) {
	cases := []struct {
		capacity int
		rate     float64
		waitMs   int64
	}{
		{capacity: 5, rate: 10, waitMs: 50},
		{capacity: 5, rate: 10, waitMs: 100},
		{capacity: 5, rate: 10, waitMs: 250},
		{capacity: 14, rate: 14, waitMs: 10_000},
		{capacity: 1, rate: 2, waitMs: 499},
		{capacity: 1, rate: 2, waitMs: 500},
		{capacity: 3, rate: 0.5, waitMs: 1999},
		{capacity: 3, rate: 0.5, waitMs: 2000},
	}
	for _, tc := range cases {
		b, clk := drained(t, tc.capacity, tc.rate)
		clk.Advance(time.Duration(tc.waitMs) * time.Millisecond)

		expectOK := int64(float64(tc.waitMs)*tc.rate/1000) >= 1
		err := b.Acquire()
		if expectOK {
			assert.NoError(t, err, "cap=%d rate=%v wait=%dms", tc.capacity, tc.rate, tc.waitMs)
		} else {
			assert.ErrorIs(t, err, ErrRateLimitExceeded, "cap=%d rate=%v wait=%dms", tc.capacity, tc.rate, tc.waitMs)
		}
		st := b.State()
		assert.LessOrEqual(t, st.Tokens, st.Capacity)
		assert.GreaterOrEqual(t, st.Tokens, 0.0)
	}
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	b, clk := drained(t, 3, 100)
	clk.Advance(time.Hour)
	assert.Equal(t, 3.0, b.Tokens())
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire())
	}
	assert.ErrorIs(t, b.Acquire(), ErrRateLimitExceeded)
}

func TestBucketWaitSleepsForDeficit(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	b := NewBucket(1, 4, WithClock(clk.Now), WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clk.Advance(d)
		return nil
	}))
	require.NoError(t, b.Wait(context.Background(), time.Second))
	require.NoError(t, b.Wait(context.Background(), time.Second))
	require.Len(t, slept, 1)
	assert.Equal(t, 250*time.Millisecond, slept[0])
}

func TestBucketWaitIsBounded(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBucket(1, 0.1, WithClock(clk.Now), WithSleep(func(context.Context, time.Duration) error {
		t.Fatal("should not sleep past maxWait")
		return nil
	}))
	require.NoError(t, b.Acquire())
	err := b.Wait(context.Background(), time.Second)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
}

func TestBucketWaitHonorsCancel(t *testing.T) {
	b := NewBucket(1, 1)
	require.NoError(t, b.Acquire())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Wait(ctx, 5*time.Second), context.Canceled)
}

func TestBucketSetRateClampsTokens(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBucket(10, 10, WithClock(clk.Now))
	b.SetRate(2, 1)
	st := b.State()
	assert.Equal(t, 2.0, st.Tokens)
	assert.Equal(t, 1.0, st.RefillRatePerSecond)
}
