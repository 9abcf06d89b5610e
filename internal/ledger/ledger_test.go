package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"articlecast/internal/delivery"
	"articlecast/internal/storage"
	logx "articlecast/pkg/logx"
)

func req(i int) delivery.Request {
	r := delivery.Recipient{UserID: fmt.Sprintf("u%d", i), Address: fmt.Sprintf("U%d", i)}
	return delivery.NewRequest(r, delivery.ChannelLINE, delivery.Payload{ArticleID: "a1", Text: "hi"})
}

func transientErr() *delivery.Error {
	return delivery.NewTransient(delivery.ChannelLINE, "503", "unavailable", nil)
}

// deliverAll answers every entry with the same outcome shape.
func deliverAll(success bool, kind delivery.Kind) DeliverFunc {
	return func(ctx context.Context, es []Entry) []delivery.Outcome {
		out := make([]delivery.Outcome, len(es))
		for i, e := range es {
			out[i] = delivery.Outcome{Request: e.Request, Success: success, Attempts: 1}
			if !success {
				out[i].Err = &delivery.Error{Kind: kind, Channel: e.Request.Channel, Message: "still failing"}
			}
		}
		return out
	}
}

func TestReplaySuccessRemoves(t *testing.T) {
	l := New(3, logx.Nop())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.Enqueue(ctx, req(i), transientErr())
	}
	require.Equal(t, 4, l.Len())

	rep, err := l.Replay(ctx, deliverAll(true, ""))
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Attempted)
	assert.Equal(t, 4, rep.Succeeded)
	assert.Zero(t, l.Len())
}

func TestReplayCeilingDrops(t *testing.T) {
	ctx := context.Background()
	const ceiling = 3
	l := New(ceiling, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())

	calls := 0
	fail := deliverAll(false, delivery.Transient)
	counting := func(ctx context.Context, es []Entry) []delivery.Outcome {
		calls += len(es)
		return fail(ctx, es)
	}

	for pass := 1; pass < ceiling; pass++ {
		rep, err := l.Replay(ctx, counting)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Requeued, "pass %d", pass)
		e, err := l.Get(req(1).DedupeKey)
		require.NoError(t, err)
		assert.Equal(t, pass, e.RetryCount)
	}
	rep, err := l.Replay(ctx, counting)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Zero(t, l.Len())
	assert.Equal(t, ceiling, calls)

	_, err = l.Get(req(1).DedupeKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayDropsAtCeilingWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	l := New(5, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())
	l.mu.Lock()
	l.entries[req(1).DedupeKey].RetryCount = 2
	l.mu.Unlock()

	l.SetCeiling(2)
	called := false
	rep, err := l.Replay(ctx, func(ctx context.Context, es []Entry) []delivery.Outcome {
		called = len(es) > 0
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, 1, rep.Dropped)
	assert.Zero(t, rep.Attempted)
}

func TestReplayTerminalDrops(t *testing.T) {
	ctx := context.Background()
	l := New(5, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())
	rep, err := l.Replay(ctx, deliverAll(false, delivery.Terminal))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Equal(t, ActionDropped, rep.Results[0].Action)
	assert.Zero(t, l.Len())
}

func TestReplayKeepsConcurrentEnqueues(t *testing.T) {
	ctx := context.Background()
	l := New(5, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())

	rep, err := l.Replay(ctx, func(ctx context.Context, es []Entry) []delivery.Outcome {
		// Arrives mid-pass; must survive it untouched.
		l.Enqueue(ctx, req(2), transientErr())
		return deliverAll(true, "")(ctx, es)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	require.Equal(t, 1, l.Len())
	e, err := l.Get(req(2).DedupeKey)
	require.NoError(t, err)
	assert.Zero(t, e.RetryCount)
}

func TestReplaySingleFlight(t *testing.T) {
	ctx := context.Background()
	l := New(5, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = l.Replay(ctx, func(ctx context.Context, es []Entry) []delivery.Outcome {
			close(entered)
			<-release
			return deliverAll(true, "")(ctx, es)
		})
	}()
	<-entered
	_, err := l.Replay(ctx, deliverAll(true, ""))
	assert.ErrorIs(t, err, ErrReplayRunning)
	close(release)
	wg.Wait()
}

func TestReplayLeavesUnsentEntries(t *testing.T) {
	ctx := context.Background()
	l := New(5, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())
	rep, err := l.Replay(ctx, func(ctx context.Context, es []Entry) []delivery.Outcome {
		return []delivery.Outcome{{Request: es[0].Request, Err: delivery.NewTransient(delivery.ChannelLINE, "", "canceled before send", context.Canceled)}}
	})
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
	e, err := l.Get(req(1).DedupeKey)
	require.NoError(t, err)
	assert.Zero(t, e.RetryCount)
}

func TestEnqueueExistingKeepsRetryCount(t *testing.T) {
	ctx := context.Background()
	l := New(5, logx.Nop())
	l.Enqueue(ctx, req(1), transientErr())
	_, _ = l.Replay(ctx, deliverAll(false, delivery.Transient))
	e := l.Enqueue(ctx, req(1), delivery.NewTransient(delivery.ChannelLINE, "429", "slow down", nil))
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, 1, l.Len())
	assert.Contains(t, e.LastMessage, "slow down")
}

func TestDurableMirrorAndRestore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	l := New(5, logx.Nop(), WithStore(st), WithClock(func() time.Time { return now }))
	for i := 0; i < 3; i++ {
		l.Enqueue(ctx, req(i), transientErr())
	}
	l.Remove(ctx, req(0).DedupeKey)
	require.NoError(t, st.Close())

	st, err = storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	restored := New(5, logx.Nop(), WithStore(st))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	snap := restored.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, req(1).DedupeKey, snap[0].Key())
	assert.Equal(t, delivery.Transient, snap[0].LastError)
	assert.True(t, snap[0].EnqueuedAt.Equal(now))

	// Successful replay clears the mirror too.
	_, err = restored.Replay(ctx, deliverAll(true, ""))
	require.NoError(t, err)
	left, err := st.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}
