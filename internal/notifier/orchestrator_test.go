package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"articlecast/internal/delivery"
	"articlecast/internal/eventbus"
	"articlecast/internal/retry"
	"articlecast/internal/subscribers"
	logx "articlecast/pkg/logx"
)

type fakeAdapter struct {
	ch    delivery.Channel
	batch int

	mu    sync.Mutex
	calls map[string]int
	// fail decides the error of the n-th call (1-based) for an address.
	fail func(addr string, n int) error
}

func newFake(ch delivery.Channel, batch int) *fakeAdapter {
	return &fakeAdapter{ch: ch, batch: batch, calls: map[string]int{}}
}

func (f *fakeAdapter) Channel() delivery.Channel { return f.ch }
func (f *fakeAdapter) RatePerSec() float64       { return 1e6 }
func (f *fakeAdapter) BatchSize() int            { return f.batch }

func (f *fakeAdapter) Send(ctx context.Context, to delivery.Recipient, p delivery.Payload) (delivery.Receipt, error) {
	f.mu.Lock()
	f.calls[to.Address]++
	n := f.calls[to.Address]
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		if err := fail(to.Address, n); err != nil {
			return delivery.Receipt{}, err
		}
	}
	return delivery.Receipt{ProviderMessageID: fmt.Sprintf("%s-%d", to.Address, n)}, nil
}

func (f *fakeAdapter) Classify(err error) delivery.Kind {
	if k, ok := delivery.ClassifyCommon(err); ok {
		return k
	}
	return delivery.Transient
}

func (f *fakeAdapter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func directory(t *testing.T, n int) *subscribers.Memory {
	t.Helper()
	m := subscribers.NewMemory()
	for i := 0; i < n; i++ {
		err := m.Put(context.Background(), subscribers.Subscriber{
			UserID:       fmt.Sprintf("u%03d", i),
			Email:        fmt.Sprintf("u%03d@example.com", i),
			EmailEnabled: true,
			LineUserID:   fmt.Sprintf("U%03d", i),
			LineEnabled:  i%2 == 0,
		})
		require.NoError(t, err)
	}
	return m
}

func noSleep() retry.Executor {
	return retry.Executor{Sleep: func(context.Context, time.Duration) error { return nil }}
}

func newOrchestrator(t *testing.T, dir *subscribers.Memory, bus eventbus.Bus, adapters ...delivery.Adapter) *Orchestrator {
	t.Helper()
	nc := NewContext(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, 3, nil, bus, logx.Nop())
	o, err := New(Config{InboxRetention: 10}, nc, dir, dir, adapters...)
	require.NoError(t, err)
	return o.WithExecutor(noSleep())
}

var article = delivery.Article{ID: "a1", Title: "Amazon S3 update", Summary: "What changed", URL: "https://example.com/a1"}

func TestBroadcastChunksAndCounts(t *testing.T) {
	dir := directory(t, 120)
	email := newFake(delivery.ChannelEmail, 50)
	line := newFake(delivery.ChannelLINE, 50)
	o := newOrchestrator(t, dir, nil, email, line)

	sum, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)

	es := sum.Channels[delivery.ChannelEmail]
	assert.Equal(t, []int{50, 50, 20}, es.Chunks)
	assert.Equal(t, 120, es.Recipients)
	assert.Equal(t, 120, es.Sent)
	assert.Equal(t, 120, email.total())

	ls := sum.Channels[delivery.ChannelLINE]
	assert.Equal(t, []int{50, 10}, ls.Chunks)
	assert.Equal(t, 60, ls.Sent)

	assert.Equal(t, 120, sum.Inbox)
	recs, err := dir.List(context.Background(), "u000")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a1", recs[0].ArticleID)
	assert.Equal(t, 180, sum.Totals().Sent)
}

func TestBroadcastQueuesTransientAndReplays(t *testing.T) {
	dir := directory(t, 10)
	email := newFake(delivery.ChannelEmail, 4)
	down := true
	var mu sync.Mutex
	email.fail = func(addr string, n int) error {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case addr == "u003@example.com":
			return delivery.NewTerminal(delivery.ChannelEmail, "MessageRejected", "rejected", nil)
		case addr == "u007@example.com" && down:
			return delivery.NewTransient(delivery.ChannelEmail, "503", "unavailable", nil)
		}
		return nil
	}
	o := newOrchestrator(t, dir, nil, email)

	sum, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)
	es := sum.Channels[delivery.ChannelEmail]
	assert.Equal(t, 8, es.Sent)
	assert.Equal(t, 1, es.Failed)
	assert.Equal(t, 1, es.Queued)
	assert.Equal(t, 1, o.nc.Ledger.Len())

	// Terminal is tried once, transient up to MaxAttempts.
	email.mu.Lock()
	assert.Equal(t, 1, email.calls["u003@example.com"])
	assert.Equal(t, 3, email.calls["u007@example.com"])
	email.mu.Unlock()

	mu.Lock()
	down = false
	mu.Unlock()
	rep, err := o.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Zero(t, o.nc.Ledger.Len())
}

func TestReplayDropsAtCeiling(t *testing.T) {
	dir := directory(t, 1)
	email := newFake(delivery.ChannelEmail, 10)
	email.fail = func(string, int) error { return errors.New("connection reset") }
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(8, eventbus.DeliveryDropped)
	defer unsub()
	o := newOrchestrator(t, dir, bus, email)

	_, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)
	require.Equal(t, 1, o.nc.Ledger.Len())

	for i := 0; i < 3; i++ {
		_, err := o.Replay(context.Background())
		require.NoError(t, err)
	}
	assert.Zero(t, o.nc.Ledger.Len())
	select {
	case e := <-dropped:
		assert.Equal(t, "a1|u000@example.com|email", e.Data.(eventbus.DeliveryEvent).Key)
	default:
		t.Fatal("no delivery.dropped event")
	}
}

func TestBroadcastTwiceIsDuplicate(t *testing.T) {
	dir := directory(t, 5)
	email := newFake(delivery.ChannelEmail, 50)
	o := newOrchestrator(t, dir, nil, email)

	_, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)
	sum, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)

	es := sum.Channels[delivery.ChannelEmail]
	assert.Equal(t, 5, es.Duplicate)
	assert.Zero(t, es.Sent)
	assert.Equal(t, 5, email.total())
}

func TestBroadcastPublishesSummary(t *testing.T) {
	dir := directory(t, 3)
	bus := eventbus.New()
	done, unsub := bus.Subscribe(4, eventbus.BroadcastFinished)
	defer unsub()
	o := newOrchestrator(t, dir, bus, newFake(delivery.ChannelEmail, 50))

	sum, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)

	h := NewHistory(10, time.Hour)
	select {
	case e := <-done:
		got := e.Data.(Summary)
		assert.Equal(t, sum.RunID, got.RunID)
		h.Add(got)
	default:
		t.Fatal("no broadcast.finished event")
	}
	got, ok := h.Get(sum.RunID)
	require.True(t, ok)
	assert.Equal(t, 3, got.Totals().Sent)
}

func TestBroadcastRejectsInvalidArticle(t *testing.T) {
	o := newOrchestrator(t, directory(t, 1), nil, newFake(delivery.ChannelEmail, 50))
	_, err := o.BroadcastNewArticle(context.Background(), delivery.Article{Title: "no id"})
	assert.ErrorIs(t, err, ErrInvalidArticle)
}

type failingDir struct{}

func (failingDir) ListEnabled(context.Context, delivery.Channel) ([]delivery.Recipient, error) {
	return nil, errors.New("db down")
}

func TestBroadcastReportsDirectoryErrors(t *testing.T) {
	nc := NewContext(retry.Policy{}, 3, nil, nil, logx.Nop())
	o, err := New(Config{}, nc, failingDir{}, nil, newFake(delivery.ChannelEmail, 50))
	require.NoError(t, err)
	sum, err := o.BroadcastNewArticle(context.Background(), article)
	require.Error(t, err)
	assert.Equal(t, "db down", sum.Channels[delivery.ChannelEmail].Error)
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(2, time.Hour)
	base := time.Now()
	for i := 0; i < 3; i++ {
		h.Add(Summary{RunID: fmt.Sprint(i), StartedAt: base.Add(time.Duration(i) * time.Second)})
	}
	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].RunID)
	_, ok := h.Get("0")
	assert.False(t, ok)
}

type webhookOnly struct {
	*fakeAdapter
	hook string
}

func (w webhookOnly) DMEnabled() bool { return false }
func (w webhookOnly) WebhookTargets() []delivery.Recipient {
	return []delivery.Recipient{{Address: w.hook}}
}

func TestBroadcastCountsUnreachableRecipients(t *testing.T) {
	dir := subscribers.NewMemory()
	for i := 0; i < 3; i++ {
		require.NoError(t, dir.Put(context.Background(), subscribers.Subscriber{
			UserID:         fmt.Sprintf("u%d", i),
			DiscordUserID:  fmt.Sprintf("10%d", i),
			DiscordEnabled: true,
		}))
	}
	d := webhookOnly{fakeAdapter: newFake(delivery.ChannelDiscord, 10), hook: "https://discord.com/api/webhooks/1/x"}
	o := newOrchestrator(t, dir, nil, d)

	sum, err := o.BroadcastNewArticle(context.Background(), article)
	require.NoError(t, err)
	cs := sum.Channels[delivery.ChannelDiscord]
	assert.Equal(t, 3, cs.Skipped)
	assert.Equal(t, 1, cs.Recipients)
	assert.Equal(t, 1, cs.Sent)
	assert.Equal(t, 3, sum.Totals().Skipped)
	assert.Equal(t, 1, d.total())
}
