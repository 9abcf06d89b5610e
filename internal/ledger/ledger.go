// Package ledger holds notifications whose retries ran out, so they can be
// replayed later through the normal send pipeline.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"articlecast/internal/delivery"
	"articlecast/internal/storage"
	logx "articlecast/pkg/logx"
)

var (
	ErrNotFound      = errors.New("ledger entry not found")
	ErrReplayRunning = errors.New("ledger replay already running")
)

const (
	DefaultCeiling    = 5
	storeWriteTimeout = 2 * time.Second
)

// Entry is a failed notification waiting for replay.
type Entry struct {
	Request     delivery.Request `json:"request"`
	LastError   delivery.Kind    `json:"last_error"`
	LastMessage string           `json:"last_message,omitempty"`
	RetryCount  int              `json:"retry_count"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
}

func (e Entry) Key() string { return e.Request.DedupeKey }

// Action is what a replay pass did with an entry.
type Action string

const (
	ActionRemoved  Action = "removed"
	ActionRequeued Action = "requeued"
	ActionDropped  Action = "dropped"
)

type ReplayResult struct {
	Entry   Entry
	Outcome delivery.Outcome
	Action  Action
}

// ReplayReport summarizes one pass.
type ReplayReport struct {
	Attempted int
	Succeeded int
	Requeued  int
	Dropped   int
	Remaining int
	Results   []ReplayResult
}

// DeliverFunc re-attempts a batch of entries and returns one outcome per
// entry, in order.
type DeliverFunc func(ctx context.Context, entries []Entry) []delivery.Outcome

// Ledger is a mutex-guarded set of entries keyed by dedupe key, mirrored to
// an optional storage.Store.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ceiling int

	replaying bool

	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Ledger)

func WithStore(st storage.Store) Option { return func(l *Ledger) { l.store = st } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New returns an empty ledger. ceiling <= 0 uses DefaultCeiling.
func New(ceiling int, log logx.Logger, opts ...Option) *Ledger {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		entries: map[string]*Entry{},
		ceiling: ceiling,
		log:     log.With(logx.String("comp", "ledger")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) Ceiling() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling
}

// SetCeiling changes the replay ceiling. It takes effect on the next pass.
func (l *Ledger) SetCeiling(n int) {
	if n <= 0 {
		n = DefaultCeiling
	}
	l.mu.Lock()
	l.ceiling = n
	l.mu.Unlock()
}

// Enqueue records a request whose retries were exhausted. Enqueuing a key
// that is already present refreshes its last error and keeps its retry
// count.
func (l *Ledger) Enqueue(ctx context.Context, req delivery.Request, cause *delivery.Error) Entry {
	kind := delivery.Transient
	msg := ""
	if cause != nil {
		kind = cause.Kind
		msg = cause.Error()
	}

	l.mu.Lock()
	e, ok := l.entries[req.DedupeKey]
	if ok {
		e.Request = req
		e.LastError = kind
		e.LastMessage = msg
	} else {
		e = &Entry{Request: req, LastError: kind, LastMessage: msg, EnqueuedAt: l.now()}
		l.entries[req.DedupeKey] = e
	}
	cp := *e
	l.mu.Unlock()

	l.persist(ctx, cp)
	l.log.Debug("entry queued", logx.String("key", cp.Key()), logx.String("kind", string(kind)), logx.Int("retry_count", cp.RetryCount))
	return cp
}

// Snapshot returns a copy of all entries, oldest first.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()
	sortEntries(out)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Get(key string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// Remove deletes key and reports whether it was present.
func (l *Ledger) Remove(ctx context.Context, key string) bool {
	l.mu.Lock()
	_, ok := l.entries[key]
	delete(l.entries, key)
	l.mu.Unlock()
	if ok {
		l.unpersist(ctx, key)
	}
	return ok
}

// Replay re-attempts every entry present when the pass starts. Successes are
// removed, terminal failures are dropped, transient failures increment the
// retry count and are dropped once it reaches the ceiling. Entries already
// at the ceiling are dropped without another attempt. Entries enqueued while
// the pass runs are left for the next one.
func (l *Ledger) Replay(ctx context.Context, deliver DeliverFunc) (ReplayReport, error) {
	l.mu.Lock()
	if l.replaying {
		l.mu.Unlock()
		return ReplayReport{}, ErrReplayRunning
	}
	l.replaying = true
	ceiling := l.ceiling
	snap := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		snap = append(snap, *e)
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.replaying = false
		l.mu.Unlock()
	}()
	sortEntries(snap)

	var rep ReplayReport
	var due []Entry
	for _, e := range snap {
		if e.RetryCount >= ceiling {
			l.drop(ctx, e, &rep, delivery.Outcome{Request: e.Request})
			continue
		}
		due = append(due, e)
	}

	if len(due) > 0 && ctx.Err() == nil {
		outcomes := deliver(ctx, due)
		for i, e := range due {
			var o delivery.Outcome
			if i < len(outcomes) {
				o = outcomes[i]
			} else {
				o = delivery.Outcome{Request: e.Request, Err: delivery.NewTransient(e.Request.Channel, "", "no outcome", nil)}
			}
			if o.Attempts == 0 && !o.Success && !o.Duplicate {
				// Never sent (canceled before its turn); keep as is.
				continue
			}
			rep.Attempted++
			switch {
			case o.Success:
				l.Remove(ctx, e.Key())
				rep.Succeeded++
				rep.Results = append(rep.Results, ReplayResult{Entry: e, Outcome: o, Action: ActionRemoved})
			case o.Kind() == delivery.Terminal || o.Kind() == delivery.Configuration:
				l.drop(ctx, e, &rep, o)
			default:
				l.requeue(ctx, e, o, ceiling, &rep)
			}
		}
	}

	rep.Remaining = l.Len()
	if rep.Attempted > 0 || rep.Dropped > 0 {
		l.log.Info("replay pass finished",
			logx.Int("attempted", rep.Attempted),
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("requeued", rep.Requeued),
			logx.Int("dropped", rep.Dropped),
			logx.Int("remaining", rep.Remaining),
		)
	}
	return rep, ctx.Err()
}

func (l *Ledger) requeue(ctx context.Context, e Entry, o delivery.Outcome, ceiling int, rep *ReplayReport) {
	l.mu.Lock()
	cur, ok := l.entries[e.Key()]
	if !ok {
		l.mu.Unlock()
		return
	}
	cur.RetryCount++
	if o.Err != nil {
		cur.LastError = o.Err.Kind
		cur.LastMessage = o.Err.Error()
	}
	cp := *cur
	l.mu.Unlock()

	if cp.RetryCount >= ceiling {
		l.drop(ctx, cp, rep, o)
		return
	}
	l.persist(ctx, cp)
	rep.Requeued++
	rep.Results = append(rep.Results, ReplayResult{Entry: cp, Outcome: o, Action: ActionRequeued})
}

func (l *Ledger) drop(ctx context.Context, e Entry, rep *ReplayReport, o delivery.Outcome) {
	if !l.Remove(ctx, e.Key()) {
		return
	}
	rep.Dropped++
	rep.Results = append(rep.Results, ReplayResult{Entry: e, Outcome: o, Action: ActionDropped})
	fields := []logx.Field{
		logx.String("key", e.Key()),
		logx.String("channel", string(e.Request.Channel)),
		logx.Int("retry_count", e.RetryCount),
		logx.String("last_error", string(e.LastError)),
	}
	if o.Err != nil {
		fields = append(fields, logx.String("err", o.Err.Error()))
	}
	l.log.Warn("ledger entry dropped", fields...)
}

// Restore loads persisted entries into memory. Keys already present win.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	recs, err := l.store.ListFailed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	l.mu.Lock()
	for _, r := range recs {
		if _, ok := l.entries[r.Key]; ok {
			continue
		}
		e := fromRecord(r)
		l.entries[r.Key] = &e
		n++
	}
	l.mu.Unlock()
	if n > 0 {
		l.log.Info("ledger restored", logx.Int("entries", n))
	}
	return n, nil
}

func (l *Ledger) persist(ctx context.Context, e Entry) {
	if l.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := l.store.PutFailed(cctx, toRecord(e, l.now())); err != nil {
		l.log.Warn("ledger persist failed", logx.String("key", e.Key()), logx.Err(err))
	}
}

func (l *Ledger) unpersist(ctx context.Context, key string) {
	if l.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := l.store.DeleteFailed(cctx, key); err != nil {
		l.log.Warn("ledger delete failed", logx.String("key", key), logx.Err(err))
	}
}

func toRecord(e Entry, now time.Time) storage.FailedRecord {
	return storage.FailedRecord{
		Key:         e.Key(),
		Request:     e.Request,
		LastError:   e.LastError,
		LastMessage: e.LastMessage,
		RetryCount:  e.RetryCount,
		EnqueuedAt:  e.EnqueuedAt,
		UpdatedAt:   now,
	}
}

func fromRecord(r storage.FailedRecord) Entry {
	req := r.Request
	if req.DedupeKey == "" {
		req.DedupeKey = r.Key
	}
	return Entry{
		Request:     req,
		LastError:   r.LastError,
		LastMessage: r.LastMessage,
		RetryCount:  r.RetryCount,
		EnqueuedAt:  r.EnqueuedAt,
	}
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].EnqueuedAt.Equal(es[j].EnqueuedAt) {
			return es[i].EnqueuedAt.Before(es[j].EnqueuedAt)
		}
		return es[i].Key() < es[j].Key()
	})
}
