package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"articlecast/internal/delivery"
	"articlecast/internal/dispatch"
	"articlecast/internal/eventbus"
	"articlecast/internal/ledger"
	"articlecast/internal/ratelimit"
	"articlecast/internal/retry"
	"articlecast/internal/storage"
	"articlecast/internal/subscribers"
	logx "articlecast/pkg/logx"
)

var (
	ErrInvalidArticle = errors.New("invalid article")
	ErrNoChannels     = errors.New("no delivery channels configured")
)

// Config tunes the orchestrator. Zero values take defaults.
type Config struct {
	// SentTTL is how long a delivered dedupe key suppresses a resend.
	SentTTL time.Duration
	// InboxRetention caps in-app records per user. 0 disables the inbox.
	InboxRetention int
	// LimiterWait bounds how long one attempt waits for a bucket token.
	LimiterWait time.Duration
	// SendTimeout bounds one provider call.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SentTTL <= 0 {
		c.SentTTL = 72 * time.Hour
	}
	if c.InboxRetention < 0 {
		c.InboxRetention = 0
	}
	if c.LimiterWait <= 0 {
		c.LimiterWait = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// ChannelSummary counts what happened on one channel.
type ChannelSummary struct {
	Recipients int    `json:"recipients"`
	Sent       int    `json:"sent"`
	Duplicate  int    `json:"duplicate"`
	Failed     int    `json:"failed"`
	Queued     int    `json:"queued"`
	// Skipped counts directory recipients the adapter cannot reach, such as
	// Discord users while direct messages are disabled.
	Skipped    int    `json:"skipped,omitempty"`
	Chunks     []int  `json:"chunks,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Summary is the result of one broadcast or replay run.
type Summary struct {
	RunID     string                              `json:"run_id"`
	Kind      string                              `json:"kind"`
	ArticleID string                              `json:"article_id,omitempty"`
	Channels  map[delivery.Channel]ChannelSummary `json:"channels"`
	Inbox     int                                 `json:"inbox"`
	Dropped   int                                 `json:"dropped,omitempty"`
	StartedAt time.Time                           `json:"started_at"`
	Duration  time.Duration                       `json:"duration"`
}

// Totals sums the per-channel counts.
func (s Summary) Totals() ChannelSummary {
	var t ChannelSummary
	for _, c := range s.Channels {
		t.Recipients += c.Recipients
		t.Sent += c.Sent
		t.Duplicate += c.Duplicate
		t.Failed += c.Failed
		t.Queued += c.Queued
		t.Skipped += c.Skipped
	}
	return t
}

type channelRuntime struct {
	adapter    delivery.Adapter
	bucket     *ratelimit.Bucket
	dispatcher *dispatch.Dispatcher
}

// Orchestrator runs broadcasts and ledger replays.
type Orchestrator struct {
	mu       sync.RWMutex
	cfg      Config
	policy   retry.Policy
	channels map[delivery.Channel]*channelRuntime

	nc    Context
	dir   subscribers.Directory
	inbox subscribers.Inbox // optional
	sent  *sentMarks
	exec  retry.Executor
	log   logx.Logger
	now   func() time.Time
}

// New wires adapters to the shared context. Each adapter gets the context's
// bucket for its channel (created from the adapter's limits when absent) and
// a dispatcher sized by its batch size.
func New(cfg Config, nc Context, dir subscribers.Directory, inbox subscribers.Inbox, adapters ...delivery.Adapter) (*Orchestrator, error) {
	if dir == nil {
		return nil, errors.New("notifier: nil directory")
	}
	if nc.Ledger == nil {
		return nil, errors.New("notifier: context has no ledger")
	}
	if nc.Limiters == nil {
		nc.Limiters = map[delivery.Channel]*ratelimit.Bucket{}
	}
	log := nc.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notifier"))

	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		policy:   nc.Policy.Normalize(),
		channels: map[delivery.Channel]*channelRuntime{},
		nc:       nc,
		dir:      dir,
		inbox:    inbox,
		sent:     newSentMarks(nc.Store, log),
		log:      log,
		now:      time.Now,
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		ch := a.Channel()
		if !ch.Valid() {
			return nil, fmt.Errorf("notifier: adapter for unknown channel %q", ch)
		}
		rate, batch := 1.0, dispatch.DefaultChunkSize
		if l, ok := a.(delivery.Limits); ok {
			rate, batch = l.RatePerSec(), l.BatchSize()
		}
		o.channels[ch] = &channelRuntime{
			adapter:    a,
			bucket:     nc.BucketFor(ch, rate),
			dispatcher: dispatch.New(batch, log),
		}
	}
	if len(o.channels) == 0 {
		return nil, ErrNoChannels
	}
	return o, nil
}

// WithExecutor replaces the retry executor. Tests use it to record backoff.
func (o *Orchestrator) WithExecutor(ex retry.Executor) *Orchestrator {
	o.mu.Lock()
	o.exec = ex
	o.mu.Unlock()
	return o
}

// Channels lists the configured channels in stable order.
func (o *Orchestrator) Channels() []delivery.Channel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []delivery.Channel
	for _, ch := range delivery.Channels {
		if _, ok := o.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Apply swaps the tunables and retry policy. In-flight sends keep the values
// they started with.
func (o *Orchestrator) Apply(cfg Config, policy retry.Policy) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.policy = policy.Normalize()
	o.mu.Unlock()
}

// SetChannelLimits changes a channel's token rate and chunk size.
func (o *Orchestrator) SetChannelLimits(ch delivery.Channel, ratePerSec float64, batch int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.channels[ch]
	if !ok {
		return
	}
	if ratePerSec > 0 {
		rt.bucket.SetRate(bucketCapacity(ratePerSec), ratePerSec)
	}
	if batch > 0 && batch != rt.dispatcher.ChunkSize() {
		rt.dispatcher = dispatch.New(batch, o.log)
	}
}

func (o *Orchestrator) snapshot() (Config, retry.Policy, retry.Executor, map[delivery.Channel]channelRuntime) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	chs := make(map[delivery.Channel]channelRuntime, len(o.channels))
	for k, v := range o.channels {
		chs[k] = *v
	}
	return o.cfg, o.policy, o.exec, chs
}

// BroadcastNewArticle delivers art to every enabled recipient on every
// configured channel and appends one in-app record per user. Delivery
// failures are counted, not returned; the error reports recipient lookups
// that failed.
func (o *Orchestrator) BroadcastNewArticle(ctx context.Context, art delivery.Article) (Summary, error) {
	art.ID = strings.TrimSpace(art.ID)
	if art.ID == "" || strings.TrimSpace(art.Title) == "" {
		return Summary{}, fmt.Errorf("%w: id and title are required", ErrInvalidArticle)
	}
	cfg, policy, exec, chs := o.snapshot()
	start := o.now()
	sum := Summary{
		RunID:     uuid.NewString(),
		Kind:      "broadcast",
		ArticleID: art.ID,
		Channels:  map[delivery.Channel]ChannelSummary{},
		StartedAt: start,
	}
	log := o.log.With(logx.String("run", sum.RunID), logx.String("article", art.ID))
	log.Info("broadcast started", logx.Int("channels", len(chs)))

	payload := Render(art)

	var (
		mu    sync.Mutex
		users = map[string]struct{}{}
		errs  []error
		g     errgroup.Group
	)
	for _, ch := range delivery.Channels {
		rt, ok := chs[ch]
		if !ok {
			continue
		}
		g.Go(func() error {
			cs, recips, err := o.broadcastChannel(ctx, sum.RunID, ch, rt, payload, cfg, policy, exec, log)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cs.Error = err.Error()
				errs = append(errs, fmt.Errorf("%s recipients: %w", ch, err))
			}
			sum.Channels[ch] = cs
			for _, r := range recips {
				if r.UserID != "" {
					users[r.UserID] = struct{}{}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.Inbox = o.appendInbox(ctx, art, users, cfg.InboxRetention, log)
	sum.Duration = o.now().Sub(start)
	o.finish(ctx, sum, log)
	return sum, errors.Join(errs...)
}

func (o *Orchestrator) broadcastChannel(ctx context.Context, runID string, ch delivery.Channel, rt channelRuntime, p delivery.Payload, cfg Config, policy retry.Policy, exec retry.Executor, log logx.Logger) (ChannelSummary, []delivery.Recipient, error) {
	recips, err := o.dir.ListEnabled(ctx, ch)
	if err != nil {
		log.Error("recipient lookup failed", logx.String("channel", string(ch)), logx.Err(err))
		return ChannelSummary{}, nil, err
	}
	recips, skipped := o.withChannelTargets(rt.adapter, recips)
	if skipped > 0 {
		log.Debug("recipients skipped; channel cannot reach them",
			logx.String("channel", string(ch)), logx.Int("skipped", skipped))
	}

	reqs := make([]delivery.Request, 0, len(recips))
	for _, r := range recips {
		reqs = append(reqs, delivery.NewRequest(r, ch, p))
	}
	res := rt.dispatcher.Dispatch(ctx, reqs, o.sendFunc(runID, rt, cfg, policy, exec))

	cs := ChannelSummary{Recipients: len(reqs), Skipped: skipped, Chunks: res.ChunkSizes}
	for _, out := range res.Outcomes {
		switch {
		case out.Duplicate:
			cs.Duplicate++
		case out.Success:
			cs.Sent++
		case out.Kind() == delivery.Transient:
			e := o.nc.Ledger.Enqueue(ctx, out.Request, out.Err)
			o.publish(eventbus.DeliveryQueued, runID, out, e.RetryCount)
			cs.Queued++
		default:
			cs.Failed++
		}
	}
	log.Info("channel finished",
		logx.String("channel", string(ch)),
		logx.Int("recipients", cs.Recipients),
		logx.Int("sent", cs.Sent),
		logx.Int("duplicate", cs.Duplicate),
		logx.Int("failed", cs.Failed),
		logx.Int("queued", cs.Queued),
		logx.Int("skipped", cs.Skipped),
		logx.Int("chunks", len(cs.Chunks)),
	)
	return cs, recips, nil
}

// withChannelTargets adds configured webhook targets, drops direct-message
// recipients when the adapter cannot reach them, and removes duplicate
// addresses. skipped is the number of directory recipients dropped.
func (o *Orchestrator) withChannelTargets(a delivery.Adapter, recips []delivery.Recipient) (out []delivery.Recipient, skipped int) {
	type webhooker interface {
		WebhookTargets() []delivery.Recipient
		DMEnabled() bool
	}
	wh, ok := a.(webhooker)
	if ok {
		if !wh.DMEnabled() {
			skipped = len(recips)
			recips = recips[:0:0]
		}
		recips = append(recips, wh.WebhookTargets()...)
	}
	seen := make(map[string]struct{}, len(recips))
	out = recips[:0:0]
	for _, r := range recips {
		if _, dup := seen[r.Address]; dup || r.Address == "" {
			continue
		}
		seen[r.Address] = struct{}{}
		out = append(out, r)
	}
	return out, skipped
}

// sendFunc is the per-request pipeline: duplicate check, then retries of
// bucket wait + provider call.
func (o *Orchestrator) sendFunc(runID string, rt channelRuntime, cfg Config, policy retry.Policy, exec retry.Executor) dispatch.SendFunc {
	ch := rt.adapter.Channel()
	return func(ctx context.Context, req delivery.Request) delivery.Outcome {
		if o.sent.seen(ctx, req.DedupeKey) {
			out := delivery.Outcome{Request: req, Success: true, Duplicate: true}
			o.publish(eventbus.DeliveryDuplicate, runID, out, 0)
			return out
		}

		var rc delivery.Receipt
		ex := exec
		if ex.OnRetry == nil {
			ex.OnRetry = func(attempt int, delay time.Duration, err *delivery.Error) {
				o.log.Debug("send retry scheduled",
					logx.String("key", req.DedupeKey),
					logx.Int("attempt", attempt),
					logx.Duration("delay", delay),
					logx.String("err", err.Error()),
				)
			}
		}
		res := ex.Do(ctx, policy, ch, rt.adapter.Classify, func(ctx context.Context, _ int) error {
			if err := rt.bucket.Wait(ctx, cfg.LimiterWait); err != nil {
				if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
					return delivery.NewTransient(ch, "RateLimited", "local rate limit", err)
				}
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			var err error
			rc, err = rt.adapter.Send(callCtx, req.Recipient, req.Payload)
			return err
		})

		out := delivery.Outcome{Request: req, Attempts: res.Attempts, Err: res.Err}
		if res.OK() {
			out.Success = true
			out.ProviderMessageID = rc.ProviderMessageID
			o.sent.mark(ctx, req.DedupeKey, cfg.SentTTL)
			o.publish(eventbus.DeliverySent, runID, out, 0)
			return out
		}
		o.log.Debug("send failed",
			logx.String("key", req.DedupeKey),
			logx.String("kind", string(res.Err.Kind)),
			logx.Int("attempts", res.Attempts),
			logx.String("err", res.Err.Error()),
		)
		if res.Err.Kind != delivery.Transient {
			o.publish(eventbus.DeliveryFailed, runID, out, 0)
		}
		return out
	}
}

// Replay drives the ledger through the send pipeline, channel by channel.
func (o *Orchestrator) Replay(ctx context.Context) (ledger.ReplayReport, error) {
	cfg, policy, exec, chs := o.snapshot()
	start := o.now()
	runID := uuid.NewString()
	log := o.log.With(logx.String("run", runID))

	rep, err := o.nc.Ledger.Replay(ctx, func(ctx context.Context, entries []ledger.Entry) []delivery.Outcome {
		return o.replayBatch(ctx, runID, entries, chs, cfg, policy, exec)
	})
	if errors.Is(err, ledger.ErrReplayRunning) {
		return rep, err
	}

	sum := Summary{
		RunID:     runID,
		Kind:      "replay",
		Channels:  map[delivery.Channel]ChannelSummary{},
		StartedAt: start,
	}
	for _, r := range rep.Results {
		ch := r.Entry.Request.Channel
		cs := sum.Channels[ch]
		cs.Recipients++
		switch r.Action {
		case ledger.ActionRemoved:
			if r.Outcome.Duplicate {
				cs.Duplicate++
			} else {
				cs.Sent++
			}
		case ledger.ActionRequeued:
			cs.Queued++
			o.publish(eventbus.DeliveryQueued, runID, r.Outcome, r.Entry.RetryCount)
		case ledger.ActionDropped:
			cs.Failed++
			sum.Dropped++
			out := r.Outcome
			out.Request = r.Entry.Request
			o.publish(eventbus.DeliveryDropped, runID, out, r.Entry.RetryCount)
		}
		sum.Channels[ch] = cs
	}
	sum.Duration = o.now().Sub(start)
	if len(rep.Results) > 0 {
		o.finish(ctx, sum, log)
	}
	return rep, err
}

func (o *Orchestrator) replayBatch(ctx context.Context, runID string, entries []ledger.Entry, chs map[delivery.Channel]channelRuntime, cfg Config, policy retry.Policy, exec retry.Executor) []delivery.Outcome {
	out := make([]delivery.Outcome, len(entries))
	byCh := map[delivery.Channel][]int{}
	for i, e := range entries {
		ch := e.Request.Channel
		if _, ok := chs[ch]; !ok {
			// Channel not configured right now: leave the entry untouched.
			out[i] = delivery.Outcome{Request: e.Request, Err: delivery.NewConfiguration(ch, "channel not configured")}
			continue
		}
		byCh[ch] = append(byCh[ch], i)
	}

	var g errgroup.Group
	for ch, idx := range byCh {
		rt := chs[ch]
		g.Go(func() error {
			reqs := make([]delivery.Request, len(idx))
			for j, i := range idx {
				reqs[j] = entries[i].Request
			}
			res := rt.dispatcher.Dispatch(ctx, reqs, o.sendFunc(runID, rt, cfg, policy, exec))
			for j, i := range idx {
				out[i] = res.Outcomes[j]
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) appendInbox(ctx context.Context, art delivery.Article, users map[string]struct{}, keep int, log logx.Logger) int {
	if o.inbox == nil || keep == 0 || len(users) == 0 {
		return 0
	}
	n := 0
	now := o.now()
	for u := range users {
		err := o.inbox.Append(ctx, subscribers.InboxRecord{
			UserID:    u,
			ArticleID: art.ID,
			Title:     art.Title,
			URL:       art.URL,
			CreatedAt: now,
		})
		if err != nil {
			log.Warn("inbox append failed", logx.String("user", u), logx.Err(err))
			continue
		}
		n++
		if _, err := o.inbox.Trim(ctx, u, keep); err != nil {
			log.Warn("inbox trim failed", logx.String("user", u), logx.Err(err))
		}
	}
	return n
}

func (o *Orchestrator) finish(ctx context.Context, sum Summary, log logx.Logger) {
	t := sum.Totals()
	fields := []logx.Field{
		logx.String("kind", sum.Kind),
		logx.Int("recipients", t.Recipients),
		logx.Int("sent", t.Sent),
		logx.Int("duplicate", t.Duplicate),
		logx.Int("failed", t.Failed),
		logx.Int("queued", t.Queued),
		logx.Int("inbox", sum.Inbox),
		logx.Duration("dur", sum.Duration),
	}
	if t.Failed > 0 || t.Queued > 0 {
		log.Warn("run finished with failures", fields...)
	} else {
		log.Info("run finished", fields...)
	}

	if o.nc.Store != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err := o.nc.Store.AppendAudit(cctx, storage.AuditEntry{
			At:        sum.StartedAt,
			RunID:     sum.RunID,
			Kind:      sum.Kind,
			ArticleID: sum.ArticleID,
			Total:     t.Recipients,
			OK:        t.Sent,
			Fail:      t.Failed,
			Queued:    t.Queued,
			Dropped:   sum.Dropped,
			Duplicate: t.Duplicate,
			TookMS:    sum.Duration.Milliseconds(),
		})
		cancel()
		if err != nil {
			log.Warn("audit append failed", logx.Err(err))
		}
	}
	if o.nc.Bus != nil {
		o.nc.Bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Time: o.now(), Data: sum})
	}
}

func (o *Orchestrator) publish(typ, runID string, out delivery.Outcome, retryCount int) {
	if o.nc.Bus == nil {
		return
	}
	ev := eventbus.DeliveryEvent{
		RunID:      runID,
		Key:        out.Request.DedupeKey,
		Channel:    string(out.Request.Channel),
		Attempts:   out.Attempts,
		MessageID:  out.ProviderMessageID,
		RetryCount: retryCount,
	}
	if out.Err != nil {
		ev.Kind = string(out.Err.Kind)
		ev.Error = out.Err.Error()
	}
	o.nc.Bus.Publish(eventbus.Event{Type: typ, Time: o.now(), Data: ev})
}
