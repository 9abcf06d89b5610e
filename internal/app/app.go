package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/segmentio/kafka-go"

	"articlecast/internal/api"
	"articlecast/internal/channel/email"
	"articlecast/internal/config"
	"articlecast/internal/eventbus"
	"articlecast/internal/ingest"
	"articlecast/internal/ledger"
	"articlecast/internal/notifier"
	"articlecast/internal/runtime/supervisor"
	"articlecast/internal/scheduler"
	"articlecast/internal/storage"
	"articlecast/internal/subscribers"
	logx "articlecast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	subs  subscribers.Store

	nc      notifier.Context
	orch    *notifier.Orchestrator
	history *notifier.History
	sched   *scheduler.Service

	server   *api.Server // nil when api is disabled
	reader   *kafka.Reader
	consumer *ingest.Consumer

	getenv   func(string) string
	ses      email.SESAPI
	sdNotify func(state string)
}

type Option func(*App)

// WithEnv replaces the environment lookup used for secret overrides.
func WithEnv(getenv func(string) string) Option {
	return func(a *App) { a.getenv = getenv }
}

// WithSESClient makes the email channel use client instead of loading the
// AWS default credential chain.
func WithSESClient(client email.SESAPI) Option {
	return func(a *App) { a.ses = client }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewConfigManager(cfgPath)
	if a.getenv != nil {
		a.cfgm.SetEnv(a.getenv)
	}
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The alert sender is attached once the Discord adapter exists.
	logs, root := logx.New(mapLoggingConfig(cfg), nil)
	a.logs = logs
	a.log = root.With(logx.String("comp", "app"))
	if a.sdNotify == nil {
		a.sdNotify = systemdNotify(a.log)
	}

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
			_ = logs.Close()
		}
	}()

	if a.store, err = storage.Open(mapStorageConfig(cfg), root); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if a.subs, err = subscribers.Open(mapSubscribersConfig(cfg), root); err != nil {
		return nil, fmt.Errorf("subscribers: %w", err)
	}

	adapters, alert, err := a.buildChannels(ctx, cfg, root)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		logs.SetAlertSender(alert)
	}

	a.bus = eventbus.New()
	a.nc = notifier.NewContext(mapRetryPolicy(cfg), cfg.Ledger.ReplayCeiling, a.store, a.bus, root)
	if a.orch, err = notifier.New(mapNotifierConfig(cfg), a.nc, a.subs, a.subs, adapters...); err != nil {
		return nil, err
	}
	a.history = notifier.NewHistory(cfg.Dispatch.HistorySize, historyTTL(cfg))

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Ledger.Timezone, Spread: true}, root.With(logx.String("comp", "scheduler")))
	if err := a.sched.Add(scheduler.Job{
		Name:    replayJob,
		Spec:    replaySchedule(cfg),
		Timeout: config.DurationOr(cfg.Ledger.ReplayTimeout, defaultReplayTimeout),
		Run:     a.replay,
	}); err != nil {
		return nil, fmt.Errorf("ledger.replay_schedule: %w", err)
	}

	if cfg.API.Enabled {
		h := api.NewHandler(mapAPIConfig(cfg), a.orch, a.nc.Ledger, a.history, root)
		a.server = api.NewServer(cfg.API.Addr, api.NewRouter(h), root)
	}
	if cfg.Kafka.Enabled {
		kc := mapKafkaConfig(cfg)
		if a.reader, err = ingest.NewReader(kc); err != nil {
			return nil, err
		}
		a.consumer = ingest.New(a.reader, a.orch, kc, root)
	}

	ok = true
	a.log.Info("app built",
		logx.Any("channels", a.orch.Channels()),
		logx.String("storage", mapStorageConfig(cfg).Driver),
		logx.Bool("api", a.server != nil),
		logx.Bool("kafka", a.consumer != nil),
	)
	return a, nil
}

// Notifier exposes the orchestrator for embedding callers.
func (a *App) Notifier() *notifier.Orchestrator { return a.orch }

// Err reports the error that stopped the app, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app's run context ends, including after a fatal
// component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(a.validateReload)

	if n, err := a.nc.Ledger.Restore(c); err != nil {
		a.log.Warn("ledger restore failed; starting empty", logx.Err(err))
	} else if n > 0 {
		a.log.Info("ledger restored", logx.Int("entries", n))
	}

	a.sup.Go("history", func(c context.Context) error {
		a.history.Run(c, a.bus)
		return nil
	})
	a.sup.Go("eventbus.log", a.logEvents)

	if err := a.sched.Start(c); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.server != nil {
		a.sup.GoRestart("api.server", a.server.Run,
			supervisor.WithRestartBackoff(time.Second, 10*time.Second),
			supervisor.WithMaxRestarts(5),
			supervisor.WithFatalOnGiveUp(),
		)
	}
	if a.consumer != nil {
		a.sup.GoRestart("ingest.kafka", a.consumer.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// replay is the scheduled ledger pass.
func (a *App) replay(ctx context.Context) error {
	if a.nc.Ledger.Len() == 0 {
		return nil
	}
	rep, err := a.orch.Replay(ctx)
	if errors.Is(err, ledger.ErrReplayRunning) {
		a.log.Debug("replay skipped; another pass is running")
		return nil
	}
	if err != nil {
		return err
	}
	a.log.Info("ledger replayed",
		logx.Int("attempted", rep.Attempted),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("requeued", rep.Requeued),
		logx.Int("dropped", rep.Dropped),
		logx.Int("remaining", rep.Remaining),
	)
	return nil
}

// logEvents keeps failure events visible at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128, eventbus.DeliveryFailed, eventbus.DeliveryQueued, eventbus.DeliveryDropped)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if d, ok := e.Data.(eventbus.DeliveryEvent); ok {
				fields = append(fields,
					logx.String("run", d.RunID),
					logx.String("channel", d.Channel),
					logx.String("key", d.Key),
					logx.String("kind", d.Kind),
					logx.Int("retry_count", d.RetryCount),
				)
			}
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 8*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("resources", 2*time.Second, func(c context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return a.sup.Err()
}

func (a *App) closeResources() {
	if a.reader != nil {
		if err := a.reader.Close(); err != nil {
			a.log.Warn("kafka reader close", logx.Err(err))
		}
		a.reader = nil
	}
	if a.subs != nil {
		if err := a.subs.Close(); err != nil {
			a.log.Warn("subscribers close", logx.Err(err))
		}
		a.subs = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
		a.store = nil
	}
}
