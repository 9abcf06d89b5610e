package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "articlecast/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrDuplicate  = errors.New("job already registered")
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, empty means local
	// Spread delays the first run of interval jobs by a random fraction of
	// the interval (capped at 30s).
	Spread bool
}

// Job is a named periodic task. Timeout bounds one run; zero means no bound.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus is a point-in-time view of a registered job.
type JobStatus struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
}

type entry struct {
	job     Job
	spec    string
	id      cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// Service triggers jobs on cron schedules. A job whose previous run is still
// in flight is skipped rather than stacked.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context
	jobs   map[string]*entry
	order  []string
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		parser: specParser,
		ctx:    context.Background(),
		jobs:   map[string]*entry{},
	}
}

// Add registers a job. It is scheduled immediately when the service runs.
func (s *Service) Add(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return fmt.Errorf("job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func required", name)
	}
	spec, err := Normalize(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	job.Name = name

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	e := &entry{job: job, spec: spec}
	s.jobs[name] = e
	s.order = append(s.order, name)
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

// Reschedule replaces the spec of a registered job.
func (s *Service) Reschedule(name, rawSpec string) error {
	spec, err := Normalize(rawSpec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[name]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.spec == spec {
		return nil
	}
	e.spec = spec
	if s.c == nil {
		return nil
	}
	s.c.Remove(e.id)
	s.log.Info("job rescheduled", logx.String("job", name), logx.String("spec", spec))
	return s.scheduleLocked(e)
}

// Start begins triggering. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	s.loc = loc
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, name := range s.order {
		if err := s.scheduleLocked(s.jobs[name]); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.order)))
	return nil
}

// Stop stops triggering and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Trigger runs a job now, outside its schedule. ran is false when the
// previous run was still in flight.
func (s *Service) Trigger(ctx context.Context, name string) (ran bool, err error) {
	s.mu.Lock()
	e := s.jobs[name]
	s.mu.Unlock()
	if e == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

// Snapshot lists jobs in registration order.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		e := s.jobs[name]
		e.mu.Lock()
		st := JobStatus{
			Name:     name,
			Spec:     e.spec,
			Running:  e.running.Load(),
			Runs:     e.runs.Load(),
			Skipped:  e.skipped.Load(),
			LastRun:  e.lastRun,
			LastTook: e.lastTook,
			LastErr:  e.lastErr,
		}
		e.mu.Unlock()
		if s.c != nil && e.id != 0 {
			st.Next = s.c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	return out
}

func (s *Service) scheduleLocked(e *entry) error {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_, _ = s.run(ctx, e)
	})
	if every, ok := everyInterval(e.spec); ok && s.cfg.Spread {
		sched, jitter := intervalWithSpread(every, time.Now().In(s.loc), e.job.Name)
		e.id = s.c.Schedule(sched, job)
		s.log.Debug("job scheduled", logx.String("job", e.job.Name), logx.String("spec", e.spec), logx.Duration("spread", jitter))
		return nil
	}
	id, err := s.c.AddJob(e.spec, job)
	if err != nil {
		return err
	}
	e.id = id
	s.log.Debug("job scheduled", logx.String("job", e.job.Name), logx.String("spec", e.spec))
	return nil
}

func (s *Service) run(ctx context.Context, e *entry) (bool, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("job skipped, previous run in flight", logx.String("job", e.job.Name))
		return false, nil
	}
	defer e.running.Store(false)

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.job.Run(ctx)
	}()
	took := time.Since(start)
	e.runs.Add(1)

	e.mu.Lock()
	e.lastRun = start
	e.lastTook = took
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", e.job.Name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job finished", logx.String("job", e.job.Name), logx.Duration("took", took))
	}
	return true, err
}
