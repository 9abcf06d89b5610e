package notifier

import (
	"context"
	"sort"
	"sync"
	"time"

	"articlecast/internal/eventbus"
)

const (
	defaultHistoryMax = 200
	defaultHistoryTTL = 24 * time.Hour
)

// History keeps recent run summaries for the operator API. It is fed from
// broadcast.finished events and bounded by count and age.
type History struct {
	mu   sync.RWMutex
	runs map[string]Summary
	max  int
	ttl  time.Duration
	now  func() time.Time
}

func NewHistory(limit int, ttl time.Duration) *History {
	if limit <= 0 {
		limit = defaultHistoryMax
	}
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &History{runs: map[string]Summary{}, max: limit, ttl: ttl, now: time.Now}
}

func (h *History) Add(s Summary) {
	h.mu.Lock()
	h.runs[s.RunID] = s
	h.mu.Unlock()
	h.prune(h.now())
}

func (h *History) Get(runID string) (Summary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.runs[runID]
	return s, ok
}

// Recent returns up to n summaries, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Summary {
	h.mu.RLock()
	out := make([]Summary, 0, len(h.runs))
	for _, s := range h.runs {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Run records summaries from bus until ctx is done.
func (h *History) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64, eventbus.BroadcastFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if s, ok := e.Data.(Summary); ok {
				h.Add(s)
			}
		}
	}
}

func (h *History) prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.runs {
		if now.Sub(s.StartedAt.Add(s.Duration)) > h.ttl {
			delete(h.runs, id)
		}
	}
	if len(h.runs) <= h.max {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(h.runs))
	for id, s := range h.runs {
		items = append(items, kv{id: id, t: s.StartedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(h.runs) - h.max
	for i := 0; i < excess && i < len(items); i++ {
		delete(h.runs, items[i].id)
	}
}
