package supervisor

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// TaskStats aggregates runs per goroutine name.
type TaskStats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Starts      uint64    `json:"starts"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type registry struct {
	mu sync.Mutex
	m  map[string]*TaskStats
}

func (r *registry) entry(name string) *TaskStats {
	if r.m == nil {
		r.m = make(map[string]*TaskStats)
	}
	st, ok := r.m[name]
	if !ok {
		st = &TaskStats{Name: name}
		r.m[name] = st
	}
	return st
}

func (r *registry) started(name string, restart bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.entry(name)
	st.Active++
	st.Starts++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = time.Now()
}

func (r *registry) stopped(name string, err error, panicked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.entry(name)
	st.Active = max(st.Active-1, 0)
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
}

func (r *registry) snapshot() []TaskStats {
	r.mu.Lock()
	out := make([]TaskStats, 0, len(r.m))
	for _, st := range r.m {
		out = append(out, *st)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b TaskStats) int {
		if a.Active != b.Active {
			return b.Active - a.Active
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
