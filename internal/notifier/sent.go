package notifier

import (
	"context"
	"sync"
	"time"

	"articlecast/internal/storage"
	logx "articlecast/pkg/logx"
)

const (
	sentLookupTimeout = 250 * time.Millisecond
	sentMaxEntries    = 100000
)

// sentMarks remembers delivered dedupe keys until they expire: in memory
// first, then in the store so markers survive restarts.
type sentMarks struct {
	mu    sync.Mutex
	until map[string]time.Time
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func newSentMarks(store storage.Store, log logx.Logger) *sentMarks {
	return &sentMarks{until: map[string]time.Time{}, store: store, log: log, now: time.Now}
}

func (s *sentMarks) seen(ctx context.Context, key string) bool {
	now := s.now()
	s.mu.Lock()
	u, ok := s.until[key]
	s.mu.Unlock()
	if ok && now.Before(u) {
		return true
	}
	if s.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, sentLookupTimeout)
	defer cancel()
	u, ok, err := s.store.GetSent(cctx, key)
	if err != nil {
		s.log.Debug("sent marker lookup failed", logx.String("key", key), logx.Err(err))
		return false
	}
	if ok && now.Before(u) {
		s.mu.Lock()
		s.until[key] = u
		s.mu.Unlock()
		return true
	}
	return false
}

func (s *sentMarks) mark(ctx context.Context, key string, ttl time.Duration) {
	now := s.now()
	u := now.Add(ttl)
	s.mu.Lock()
	s.until[key] = u
	if len(s.until) > sentMaxEntries {
		for k, v := range s.until {
			if !now.Before(v) {
				delete(s.until, k)
			}
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.store.PutSent(cctx, key, u); err != nil {
		s.log.Warn("sent marker persist failed", logx.String("key", key), logx.Err(err))
	}
}
