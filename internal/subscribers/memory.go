package subscribers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"articlecast/internal/delivery"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	subs  map[string]Subscriber
	inbox map[string][]InboxRecord
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]Subscriber{}, inbox: map[string][]InboxRecord{}}
}

func (m *Memory) Put(_ context.Context, s Subscriber) error {
	if s.UserID == "" {
		return errors.New("subscriber without user id")
	}
	m.mu.Lock()
	m.subs[s.UserID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListEnabled(_ context.Context, ch delivery.Channel) ([]delivery.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]delivery.Recipient, 0, len(m.subs))
	for _, s := range m.subs {
		if r, ok := s.Recipient(ch); ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Append(_ context.Context, rec InboxRecord) error {
	if rec.UserID == "" {
		return errors.New("inbox record without user id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.inbox[rec.UserID] = append(m.inbox[rec.UserID], rec)
	m.mu.Unlock()
	return nil
}

// List returns the user's records, newest first.
func (m *Memory) List(_ context.Context, userID string) ([]InboxRecord, error) {
	m.mu.RLock()
	recs := append([]InboxRecord(nil), m.inbox[userID]...)
	m.mu.RUnlock()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

func (m *Memory) MarkRead(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.inbox[userID] {
		if m.inbox[userID][i].ID == id {
			m.inbox[userID][i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) Trim(ctx context.Context, userID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	recs, err := m.List(ctx, userID)
	if err != nil || len(recs) <= keep {
		return 0, err
	}
	evict := map[string]struct{}{}
	for _, r := range recs[keep:] {
		evict[r.ID] = struct{}{}
	}
	m.mu.Lock()
	kept := m.inbox[userID][:0]
	for _, r := range m.inbox[userID] {
		if _, ok := evict[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	m.inbox[userID] = kept
	m.mu.Unlock()
	return len(evict), nil
}

func (m *Memory) Close() error { return nil }
