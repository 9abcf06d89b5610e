package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "articlecast/pkg/logx"
)

// fileStore keeps everything on the local filesystem.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.sent.snapshot.json  + <prefix>.sent.journal.jsonl
//   - <prefix>.failed.snapshot.json + <prefix>.failed.journal.jsonl
//
// Journals are compacted into their snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	sent      *journal[int64] // unix milli
	failed    *journal[FailedRecord]
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sent, err := openJournal[int64](prefix+".sent", log)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	now := time.Now().UnixMilli()
	for k, until := range sent.m {
		if until < now {
			delete(sent.m, k)
		}
	}
	failed, err := openJournal[FailedRecord](prefix+".failed", log)
	if err != nil {
		_ = af.Close()
		_ = sent.close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("sent", len(sent.m)), logx.Int("failed", len(failed.m)))

	return &fileStore{log: log, auditFile: af, sent: sent, failed: failed}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.sent != nil {
		errs = append(errs, s.sent.compact(), s.sent.close())
		s.sent = nil
	}
	if s.failed != nil {
		errs = append(errs, s.failed.compact(), s.failed.close())
		s.failed = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutSent(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		return ErrClosed
	}
	ms := until.UnixMilli()
	return s.sent.put(key, ms, s.log, func(m map[string]int64) {
		now := time.Now().UnixMilli()
		for k, v := range m {
			if v < now {
				delete(m, k)
			}
		}
	})
}

func (s *fileStore) GetSent(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.sent.m[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutFailed(ctx context.Context, r FailedRecord) error {
	_ = ctx
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("failed record without key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		return ErrClosed
	}
	return s.failed.put(r.Key, r, s.log, nil)
}

func (s *fileStore) DeleteFailed(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		return ErrClosed
	}
	if _, ok := s.failed.m[key]; !ok {
		return nil
	}
	return s.failed.del(key, s.log)
}

func (s *fileStore) ListFailed(ctx context.Context) ([]FailedRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		return nil, ErrClosed
	}
	out := make([]FailedRecord, 0, len(s.failed.m))
	for _, r := range s.failed.m {
		out = append(out, r)
	}
	sortFailed(out)
	return out, nil
}

// sortFailed orders records oldest first, so replay order is stable across
// backends.
func sortFailed(rs []FailedRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].EnqueuedAt.Equal(rs[j].EnqueuedAt) {
			return rs[i].EnqueuedAt.Before(rs[j].EnqueuedAt)
		}
		return rs[i].Key < rs[j].Key
	})
}
