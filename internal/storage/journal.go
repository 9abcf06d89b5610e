package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	logx "articlecast/pkg/logx"
)

// journal is a map persisted as a JSON snapshot plus an append-only JSON
// Lines journal of puts and deletes. Callers hold the store lock.
type journal[V any] struct {
	snapPath string
	f        *os.File
	m        map[string]V
	writes   int
}

type journalRecord[V any] struct {
	Key   string `json:"key"`
	Del   bool   `json:"del,omitempty"`
	Value *V     `json:"value,omitempty"`
}

// openJournal loads the snapshot and journal under prefix. A file that
// exists but cannot be read back is moved aside to <name>.corrupt-<unix> and
// logged, so its contents survive the next compaction.
func openJournal[V any](prefix string, log logx.Logger) (*journal[V], error) {
	j := &journal[V]{snapPath: prefix + ".snapshot.json", m: map[string]V{}}
	journalPath := prefix + ".journal.jsonl"

	if err := j.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		if err := quarantine(j.snapPath, err, log); err != nil {
			return nil, err
		}
	}
	if err := j.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		if err := quarantine(journalPath, err, log); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.f = f
	return j, nil
}

func quarantine(path string, cause error, log logx.Logger) error {
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		return fmt.Errorf("move unreadable %s aside: %w (read error: %v)", path, err, cause)
	}
	log.Warn("storage file unreadable; moved aside", logx.String("path", path), logx.String("moved_to", aside), logx.Err(cause))
	return nil
}

func (j *journal[V]) loadSnapshot() error {
	b, err := os.ReadFile(j.snapPath)
	if err != nil {
		return err
	}
	var m map[string]V
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for k, v := range m {
		j.m[k] = v
	}
	return nil
}

// replay applies journal lines in order. Unparseable lines are skipped;
// only a torn final line is expected after a crash.
func (j *journal[V]) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			j.apply(line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (j *journal[V]) apply(line []byte) {
	var r journalRecord[V]
	if err := json.Unmarshal(line, &r); err != nil || r.Key == "" {
		return
	}
	if r.Del || r.Value == nil {
		delete(j.m, r.Key)
		return
	}
	j.m[r.Key] = *r.Value
}

func (j *journal[V]) put(key string, v V, log logx.Logger, prune func(map[string]V)) error {
	j.m[key] = v
	if err := json.NewEncoder(j.f).Encode(journalRecord[V]{Key: key, Value: &v}); err != nil {
		return err
	}
	j.bump(log, prune)
	return nil
}

func (j *journal[V]) del(key string, log logx.Logger) error {
	delete(j.m, key)
	if err := json.NewEncoder(j.f).Encode(journalRecord[V]{Key: key, Del: true}); err != nil {
		return err
	}
	j.bump(log, nil)
	return nil
}

func (j *journal[V]) bump(log logx.Logger, prune func(map[string]V)) {
	j.writes++
	if j.writes%compactEvery != 0 {
		return
	}
	if prune != nil {
		prune(j.m)
	}
	if err := j.compact(); err != nil {
		log.Debug("journal compact failed", logx.String("snapshot", j.snapPath), logx.Err(err))
	}
}

// compact writes the map to the snapshot and truncates the journal.
func (j *journal[V]) compact() error {
	if j.f == nil {
		return nil
	}
	tmp := j.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapPath); err != nil {
		return err
	}
	if err := j.f.Truncate(0); err != nil {
		return err
	}
	_, err = j.f.Seek(0, 2)
	return err
}

func (j *journal[V]) close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
