package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT    NOT NULL,
	run_id     TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	article_id TEXT,
	total      INTEGER NOT NULL DEFAULT 0,
	ok         INTEGER NOT NULL DEFAULT 0,
	fail       INTEGER NOT NULL DEFAULT 0,
	queued     INTEGER NOT NULL DEFAULT 0,
	dropped    INTEGER NOT NULL DEFAULT 0,
	duplicate  INTEGER NOT NULL DEFAULT 0,
	err        TEXT,
	took_ms    INTEGER NOT NULL DEFAULT 0,
	meta       TEXT
);
CREATE TABLE IF NOT EXISTS sent (
	key   TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS failed (
	key          TEXT PRIMARY KEY,
	request      TEXT    NOT NULL,
	last_error   TEXT    NOT NULL,
	last_message TEXT,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	enqueued_at  INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failed_enqueued ON failed(enqueued_at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, run_id, kind, article_id, total, ok, fail, queued, dropped, duplicate, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.RunID, e.Kind, nullStr(e.ArticleID),
		e.Total, e.OK, e.Fail, e.Queued, e.Dropped, e.Duplicate,
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutSent(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetSent(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM sent WHERE key = ? AND until >= ?`, key, time.Now().UnixMilli()).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutFailed(ctx context.Context, r FailedRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Key == "" {
		return errors.New("failed record without key")
	}
	req, err := json.Marshal(r.Request)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failed(key, request, last_error, last_message, retry_count, enqueued_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   request=excluded.request,
		   last_error=excluded.last_error,
		   last_message=excluded.last_message,
		   retry_count=excluded.retry_count,
		   updated_at=excluded.updated_at`,
		r.Key, string(req), string(r.LastError), nullStr(r.LastMessage), r.RetryCount,
		r.EnqueuedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteFailed(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM failed WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) ListFailed(ctx context.Context) ([]FailedRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, request, last_error, COALESCE(last_message, ''), retry_count, enqueued_at, updated_at
		 FROM failed ORDER BY enqueued_at, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedRecord
	for rows.Next() {
		var (
			r        FailedRecord
			req      string
			kind     string
			enq, upd int64
		)
		if err := rows.Scan(&r.Key, &req, &kind, &r.LastMessage, &r.RetryCount, &enq, &upd); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(req), &r.Request); err != nil {
			s.log.Warn("skipping unreadable failed record", logx.String("key", r.Key), logx.Err(err))
			continue
		}
		r.LastError = delivery.Kind(kind)
		r.EnqueuedAt = time.UnixMilli(enq)
		r.UpdatedAt = time.UnixMilli(upd)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sent WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
