package subscribers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	user_id         TEXT PRIMARY KEY,
	email           TEXT NOT NULL DEFAULT '',
	line_user_id    TEXT NOT NULL DEFAULT '',
	discord_user_id TEXT NOT NULL DEFAULT '',
	email_enabled   INTEGER NOT NULL DEFAULT 0,
	line_enabled    INTEGER NOT NULL DEFAULT 0,
	discord_enabled INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS inbox (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	article_id TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	is_read    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inbox_user_created ON inbox(user_id, created_at);
`

// SQLite is a Store on a SQLite database.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("subscribers.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("subscribers migrate: %w", err)
	}
	return &SQLite{db: db, log: log}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, sub Subscriber) error {
	if sub.UserID == "" {
		return errors.New("subscriber without user id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, email, line_user_id, discord_user_id, email_enabled, line_enabled, discord_enabled)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   email=excluded.email, line_user_id=excluded.line_user_id, discord_user_id=excluded.discord_user_id,
		   email_enabled=excluded.email_enabled, line_enabled=excluded.line_enabled, discord_enabled=excluded.discord_enabled`,
		sub.UserID, sub.Email, sub.LineUserID, sub.DiscordUserID,
		sub.EmailEnabled, sub.LineEnabled, sub.DiscordEnabled,
	)
	return err
}

func (s *SQLite) ListEnabled(ctx context.Context, ch delivery.Channel) ([]delivery.Recipient, error) {
	var q string
	switch ch {
	case delivery.ChannelEmail:
		q = `SELECT user_id, email FROM subscribers WHERE email_enabled = 1 AND email <> '' ORDER BY user_id`
	case delivery.ChannelLINE:
		q = `SELECT user_id, line_user_id FROM subscribers WHERE line_enabled = 1 AND line_user_id <> '' ORDER BY user_id`
	case delivery.ChannelDiscord:
		q = `SELECT user_id, discord_user_id FROM subscribers WHERE discord_enabled = 1 AND discord_user_id <> '' ORDER BY user_id`
	default:
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []delivery.Recipient
	for rows.Next() {
		var r delivery.Recipient
		if err := rows.Scan(&r.UserID, &r.Address); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Append(ctx context.Context, rec InboxRecord) error {
	if rec.UserID == "" {
		return errors.New("inbox record without user id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox(id, user_id, article_id, title, url, is_read, created_at) VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, rec.ArticleID, rec.Title, rec.URL, rec.Read, rec.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLite) List(ctx context.Context, userID string) ([]InboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, article_id, title, url, is_read, created_at FROM inbox
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InboxRecord
	for rows.Next() {
		var (
			r  InboxRecord
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ArticleID, &r.Title, &r.URL, &r.Read, &ns); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inbox SET is_read = 1 WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Trim(ctx context.Context, userID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	recs, err := s.List(ctx, userID)
	if err != nil || len(recs) <= keep {
		return 0, err
	}
	n := 0
	for _, r := range recs[keep:] {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE id = ?`, r.ID); err != nil {
			return n, err
		}
		n++
	}
	s.log.Debug("inbox trimmed", logx.String("user", userID), logx.Int("evicted", n))
	return n, nil
}
