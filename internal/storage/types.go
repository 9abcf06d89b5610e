package storage

import (
	"context"
	"errors"
	"time"

	"articlecast/internal/delivery"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis at URL (redis://... or host:port)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	URL    string // redis only
	Prefix string // redis key prefix; default "articlecast:"

	// AuditMax caps retained audit entries for backends that trim (redis).
	AuditMax int
}

// Store is the persistence API used by the ledger and the orchestrator.
type Store interface {
	PutFailed(ctx context.Context, r FailedRecord) error
	DeleteFailed(ctx context.Context, key string) error
	ListFailed(ctx context.Context) ([]FailedRecord, error)

	PutSent(ctx context.Context, key string, until time.Time) error
	GetSent(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// FailedRecord is the durable form of a ledger entry.
type FailedRecord struct {
	Key         string           `json:"key"`
	Request     delivery.Request `json:"request"`
	LastError   delivery.Kind    `json:"last_error"`
	LastMessage string           `json:"last_message,omitempty"`
	RetryCount  int              `json:"retry_count"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// AuditEntry records one broadcast or replay run.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"` // "broadcast" or "replay"
	ArticleID string    `json:"article_id,omitempty"`
	Total     int       `json:"total"`
	OK        int       `json:"ok"`
	Fail      int       `json:"fail"`
	Queued    int       `json:"queued"`
	Dropped   int       `json:"dropped"`
	Duplicate int       `json:"duplicate"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
	MetaJSON  string    `json:"meta,omitempty"`
}
