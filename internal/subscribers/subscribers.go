// Package subscribers is the recipient directory and the per-user in-app
// inbox that a broadcast reads from and writes to.
package subscribers

import (
	"context"
	"errors"
	"strings"
	"time"

	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

var ErrNotFound = errors.New("subscriber not found")

// Subscriber is a portal user and their per-channel preferences.
type Subscriber struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email,omitempty"`
	LineUserID     string `json:"line_user_id,omitempty"`
	DiscordUserID  string `json:"discord_user_id,omitempty"`
	EmailEnabled   bool   `json:"email_enabled"`
	LineEnabled    bool   `json:"line_enabled"`
	DiscordEnabled bool   `json:"discord_enabled"`
}

// Recipient returns the address for ch, or false when the channel is
// disabled or has no address.
func (s Subscriber) Recipient(ch delivery.Channel) (delivery.Recipient, bool) {
	var addr string
	var on bool
	switch ch {
	case delivery.ChannelEmail:
		addr, on = s.Email, s.EmailEnabled
	case delivery.ChannelLINE:
		addr, on = s.LineUserID, s.LineEnabled
	case delivery.ChannelDiscord:
		addr, on = s.DiscordUserID, s.DiscordEnabled
	}
	addr = strings.TrimSpace(addr)
	if !on || addr == "" {
		return delivery.Recipient{}, false
	}
	return delivery.Recipient{UserID: s.UserID, Address: addr}, true
}

// Directory lists recipients with a channel enabled.
type Directory interface {
	ListEnabled(ctx context.Context, ch delivery.Channel) ([]delivery.Recipient, error)
}

// InboxRecord is one in-app notification.
type InboxRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ArticleID string    `json:"article_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Inbox stores in-app notifications per user.
type Inbox interface {
	Append(ctx context.Context, rec InboxRecord) error
	List(ctx context.Context, userID string) ([]InboxRecord, error)
	MarkRead(ctx context.Context, userID, id string) error
	// Trim deletes the oldest records of userID beyond keep and returns how
	// many were removed. It reads, then deletes, without a guard: two
	// writers for the same user can both read under the cap and leave the
	// set above it until the next trim.
	Trim(ctx context.Context, userID string, keep int) (int, error)
}

// Config selects the backend.
//
// Driver values:
//   - "memory": in-process, seeded from Seed
//   - "sqlite": SQLite database at Path
type Config struct {
	Driver string
	Path   string
	Seed   []Subscriber
}

// Store is both a Directory and an Inbox.
type Store interface {
	Directory
	Inbox
	Put(ctx context.Context, s Subscriber) error
	Close() error
}

// Open returns the configured backend. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		st  Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		st = NewMemory()
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg.Path, log.With(logx.String("comp", "subscribers")))
	default:
		return nil, errors.New("unknown subscribers driver: " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	for _, s := range cfg.Seed {
		if err := st.Put(context.Background(), s); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}
