package config

// Config is the process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "72h").
// Hot-reloadable: logging, retry, ledger ceiling and schedule, dispatch
// limits and per-channel rates. Everything else needs a restart.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Subscribers SubscribersConfig `json:"subscribers"`
	Retry       RetryConfig       `json:"retry"`
	Ledger      LedgerConfig      `json:"ledger"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Email       EmailConfig       `json:"email"`
	LINE        LINEConfig        `json:"line"`
	Discord     DiscordConfig     `json:"discord"`
	API         APIConfig         `json:"api"`
	Kafka       KafkaConfig       `json:"kafka"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ lines to discord.alert_webhook.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer behind the ledger, sent
// markers and audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./articlecast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "", "none", "file", "sqlite", "redis"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	URL         string `json:"url,omitempty"`          // redis
	Prefix      string `json:"prefix,omitempty"`       // redis
	AuditMax    int    `json:"audit_max,omitempty"`
}

// SubscribersConfig selects the recipient directory and inbox backend.
type SubscribersConfig struct {
	Driver string           `json:"driver"` // "memory" (default) or "sqlite"
	Path   string           `json:"path,omitempty"`
	Seed   []SubscriberSeed `json:"seed,omitempty"`
}

type SubscriberSeed struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email,omitempty"`
	LineUserID     string `json:"line_user_id,omitempty"`
	DiscordUserID  string `json:"discord_user_id,omitempty"`
	EmailEnabled   bool   `json:"email_enabled"`
	LineEnabled    bool   `json:"line_enabled"`
	DiscordEnabled bool   `json:"discord_enabled"`
}

// RetryConfig is the in-call retry policy.
//
// Defaults: max_attempts 3, base_delay "500ms", max_delay "30s", jitter 0.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelay   string  `json:"base_delay"`
	MaxDelay    string  `json:"max_delay"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// LedgerConfig controls cross-call replay of failed notifications.
//
// Defaults: replay_ceiling 5, replay_schedule "@every 5m".
type LedgerConfig struct {
	ReplayCeiling  int    `json:"replay_ceiling"`
	ReplaySchedule string `json:"replay_schedule"`
	ReplayTimeout  string `json:"replay_timeout,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// DispatchConfig holds the cross-channel send settings.
type DispatchConfig struct {
	SentTTL        string `json:"sent_ttl"`
	InboxRetention int    `json:"inbox_retention"`
	LimiterWait    string `json:"limiter_wait,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	HistoryTTL     string `json:"history_ttl,omitempty"`
}

type EmailConfig struct {
	Enabled          bool    `json:"enabled"`
	Region           string  `json:"region"`
	From             string  `json:"from"`
	ConfigurationSet string  `json:"configuration_set,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	BatchSize        int     `json:"batch_size,omitempty"`
}

// LINEConfig: token may be supplied through ARTICLECAST_LINE_TOKEN.
type LINEConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"`
	BaseURL    string  `json:"base_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	BatchSize  int     `json:"batch_size,omitempty"`
}

// DiscordConfig: bot_token may be supplied through
// ARTICLECAST_DISCORD_BOT_TOKEN.
type DiscordConfig struct {
	Enabled      bool     `json:"enabled"`
	BotToken     string   `json:"bot_token,omitempty"`
	DMEnabled    bool     `json:"dm_enabled"`
	Webhooks     []string `json:"webhooks,omitempty"`
	AlertWebhook string   `json:"alert_webhook,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	RatePerSec   float64  `json:"rate_per_sec,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty"`
}

// APIConfig: secret may be supplied through ARTICLECAST_API_SECRET.
type APIConfig struct {
	Enabled          bool   `json:"enabled"`
	Addr             string `json:"addr"`
	Secret           string `json:"secret,omitempty"`
	Issuer           string `json:"issuer,omitempty"`
	RateLimit        int    `json:"rate_limit,omitempty"`
	RateWindow       string `json:"rate_window,omitempty"`
	BroadcastTimeout string `json:"broadcast_timeout,omitempty"`
	Pprof            bool   `json:"pprof,omitempty"`
}

type KafkaConfig struct {
	Enabled       bool     `json:"enabled"`
	Brokers       []string `json:"brokers"`
	GroupID       string   `json:"group_id"`
	Topic         string   `json:"topic"`
	MaxWait       string   `json:"max_wait,omitempty"`
	HandleTimeout string   `json:"handle_timeout,omitempty"`
}
