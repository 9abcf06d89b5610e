package app

import (
	"strings"
	"time"

	"articlecast/internal/api"
	"articlecast/internal/channel/discord"
	"articlecast/internal/channel/email"
	"articlecast/internal/channel/line"
	"articlecast/internal/config"
	"articlecast/internal/ingest"
	"articlecast/internal/notifier"
	"articlecast/internal/retry"
	"articlecast/internal/storage"
	"articlecast/internal/subscribers"
	logx "articlecast/pkg/logx"
)

const (
	replayJob             = "ledger.replay"
	defaultReplaySchedule = "@every 5m"
	defaultReplayTimeout  = 5 * time.Minute
)

// The map functions run on configs that already passed config.Validate, so
// durations fall back to defaults instead of failing.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled && strings.TrimSpace(cfg.Discord.AlertWebhook) != "",
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second),
		URL:         strings.TrimSpace(sc.URL),
		Prefix:      sc.Prefix,
		AuditMax:    sc.AuditMax,
	}
}

func mapSubscribersConfig(cfg *config.Config) subscribers.Config {
	out := subscribers.Config{
		Driver: cfg.Subscribers.Driver,
		Path:   cfg.Subscribers.Path,
	}
	for _, s := range cfg.Subscribers.Seed {
		out.Seed = append(out.Seed, subscribers.Subscriber{
			UserID:         s.UserID,
			Email:          s.Email,
			LineUserID:     s.LineUserID,
			DiscordUserID:  s.DiscordUserID,
			EmailEnabled:   s.EmailEnabled,
			LineEnabled:    s.LineEnabled,
			DiscordEnabled: s.DiscordEnabled,
		})
	}
	return out
}

func mapRetryPolicy(cfg *config.Config) retry.Policy {
	d := retry.DefaultPolicy()
	return retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   config.DurationOr(cfg.Retry.BaseDelay, d.BaseDelay),
		MaxDelay:    config.DurationOr(cfg.Retry.MaxDelay, d.MaxDelay),
		Jitter:      cfg.Retry.Jitter,
	}.Normalize()
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	dc := cfg.Dispatch
	return notifier.Config{
		SentTTL:        config.DurationOr(dc.SentTTL, 0),
		InboxRetention: dc.InboxRetention,
		LimiterWait:    config.DurationOr(dc.LimiterWait, 0),
		SendTimeout:    config.DurationOr(dc.SendTimeout, 0),
	}
}

func mapEmailConfig(cfg *config.Config) email.Config {
	return email.Config{
		Region:           cfg.Email.Region,
		From:             cfg.Email.From,
		ConfigurationSet: cfg.Email.ConfigurationSet,
		RatePerSec:       cfg.Email.RatePerSec,
		BatchSize:        cfg.Email.BatchSize,
	}
}

func mapLINEConfig(cfg *config.Config) line.Config {
	return line.Config{
		Token:      cfg.LINE.Token,
		BaseURL:    cfg.LINE.BaseURL,
		Timeout:    config.DurationOr(cfg.LINE.Timeout, 0),
		RatePerSec: cfg.LINE.RatePerSec,
		BatchSize:  cfg.LINE.BatchSize,
	}
}

func mapDiscordConfig(cfg *config.Config) discord.Config {
	dc := cfg.Discord
	out := discord.Config{
		BotToken:     dc.BotToken,
		DMEnabled:    dc.DMEnabled,
		AlertWebhook: strings.TrimSpace(dc.AlertWebhook),
		BaseURL:      dc.BaseURL,
		Timeout:      config.DurationOr(dc.Timeout, 0),
		RatePerSec:   dc.RatePerSec,
		BatchSize:    dc.BatchSize,
	}
	// An alert-only adapter must not fan articles out to channel webhooks.
	if dc.Enabled {
		out.Webhooks = append([]string(nil), dc.Webhooks...)
	} else {
		out.DMEnabled = false
	}
	return out
}

func mapAPIConfig(cfg *config.Config) api.Config {
	ac := cfg.API
	return api.Config{
		Addr:             ac.Addr,
		Secret:           ac.Secret,
		Issuer:           ac.Issuer,
		RateLimit:        ac.RateLimit,
		RateWindow:       config.DurationOr(ac.RateWindow, time.Minute),
		Pprof:            ac.Pprof,
		BroadcastTimeout: config.DurationOr(ac.BroadcastTimeout, 0),
	}
}

func mapKafkaConfig(cfg *config.Config) ingest.Config {
	kc := cfg.Kafka
	return ingest.Config{
		Brokers:       append([]string(nil), kc.Brokers...),
		GroupID:       kc.GroupID,
		Topic:         kc.Topic,
		MaxWait:       config.DurationOr(kc.MaxWait, 0),
		HandleTimeout: config.DurationOr(kc.HandleTimeout, 0),
	}
}

func replaySchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Ledger.ReplaySchedule); s != "" {
		return s
	}
	return defaultReplaySchedule
}

func historyTTL(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Dispatch.HistoryTTL, 0)
}
