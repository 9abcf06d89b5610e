package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks what can be checked without touching the network. Errors
// from every section are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file", "sqlite", "redis":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Subscribers.Driver)) {
	case "", "memory", "sqlite":
	default:
		add(fmt.Errorf("subscribers.driver: unknown driver %q", cfg.Subscribers.Driver))
	}

	if cfg.Retry.MaxAttempts < 0 {
		add(errors.New("retry.max_attempts must be >= 0"))
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		add(errors.New("retry.jitter must be within [0,1]"))
	}
	dur("retry.base_delay", cfg.Retry.BaseDelay)
	dur("retry.max_delay", cfg.Retry.MaxDelay)

	if cfg.Ledger.ReplayCeiling < 0 {
		add(errors.New("ledger.replay_ceiling must be >= 0"))
	}
	dur("ledger.replay_timeout", cfg.Ledger.ReplayTimeout)

	dur("dispatch.sent_ttl", cfg.Dispatch.SentTTL)
	dur("dispatch.limiter_wait", cfg.Dispatch.LimiterWait)
	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	dur("dispatch.history_ttl", cfg.Dispatch.HistoryTTL)
	if cfg.Dispatch.InboxRetention < 0 {
		add(errors.New("dispatch.inbox_retention must be >= 0"))
	}

	if cfg.Email.Enabled {
		if strings.TrimSpace(cfg.Email.Region) == "" {
			add(errors.New("email.region required when email is enabled"))
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			add(errors.New("email.from required when email is enabled"))
		}
	}
	add(nonNegative("email", cfg.Email.RatePerSec, cfg.Email.BatchSize))

	if cfg.LINE.Enabled && strings.TrimSpace(cfg.LINE.Token) == "" {
		add(fmt.Errorf("line.token required when line is enabled (or set %s)", EnvLINEToken))
	}
	dur("line.timeout", cfg.LINE.Timeout)
	add(nonNegative("line", cfg.LINE.RatePerSec, cfg.LINE.BatchSize))

	if cfg.Discord.Enabled {
		if cfg.Discord.DMEnabled && strings.TrimSpace(cfg.Discord.BotToken) == "" {
			add(fmt.Errorf("discord.bot_token required when dm_enabled (or set %s)", EnvDiscordBotToken))
		}
		if !cfg.Discord.DMEnabled && len(cfg.Discord.Webhooks) == 0 {
			add(errors.New("discord: enable dm_enabled or configure webhooks"))
		}
	}
	for i, w := range cfg.Discord.Webhooks {
		add(checkURL(fmt.Sprintf("discord.webhooks[%d]", i), w))
	}
	if strings.TrimSpace(cfg.Discord.AlertWebhook) != "" {
		add(checkURL("discord.alert_webhook", cfg.Discord.AlertWebhook))
	}
	dur("discord.timeout", cfg.Discord.Timeout)
	add(nonNegative("discord", cfg.Discord.RatePerSec, cfg.Discord.BatchSize))

	if cfg.API.Enabled && strings.TrimSpace(cfg.API.Secret) == "" {
		add(fmt.Errorf("api.secret required when api is enabled (or set %s)", EnvAPISecret))
	}
	dur("api.rate_window", cfg.API.RateWindow)
	dur("api.broadcast_timeout", cfg.API.BroadcastTimeout)

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			add(errors.New("kafka.brokers required when kafka is enabled"))
		}
		if strings.TrimSpace(cfg.Kafka.Topic) == "" {
			add(errors.New("kafka.topic required when kafka is enabled"))
		}
		if strings.TrimSpace(cfg.Kafka.GroupID) == "" {
			add(errors.New("kafka.group_id required when kafka is enabled"))
		}
	}
	dur("kafka.max_wait", cfg.Kafka.MaxWait)
	dur("kafka.handle_timeout", cfg.Kafka.HandleTimeout)

	return errors.Join(errs...)
}

func nonNegative(section string, rate float64, batch int) error {
	if rate < 0 {
		return fmt.Errorf("%s.rate_per_sec must be >= 0", section)
	}
	if batch < 0 {
		return fmt.Errorf("%s.batch_size must be >= 0", section)
	}
	return nil
}

func checkURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%s: invalid url", path)
	}
	return nil
}
