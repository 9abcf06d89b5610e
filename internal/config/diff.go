package config

import (
	"reflect"
	"strings"

	logx "articlecast/pkg/logx"
)

// Section names reported by SummarizeConfigChange.
const (
	SectionLogging     = "logging"
	SectionStorage     = "storage"
	SectionSubscribers = "subscribers"
	SectionRetry       = "retry"
	SectionLedger      = "ledger"
	SectionDispatch    = "dispatch"
	SectionEmail       = "email"
	SectionLINE        = "line"
	SectionDiscord     = "discord"
	SectionAPI         = "api"
	SectionKafka       = "kafka"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	SectionStorage:     true,
	SectionSubscribers: true,
	SectionAPI:         true,
	SectionKafka:       true,
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Subscribers, newCfg.Subscribers) {
		changed = append(changed, SectionSubscribers)
		attrs = append(attrs, logx.String("subscribers.driver", newCfg.Subscribers.Driver), logx.Int("subscribers.seed", len(newCfg.Subscribers.Seed)))
	}
	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, SectionRetry)
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.base_delay", newCfg.Retry.BaseDelay),
			logx.String("retry.max_delay", newCfg.Retry.MaxDelay),
		)
	}
	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, SectionLedger)
		attrs = append(attrs,
			logx.Int("ledger.replay_ceiling", newCfg.Ledger.ReplayCeiling),
			logx.String("ledger.replay_schedule", newCfg.Ledger.ReplaySchedule),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, SectionDispatch)
		attrs = append(attrs, logx.String("dispatch.sent_ttl", newCfg.Dispatch.SentTTL), logx.Int("dispatch.inbox_retention", newCfg.Dispatch.InboxRetention))
	}
	if oldCfg.Email != newCfg.Email {
		changed = append(changed, SectionEmail)
		attrs = append(attrs, logx.Bool("email.enabled", newCfg.Email.Enabled), logx.Float64("email.rate_per_sec", newCfg.Email.RatePerSec))
	}
	if oldCfg.LINE != newCfg.LINE {
		changed = append(changed, SectionLINE)
		attrs = append(attrs,
			logx.Bool("line.enabled", newCfg.LINE.Enabled),
			logx.Bool("line.token_set", strings.TrimSpace(newCfg.LINE.Token) != ""),
			logx.Float64("line.rate_per_sec", newCfg.LINE.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Discord, newCfg.Discord) {
		changed = append(changed, SectionDiscord)
		attrs = append(attrs,
			logx.Bool("discord.enabled", newCfg.Discord.Enabled),
			logx.Bool("discord.bot_token_set", strings.TrimSpace(newCfg.Discord.BotToken) != ""),
			logx.Int("discord.webhooks", len(newCfg.Discord.Webhooks)),
			logx.Float64("discord.rate_per_sec", newCfg.Discord.RatePerSec),
		)
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, SectionAPI)
		attrs = append(attrs, logx.String("api.addr", newCfg.API.Addr), logx.Bool("api.secret_set", strings.TrimSpace(newCfg.API.Secret) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, SectionKafka)
		attrs = append(attrs, logx.Bool("kafka.enabled", newCfg.Kafka.Enabled), logx.String("kafka.topic", newCfg.Kafka.Topic))
	}
	return changed, attrs
}

// NeedsRestart reports which of the changed sections are not hot-reloadable.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
