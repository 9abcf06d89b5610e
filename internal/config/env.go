package config

import (
	"os"
	"strings"
)

// Secret overrides read from the environment. A set variable wins over the
// file value.
const (
	EnvLINEToken       = "ARTICLECAST_LINE_TOKEN"
	EnvDiscordBotToken = "ARTICLECAST_DISCORD_BOT_TOKEN"
	EnvAPISecret       = "ARTICLECAST_API_SECRET"
)

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvLINEToken)); v != "" {
		cfg.LINE.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDiscordBotToken)); v != "" {
		cfg.Discord.BotToken = v
	}
	if v := strings.TrimSpace(getenv(EnvAPISecret)); v != "" {
		cfg.API.Secret = v
	}
}
