package app

import (
	"context"
	"fmt"
	"strings"

	"articlecast/internal/channel/discord"
	"articlecast/internal/channel/email"
	"articlecast/internal/channel/line"
	"articlecast/internal/config"
	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

// buildChannels constructs the enabled adapters. alert is the Discord adapter
// whenever an alert webhook is configured, even with the Discord channel off.
func (a *App) buildChannels(ctx context.Context, cfg *config.Config, log logx.Logger) (adapters []delivery.Adapter, alert *discord.Adapter, err error) {
	if cfg.Email.Enabled {
		var ad *email.Adapter
		if a.ses != nil {
			ad, err = email.New(mapEmailConfig(cfg), a.ses, log)
		} else {
			ad, err = email.NewFromAWS(ctx, mapEmailConfig(cfg), log)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("email channel: %w", err)
		}
		adapters = append(adapters, ad)
	}
	if cfg.LINE.Enabled {
		ad, err := line.New(mapLINEConfig(cfg), log)
		if err != nil {
			return nil, nil, fmt.Errorf("line channel: %w", err)
		}
		adapters = append(adapters, ad)
	}
	hasAlert := strings.TrimSpace(cfg.Discord.AlertWebhook) != ""
	if cfg.Discord.Enabled || hasAlert {
		ad, err := discord.New(mapDiscordConfig(cfg), log)
		if err != nil {
			return nil, nil, fmt.Errorf("discord channel: %w", err)
		}
		if cfg.Discord.Enabled {
			adapters = append(adapters, ad)
		}
		if hasAlert {
			alert = ad
		}
	}
	return adapters, alert, nil
}

// channelSet lists enabled channels for change detection on reload.
func channelSet(cfg *config.Config) string {
	var on []string
	if cfg.Email.Enabled {
		on = append(on, string(delivery.ChannelEmail))
	}
	if cfg.LINE.Enabled {
		on = append(on, string(delivery.ChannelLINE))
	}
	if cfg.Discord.Enabled {
		on = append(on, string(delivery.ChannelDiscord))
	}
	return strings.Join(on, ",")
}
