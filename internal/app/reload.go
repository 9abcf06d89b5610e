package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"articlecast/internal/config"
	"articlecast/internal/delivery"
	"articlecast/internal/scheduler"
	logx "articlecast/pkg/logx"
)

// validateReload rejects reloads the running process could not apply.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if err := scheduler.Validate(replaySchedule(cfg)); err != nil {
		return fmt.Errorf("ledger.replay_schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Ledger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("ledger.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context) error {
	sub, unsub := a.cfgm.Subscribe(8)
	defer unsub()
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: apply only the latest config.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return nil
					}
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

// applyConfig swaps the hot-reloadable settings. Sections that need a restart
// are logged and left as they are.
func (a *App) applyConfig(old, cfg *config.Config) {
	changed, attrs := config.SummarizeConfigChange(old, cfg)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if rs := config.NeedsRestart(changed); len(rs) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rs, ",")))
	}
	if channelSet(old) != channelSet(cfg) {
		a.log.Warn("enabled channels changed; restart required", logx.String("from", channelSet(old)), logx.String("to", channelSet(cfg)))
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	a.orch.Apply(mapNotifierConfig(cfg), mapRetryPolicy(cfg))
	a.nc.Ledger.SetCeiling(cfg.Ledger.ReplayCeiling)
	a.orch.SetChannelLimits(delivery.ChannelEmail, cfg.Email.RatePerSec, cfg.Email.BatchSize)
	a.orch.SetChannelLimits(delivery.ChannelLINE, cfg.LINE.RatePerSec, cfg.LINE.BatchSize)
	a.orch.SetChannelLimits(delivery.ChannelDiscord, cfg.Discord.RatePerSec, cfg.Discord.BatchSize)
	if err := a.sched.Reschedule(replayJob, replaySchedule(cfg)); err != nil {
		a.log.Warn("replay schedule not applied; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
