package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "articlecast/pkg/logx"
)

// systemdNotify returns a sender of sd_notify states. Outside systemd
// (NOTIFY_SOCKET unset) it does nothing.
func systemdNotify(log logx.Logger) func(state string) {
	return func(state string) {
		if _, err := daemon.SdNotify(false, state); err != nil {
			log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		}
	}
}

// watchdog pings systemd at half of WatchdogSec until ctx is done. It
// returns at once when the unit has no watchdog.
func (a *App) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog disabled", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	tick := interval / 2
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", tick))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
