package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "articlecast/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("watcher channels closed")

// Watch reloads the file after it changes until ctx is done. The parent
// directory is watched so editors that replace the file are seen. A failed
// watcher is rebuilt after a jittered, growing delay.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	delay := watchRetryMin

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, name, func() { delay = watchRetryMin })
		if ctx.Err() != nil {
			return nil
		}

		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, watchRetryMax)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until ctx is done or it breaks.
// started is called once the directory is being watched.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, name string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	// pending fires reloadDebounce after the last relevant event.
	pending := time.NewTimer(time.Hour)
	pending.Stop()
	defer pending.Stop()
	touch := func() { pending.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending.C:
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			}
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&reloadOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				touch()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				touch()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
