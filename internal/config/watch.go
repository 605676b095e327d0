package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOptions tune Watch. Zero values use the defaults.
type WatchOptions struct {
	Debounce     time.Duration // quiet period after the last file event (default 200ms)
	PollInterval time.Duration // safety-net stat poll (default 30s)
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Debounce <= 0 {
		o.Debounce = 200 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	return o
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

func stampOf(path string) fileStamp {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: fi.Size(), modTime: fi.ModTime()}
}

// Watch reloads <home>/config.yaml whenever it changes and calls onChange with the new config.
// It watches the home directory (editors replace files by rename) and also polls the file's
// stat as a fallback. An invalid file is logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, home string, opts WatchOptions, onChange func(*Config)) {
	opts = opts.withDefaults()
	path := Path(home)
	last := stampOf(path)

	reload := func() {
		cur := stampOf(path)
		if cur == last {
			return
		}
		last = cur
		cfg, err := Load(home)
		if err != nil {
			slog.Warn("config reload failed, keeping previous config", "path", path, "err", err)
			return
		}
		slog.Info("config reloaded", "path", path)
		onChange(cfg)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, polling config", "err", err)
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(home); err != nil {
			slog.Warn("cannot watch home, polling config", "home", home, "err", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	poll := time.NewTicker(opts.PollInterval)
	defer poll.Stop()
	debounce := time.NewTimer(opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
			debounce.Reset(opts.Debounce)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("config watcher error", "err", err)
		case <-debounce.C:
			reload()
		case <-poll.C:
			reload()
		}
	}
}
