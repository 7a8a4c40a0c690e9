package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSignals requests a stop on SIGINT or SIGTERM. It returns immediately;
// the watcher goroutine exits when ctx is cancelled.
func WatchSignals(ctx context.Context, c *Coordinator) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			c.RequestStop(fmt.Sprintf("signal: %s", sig))
		case <-ctx.Done():
		}
	}()
}

// WatchStopFile requests a stop once path exists. It prefers filesystem
// notifications on the parent directory and falls back to polling at
// pollInterval, because network mounts and some editors defeat inotify.
// Returns immediately; the watcher goroutine exits when ctx is cancelled.
func WatchStopFile(ctx context.Context, c *Coordinator, clk clock.Clock, log *zap.Logger, path string, pollInterval time.Duration) {
	if path == "" {
		return
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	trigger := func() {
		c.RequestStop(fmt.Sprintf("stop file present: %s", path))
	}

	if _, err := os.Stat(path); err == nil {
		trigger()
		return
	}

	var watcher *fsnotify.Watcher
	if w, err := fsnotify.NewWatcher(); err != nil {
		log.Warn("stop file watcher unavailable, polling only", zap.Error(err))
	} else if err := w.Add(filepath.Dir(path)); err != nil {
		log.Warn("stop file watch failed, polling only",
			zap.String("dir", filepath.Dir(path)), zap.Error(err))
		w.Close()
	} else {
		watcher = w
	}

	go func() {
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := clk.Ticker(pollInterval)
		defer ticker.Stop()

		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if ev.Name == path && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
					trigger()
					return
				}
			case err := <-errs:
				log.Warn("stop file watcher error", zap.Error(err))
			case <-ticker.C:
				if _, err := os.Stat(path); err == nil {
					trigger()
					return
				}
			}
		}
	}()
}
