// Package watcher reloads limits when another process rewrites the
// credential file.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often pending events are checked.
	debounceInterval = 500 * time.Millisecond

	// settleTime is how long the file must be quiet before it is read.
	settleTime = 300 * time.Millisecond
)

// ChangeDetector reports whether the credential file differs from what
// this process last wrote. Satisfied by *credentials.Store.
type ChangeDetector interface {
	ChangedExternally() bool
}

// Refresher is the part of the limits coordinator the watcher drives.
type Refresher interface {
	Invalidate(provider string)
	RefreshAll(ctx context.Context) time.Time
}

// Watcher monitors one file inside a directory. The directory is watched
// rather than the file because atomic saves replace the inode.
type Watcher struct {
	dir      string
	file     string
	store    ChangeDetector
	limits   Refresher
	logger   *slog.Logger
	debounce time.Duration
	settle   time.Duration
}

// New returns a watcher for dir/file.
func New(dir, file string, store ChangeDetector, limits Refresher, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		file:     file,
		store:    store,
		limits:   limits,
		logger:   logger.With(slog.String("component", "watcher")),
		debounce: debounceInterval,
		settle:   settleTime,
	}
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if _, err := os.Stat(w.dir); err != nil {
		return fmt.Errorf("watching data dir: %w", err)
	}

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching data dir: %w", err)
	}

	w.logger.Info("credential watcher started", slog.String("dir", w.dir))

	var pending time.Time

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Base(event.Name) != w.file {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) {
				pending = time.Now()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < w.settle {
				continue
			}

			pending = time.Time{}
			w.handleChange(ctx)
		}
	}
}

func (w *Watcher) handleChange(ctx context.Context) {
	if !w.store.ChangedExternally() {
		return
	}

	w.logger.Info("credentials changed on disk, refreshing limits")
	w.limits.Invalidate("")

	go w.limits.RefreshAll(ctx)
}
