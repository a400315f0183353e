package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces editor save bursts into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// Reloader watches the permission handbook and swaps the classifier's
// boundary whenever the file changes. A handbook that becomes unparseable
// falls back to the conservative defaults, like at startup.
type Reloader struct {
	path       string
	classifier *Classifier
	logger     *slog.Logger
	debounce   time.Duration
	onReload   func(*Boundary)
}

// NewReloader creates a reloader for the handbook at path.
func NewReloader(path string, c *Classifier, logger *slog.Logger) *Reloader {
	return &Reloader{path: path, classifier: c, logger: logger, debounce: DefaultReloadDebounce}
}

// OnReload registers a callback invoked after each reload.
func (r *Reloader) OnReload(fn func(*Boundary)) {
	r.onReload = fn
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that atomic replace-by-rename saves are seen.
func (r *Reloader) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating handbook watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("handbook watcher error", "error", err)
		case <-fire:
			fire = nil
			r.reload()
		}
	}
}

func (r *Reloader) reload() {
	b := LoadOrDefault(r.path, r.logger)
	r.classifier.SetBoundary(b)
	r.logger.Info("permission boundary reloaded", "source", b.Source,
		"auto_approve", len(b.AutoApprove), "require_approval", len(b.RequireApproval),
		"exceptions", len(b.Exceptions))
	if r.onReload != nil {
		r.onReload(b)
	}
}
