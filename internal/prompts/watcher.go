package prompts

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"redub/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher auto-registers template edits in the prompt directory so a running
// daemon picks up new prompt versions without a restart.
type Watcher struct {
	registry *Registry
	logger   *slog.Logger

	// Debounce coalesces editor write bursts. Tests shorten it.
	Debounce time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	watcher *fsnotify.Watcher
}

// NewWatcher builds a watcher over the registry's prompt directory.
func NewWatcher(registry *Registry, logger *slog.Logger) *Watcher {
	return &Watcher{
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "prompt-watcher"),
		Debounce: defaultDebounce,
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins watching. It returns immediately; registration happens on a
// background goroutine until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(w.registry.dir); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	w.watcher = fsWatcher

	w.logger.Info("watching prompt directory",
		logging.String("dir", w.registry.dir),
		logging.String(logging.FieldEventType, "prompt_watch_started"),
	)

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() {
		_ = w.watcher.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".md") {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("prompt watcher error", logging.Error(err))
		}
	}
}

// schedule resets the per-file debounce timer so an editor's burst of writes
// registers once.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.Debounce, func() {
		w.registerChanged(ctx, path)
	})
}

func (w *Watcher) registerChanged(ctx context.Context, path string) {
	version, created, err := w.registry.Register(ctx, "", path, false)
	if err != nil {
		w.logger.Warn("prompt auto-register failed",
			logging.String("path", path),
			logging.Error(err),
		)
		return
	}
	if created {
		w.logger.Info("prompt template changed",
			logging.String("prompt", version.Name),
			logging.Int("version", version.Version),
			logging.String(logging.FieldEventType, "prompt_auto_registered"),
		)
	}
}
