package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces bursts of file events into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a registry whenever its definitions file changes.
// Existing assignments stay cached until their TTL expires, so weight
// changes only affect users without a cached assignment.
type Watcher struct {
	path     string
	registry *Registry
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// WatchDefinitions starts watching path and reloading registry on change.
// The parent directory is watched so editors that replace the file by
// rename are handled. Call Close to stop.
func WatchDefinitions(ctx context.Context, path string, registry *Registry, logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     abs,
		registry: registry,
		logger:   logger,
		debounce: debounce,
		watcher:  fw,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit. No reload
// runs after Close returns.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// loop owns the debounce timer and runs every reload itself, so reloads
// never overlap and all stop with the loop.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fire:
			fire = nil
			if ctx.Err() != nil {
				return
			}
			w.reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("experiment watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	defs, err := LoadDefinitions(w.path)
	if err != nil {
		w.logger.Warn("experiment reload failed, keeping previous definitions", "path", w.path, "error", err)
		return
	}
	if err := w.registry.Replace(defs); err != nil {
		w.logger.Warn("experiment reload rejected, keeping previous definitions", "path", w.path, "error", err)
		return
	}
	w.logger.Info("experiments reloaded", "path", w.path, "count", len(defs))
}
