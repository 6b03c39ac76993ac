package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RegistryWatcher keeps the AggregateState record in sync with the identity
// records in the state directory. It is owned by the supervisor.
type RegistryWatcher struct {
	store        *Store
	owner        SupervisorInfo
	debounce     time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex // serialises rebuilds
	stopped bool
}

// NewRegistryWatcher creates a watcher that stamps owner into the aggregate
func NewRegistryWatcher(store *Store, owner SupervisorInfo) *RegistryWatcher {
	return &RegistryWatcher{
		store:        store,
		owner:        owner,
		debounce:     200 * time.Millisecond,
		pollInterval: 30 * time.Second,
		logger:       slog.Default(),
	}
}

// Rebuild rewrites the aggregate from the current identity records
func (w *RegistryWatcher) Rebuild() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}

	ids, err := w.store.ListIdentities()
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	owner := w.owner
	agg := AggregateState{
		UpdatedAt:  time.Now().UTC(),
		Supervisor: &owner,
		Workers:    ids,
	}
	if err := w.store.WriteAggregate(agg); err != nil {
		return err
	}
	w.logger.Debug("Registry rebuilt", "workers", len(ids))
	return nil
}

// relevant reports whether a filesystem event touches an identity record
func relevant(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, recordExt) && base != AggregateKey+recordExt
}

// Run rebuilds once, then on every identity change until ctx is done.
// Falls back to polling when the directory cannot be watched. No rebuild
// happens after Run returns.
func (w *RegistryWatcher) Run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}()

	if err := os.MkdirAll(w.store.Dir(), 0o755); err != nil {
		w.logger.Warn("Failed to create state directory", "dir", w.store.Dir(), "error", err)
	}
	if err := w.Rebuild(); err != nil {
		w.logger.Warn("Initial registry rebuild failed", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("Failed to create state directory watcher, polling instead", "error", err)
		w.poll(ctx)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.store.Dir()); err != nil {
		w.logger.Warn("Failed to watch state directory, polling instead", "dir", w.store.Dir(), "error", err)
		w.poll(ctx)
		return
	}

	// Safety net for missed events
	fallback := time.NewTicker(w.pollInterval)
	defer fallback.Stop()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	rebuild := func() {
		if err := w.Rebuild(); err != nil {
			w.logger.Warn("Registry rebuild failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("State directory change", "event", event.Op.String(), "file", event.Name)

			// Debounce bursts (temp file + rename produce several events)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, rebuild)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("State directory watcher error", "error", err)
		case <-fallback.C:
			rebuild()
		}
	}
}

func (w *RegistryWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Rebuild(); err != nil {
				w.logger.Warn("Registry rebuild failed", "error", err)
			}
		}
	}
}
