// Package watcher notifies registered listeners when the communications
// document changes, debouncing bursts of filesystem events and suppressing
// notifications back to whichever agent authored the change.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360studio/orchestrate/commbus"
	"github.com/fsnotify/fsnotify"
)

// MinDebounce is the floor enforced on the configured debounce interval.
const MinDebounce = 20 * time.Millisecond

// DefaultDebounce is used when the caller passes zero.
const DefaultDebounce = 100 * time.Millisecond

// Callback is invoked with the current document whenever a non-self change
// is detected. Callbacks are awaited to completion before the next change is
// processed, so a single listener sees changes in order.
type Callback func(doc *commbus.Document)

// Watcher fans out CommBus document changes to registered listeners.
type Watcher struct {
	bus      *commbus.Bus
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu        sync.Mutex
	listeners map[string]Callback
	lastHash  string

	pendingMu sync.Mutex
	dirty     bool
}

// New creates a Watcher over bus. debounce <= 0 uses DefaultDebounce; values
// below MinDebounce are raised to MinDebounce.
func New(bus *commbus.Bus, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if debounce < MinDebounce {
		debounce = MinDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(bus.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		bus:       bus,
		debounce:  debounce,
		logger:    logger,
		fsw:       fsw,
		listeners: make(map[string]Callback),
	}, nil
}

// Register adds or replaces the callback for agentName.
func (w *Watcher) Register(agentName string, cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[agentName] = cb
}

// Unregister removes agentName's callback.
func (w *Watcher) Unregister(agentName string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, agentName)
}

// Run blocks processing filesystem events and debounced flushes until ctx is
// canceled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	target := filepath.Base(w.bus.Path())

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			w.pendingMu.Lock()
			w.dirty = true
			w.pendingMu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.flush()
		}
	}
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	dirty := w.dirty
	w.dirty = false
	w.pendingMu.Unlock()

	if !dirty {
		return
	}

	newHash, err := w.bus.GetFileHash()
	if err != nil {
		w.logger.Error("failed to hash comm document", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	if newHash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = newHash
	w.mu.Unlock()

	doc, err := w.bus.ReadRaw()
	if err != nil {
		w.logger.Error("failed to read comm document", slog.String("error", err.Error()))
		return
	}

	updatedBy := doc.Meta.LastUpdatedBy

	w.mu.Lock()
	callbacks := make(map[string]Callback, len(w.listeners))
	for name, cb := range w.listeners {
		if name == updatedBy {
			continue
		}
		callbacks[name] = cb
	}
	w.mu.Unlock()

	for name, cb := range callbacks {
		w.invoke(name, cb, doc)
	}
}

func (w *Watcher) invoke(name string, cb Callback, doc *commbus.Document) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher callback panicked", slog.String("agent", name), slog.Any("panic", r))
		}
	}()
	cb(doc)
}
