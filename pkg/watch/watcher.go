package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/foamflask/foamflask/pkg/events"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
)

// Invalidator drops cached state for a case directory
type Invalidator interface {
	Invalidate(caseDir string)
}

// Watcher follows every case directory under a root and publishes a
// debounced case.changed event whenever something inside one changes
type Watcher struct {
	root     string
	broker   *events.Broker
	inv      Invalidator
	debounce time.Duration
	logger   zerolog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher for the case directories directly under root
func New(root string, broker *events.Broker, inv Invalidator, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve case root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		root:     abs,
		broker:   broker,
		inv:      inv,
		debounce: debounce,
		logger:   log.WithComponent("watch"),
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the root and every existing case directory
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch case root: %w", err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to list case root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addCase(filepath.Join(w.root, e.Name()))
		}
	}

	go w.run()
	w.logger.Info().Str("root", w.root).Int("cases", len(entries)).Msg("Watching case directories")
	return nil
}

// Stop stops watching and cancels pending notifications
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.fsw.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) addCase(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn().Err(err).Str("case", filepath.Base(dir)).Msg("Failed to watch case")
	}
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watch error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	metrics.WatchEvents.Inc()

	caseDir, direct := w.caseOf(ev.Name)
	if caseDir == "" {
		return
	}

	if direct {
		// the case directory itself
		switch {
		case ev.Has(fsnotify.Create):
			if info, err := os.Stat(caseDir); err == nil && info.IsDir() {
				w.addCase(caseDir)
				w.schedule(caseDir)
			}
		case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
			w.cancel(caseDir)
			w.inv.Invalidate(caseDir)
			w.publish(events.EventCaseRemoved, caseDir)
		}
		return
	}

	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	w.schedule(caseDir)
}

// caseOf maps a path to its case directory. direct is set when the path
// is the case directory itself.
func (w *Watcher) caseOf(path string) (caseDir string, direct bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, rest, _ := strings.Cut(rel, string(filepath.Separator))
	if strings.HasPrefix(first, ".") {
		return "", false
	}
	return filepath.Join(w.root, first), rest == ""
}

// schedule publishes a change for caseDir once no further change arrives
// within the debounce window
func (w *Watcher) schedule(caseDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[caseDir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[caseDir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, caseDir)
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.publish(events.EventCaseChanged, caseDir)
		}
	})
}

func (w *Watcher) cancel(caseDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[caseDir]; ok {
		t.Stop()
		delete(w.pending, caseDir)
	}
}

func (w *Watcher) publish(t events.EventType, caseDir string) {
	w.logger.Debug().Str("case", filepath.Base(caseDir)).Str("type", string(t)).Msg("Case event")
	w.broker.Publish(&events.Event{Type: t, Case: caseDir})
}
