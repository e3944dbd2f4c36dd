package signal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PoisonDir is the inbox subdirectory malformed signal files are moved to.
const PoisonDir = "poison"

// scanInterval is the periodic rescan backstop. Directory watchers miss
// events on some filesystems, so the watcher always rescans on this cadence.
const scanInterval = 1 * time.Second

// seenLimit bounds the in-process idempotency set.
const seenLimit = 4096

// Handler receives validated signals in arrival order.
type Handler func(Signal)

// Watcher tails a signal inbox directory. Files are claimed, parsed,
// dispatched to all subscribers, then deleted; a crash before deletion
// replays the file on restart (at-least-once delivery, deduplicated by
// Signal.Key).
type Watcher struct {
	dir string
	log *zap.Logger

	mu       sync.Mutex
	handlers []Handler
	seen     map[string]struct{}
	seenFIFO []string
}

// NewWatcher creates a watcher for the given inbox directory.
func NewWatcher(dir string, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		dir:  dir,
		log:  log,
		seen: make(map[string]struct{}),
	}
}

// Subscribe registers a handler. Handlers must be registered before Run;
// each validated signal is delivered to every handler, in order, on the
// watcher goroutine.
func (w *Watcher) Subscribe(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Run watches the inbox until ctx is cancelled. It combines fsnotify events
// with the periodic rescan backstop; both paths funnel into Scan.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, falling back to scan only", zap.Error(err))
		fw = nil
	} else {
		defer fw.Close()
		if err := fw.Add(w.dir); err != nil {
			w.log.Warn("watching inbox failed, falling back to scan only",
				zap.String("dir", w.dir), zap.Error(err))
		}
	}

	// Drain anything left over from a previous run before waiting on events.
	w.Scan()

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw != nil {
		events = fw.Events
		errs = fw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				w.Scan()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("inbox watch error", zap.Error(err))
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan processes every deliverable file currently in the inbox, in name
// order. Exported so tests and the rescan path share one entry point.
func (w *Watcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("reading inbox", zap.Error(err))
		return
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w.processFile(filepath.Join(w.dir, name))
	}
}

// processFile claims, parses, dispatches and retires one signal file.
func (w *Watcher) processFile(path string) {
	// Claim the file so a concurrent scan never double-delivers.
	claimed := path + ".processing"
	if err := os.Rename(path, claimed); err != nil {
		return // already claimed or gone
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		w.log.Warn("reading signal file", zap.String("file", path), zap.Error(err))
		w.quarantine(claimed)
		return
	}

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		w.log.Warn("malformed signal file", zap.String("file", path), zap.Error(err))
		w.quarantine(claimed)
		return
	}
	if !sig.Kind.Valid() {
		w.log.Warn("dropping signal with unknown kind",
			zap.String("kind", string(sig.Kind)), zap.String("session", sig.Session))
		os.Remove(claimed)
		return
	}
	if sig.Session == "" {
		w.log.Warn("dropping signal without session", zap.String("file", path))
		os.Remove(claimed)
		return
	}

	if w.markSeen(sig.Key()) {
		w.dispatch(sig)
	}

	// Deleted only after all subscribers returned: a crash above replays the
	// file on restart.
	if err := os.Remove(claimed); err != nil {
		w.log.Warn("retiring signal file", zap.String("file", claimed), zap.Error(err))
	}
}

// dispatch delivers sig to every handler in subscription order.
func (w *Watcher) dispatch(sig Signal) {
	w.mu.Lock()
	handlers := make([]Handler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(sig)
	}
}

// markSeen records an idempotency key. Returns false if the key was already
// delivered in this process (replayed file).
func (w *Watcher) markSeen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.seen[key]; dup {
		return false
	}
	w.seen[key] = struct{}{}
	w.seenFIFO = append(w.seenFIFO, key)
	if len(w.seenFIFO) > seenLimit {
		evict := w.seenFIFO[0]
		w.seenFIFO = w.seenFIFO[1:]
		delete(w.seen, evict)
	}
	return true
}

// quarantine moves a bad file into the poison subdirectory.
func (w *Watcher) quarantine(path string) {
	poison := filepath.Join(w.dir, PoisonDir)
	if err := os.MkdirAll(poison, 0o755); err != nil {
		w.log.Warn("creating poison dir", zap.Error(err))
		return
	}
	dest := filepath.Join(poison, filepath.Base(strings.TrimSuffix(path, ".processing")))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("quarantining signal file", zap.String("file", path), zap.Error(err))
	}
}
