package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// identityRescan is the periodic backstop for missed fsnotify events.
const identityRescan = time.Second

// IdentityWatcher watches project `.claude/sessions` directories for
// agent-<sessionID>.txt files and reports each registration once.
type IdentityWatcher struct {
	register func(sessionID, agentName string) error
	log      *zap.Logger

	mu   sync.Mutex
	dirs map[string]bool
	seen map[string]bool
}

// NewIdentityWatcher creates a watcher delivering registrations to register.
func NewIdentityWatcher(register func(sessionID, agentName string) error, log *zap.Logger) *IdentityWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityWatcher{
		register: register,
		log:      log,
		dirs:     make(map[string]bool),
		seen:     make(map[string]bool),
	}
}

// AddProject starts watching a project's identity directory, creating it if
// missing so the watch can be established before the first agent writes.
func (w *IdentityWatcher) AddProject(projectPath string) string {
	dir := filepath.Join(projectPath, ".claude", "sessions")
	w.mu.Lock()
	w.dirs[dir] = true
	w.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn("creating identity dir", zap.String("dir", dir), zap.Error(err))
	}
	return dir
}

// Run watches all registered directories until the context is cancelled.
// fsnotify events are combined with a periodic rescan; watchers miss events
// on some filesystems.
func (w *IdentityWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	watched := make(map[string]bool)
	syncWatches := func() {
		w.mu.Lock()
		dirs := make([]string, 0, len(w.dirs))
		for d := range w.dirs {
			dirs = append(dirs, d)
		}
		w.mu.Unlock()
		for _, d := range dirs {
			if watched[d] {
				continue
			}
			if err := fw.Add(d); err != nil {
				w.log.Debug("watching identity dir", zap.String("dir", d), zap.Error(err))
				continue
			}
			watched[d] = true
		}
	}
	syncWatches()
	w.ScanAll()

	ticker := time.NewTicker(identityRescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.processFile(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Debug("identity watcher error", zap.Error(err))
		case <-ticker.C:
			syncWatches()
			w.ScanAll()
		}
	}
}

// ScanAll sweeps every watched directory.
func (w *IdentityWatcher) ScanAll() {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	w.mu.Unlock()

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.processFile(filepath.Join(dir, e.Name()))
			}
		}
	}
}

// processFile parses one identity file and delivers the registration once.
func (w *IdentityWatcher) processFile(path string) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "agent-") || !strings.HasSuffix(base, ".txt") {
		return
	}
	sessionID := strings.TrimSuffix(strings.TrimPrefix(base, "agent-"), ".txt")
	if sessionID == "" {
		return
	}

	w.mu.Lock()
	if w.seen[path] {
		w.mu.Unlock()
		return
	}
	w.seen[path] = true
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		w.mu.Lock()
		delete(w.seen, path) // retry on the next pass
		w.mu.Unlock()
		return
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		w.mu.Lock()
		delete(w.seen, path) // written but not yet flushed
		w.mu.Unlock()
		return
	}

	if err := w.register(sessionID, name); err != nil {
		w.log.Warn("agent registration failed",
			zap.String("sessionId", sessionID),
			zap.String("name", name),
			zap.Error(err))
	}
}
