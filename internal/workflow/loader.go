package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader reads workflow definitions from a set of directories and hot-reloads
// on file change. Later directories override earlier ones by name, so a
// project-local .gobby/workflows/ shadows the global ~/.gobby/workflows/.
type Loader struct {
	dirs   []string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition
	// order preserves deterministic evaluation: sorted file name within dir,
	// dirs in registration order.
	order []string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewLoader(dirs []string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dirs: dirs, logger: logger, defs: map[string]*Definition{}}
}

// Load scans all directories. Unparseable files are logged and skipped so one
// bad workflow never takes down the rest.
func (l *Loader) Load() error {
	l.mu.RLock()
	dirs := append([]string(nil), l.dirs...)
	l.mu.RUnlock()

	defs := map[string]*Definition{}
	var order []string

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // missing dirs are fine
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".yaml" && ext != ".yml" && ext != ".json" {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				l.logger.Warn("workflow.read_failed", "path", path, "error", err)
				continue
			}
			def, err := Parse(data)
			if err != nil {
				l.logger.Warn("workflow.parse_failed", "path", path, "error", err)
				continue
			}
			if _, seen := defs[def.Name]; !seen {
				order = append(order, def.Name)
			}
			defs[def.Name] = def
		}
	}

	l.mu.Lock()
	l.defs = defs
	l.order = order
	l.mu.Unlock()
	l.logger.Info("workflow.loaded", "count", len(defs))
	return nil
}

// AddDir registers another workflow directory and reloads. Because later
// directories win by name, a project directory added here shadows the global
// one. Re-adding a known directory is a no-op.
func (l *Loader) AddDir(dir string) {
	l.mu.Lock()
	for _, d := range l.dirs {
		if d == dir {
			l.mu.Unlock()
			return
		}
	}
	l.dirs = append(l.dirs, dir)
	w := l.watcher
	l.mu.Unlock()

	if w != nil {
		if _, err := os.Stat(dir); err == nil {
			if err := w.Add(dir); err != nil {
				l.logger.Warn("workflow.watch_failed", "dir", dir, "error", err)
			}
		}
	}
	_ = l.Load()
	l.logger.Debug("workflow.dir_added", "dir", dir)
}

// Watch starts fsnotify-driven reloads. Call Close to stop.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.watcher = w
	dirs := append([]string(nil), l.dirs...)
	l.mu.Unlock()
	l.done = make(chan struct{})
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err == nil {
			if err := w.Add(dir); err != nil {
				l.logger.Warn("workflow.watch_failed", "dir", dir, "error", err)
			}
		}
	}

	go func() {
		defer close(l.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.logger.Debug("workflow.reload_triggered", "file", ev.Name)
					_ = l.Load()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("workflow.watcher_error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		<-l.done
	}
}

// Get returns a workflow by name.
func (l *Loader) Get(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok
}

// All returns workflows in deterministic evaluation order.
func (l *Loader) All() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.defs[name])
	}
	return out
}
