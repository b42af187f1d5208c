// Package watcher tracks which files change under a session's project
// directory while the session is live. Changes are debounced and
// reported as diff snapshots; the hub turns them into session inputs.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sessionhub/internal/session"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs never contribute to diff snapshots.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback receives a fresh diff snapshot for a session.
type UpdateCallback func(sessionID string, diff session.DiffSnapshot)

// Watcher monitors project directories, one fsnotify watcher per
// session.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher
	callback UpdateCallback
	logger   *slog.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	// changed holds project-relative paths touched since the watch
	// started. Guarded by mu: the watch loop writes while the debounce
	// timer's flush reads, and a timer that already fired keeps
	// running even after Stop.
	mu      sync.Mutex
	changed map[string]struct{}
}

func (sw *sessionWatcher) record(rel string) {
	sw.mu.Lock()
	sw.changed[rel] = struct{}{}
	sw.mu.Unlock()
}

func (sw *sessionWatcher) changedPaths() []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	paths := make([]string, 0, len(sw.changed))
	for p := range sw.changed {
		paths = append(paths, p)
	}
	return paths
}

// New creates a watcher that reports diff changes through callback.
func New(callback UpdateCallback, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
		logger:   logger,
	}
}

// Watch starts tracking changes under workDir for a session.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		changed:   make(map[string]struct{}),
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	return nil
}

// Unwatch stops tracking a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// watchLoop accumulates fsnotify events and flushes a snapshot after
// the debounce interval passes without further activity.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			rel, skip := sw.relevantPath(event.Name)
			if skip {
				continue
			}

			// New directories need their own watch.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					sw.fsWatcher.Add(event.Name)
					continue
				}
			}

			sw.record(rel)

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.flush(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "session", sw.sessionID, "error", err)
		}
	}
}

// relevantPath maps an absolute event path to a project-relative path,
// or reports skip for excluded and hidden locations.
func (sw *sessionWatcher) relevantPath(name string) (rel string, skip bool) {
	rel, err := filepath.Rel(sw.workDir, name)
	if err != nil {
		return "", true
	}
	for _, part := range splitPath(rel) {
		if excludedDirs[part] || isHidden(part) {
			return "", true
		}
	}
	return rel, false
}

// flush snapshots the accumulated change set and notifies the
// callback. Runs on the debounce timer's goroutine.
func (w *Watcher) flush(sw *sessionWatcher) {
	select {
	case <-sw.cancel:
		return
	default:
	}

	paths := sw.changedPaths()
	sort.Strings(paths)

	if w.callback != nil {
		w.callback(sw.sessionID, session.DiffSnapshot{
			ChangedFiles: len(paths),
			Paths:        paths,
			UpdatedAt:    time.Now().UTC(),
		})
	}
}

// Shutdown stops every active watch.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an
// fsnotify watcher, skipping excluded and hidden trees.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if (excludedDirs[name] || isHidden(name)) && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func splitPath(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
