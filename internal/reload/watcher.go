// Package reload detects changes to the files a PV database was loaded from.
package reload

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/pvcore/config"
)

type fingerprint struct {
	modTime time.Time
	size    int64
}

// Watcher polls the source files of a configuration. A directory root is
// listed on every check, so files added to or removed from it count as
// changes too. Each change is reported once.
type Watcher struct {
	mu    sync.Mutex
	paths []string
	dirs  []string
	seen  map[string]fingerprint
}

// NewWatcher starts tracking the sources of cfg plus root.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	w := &Watcher{}
	if err := w.Update(root, cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// Update replaces the tracked sources, typically after a reload.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	var dirs []string
	if root = strings.TrimSpace(root); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", root, err)
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			dirs = append(dirs, abs)
		} else if err == nil {
			paths = append(paths, abs)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = uniquePaths(paths)
	w.dirs = dirs
	w.seen = w.fingerprintsLocked()
	return nil
}

// Check returns the sorted paths that were modified, created or removed
// since the previous call.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.fingerprintsLocked()
	var changed []string
	for path, before := range w.seen {
		now, ok := current[path]
		if !ok || now.modTime.After(before.modTime) || now.size != before.size {
			changed = append(changed, path)
		}
	}
	for path := range current {
		if _, ok := w.seen[path]; !ok {
			changed = append(changed, path)
		}
	}
	w.seen = current
	sort.Strings(changed)
	return changed, nil
}

// fingerprintsLocked stats every tracked file; missing ones are left out.
func (w *Watcher) fingerprintsLocked() map[string]fingerprint {
	out := make(map[string]fingerprint, len(w.paths))
	stat := func(path string) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		out[path] = fingerprint{modTime: info.ModTime(), size: info.Size()}
	}
	for _, path := range w.paths {
		stat(path)
	}
	for _, dir := range w.dirs {
		for _, path := range listConfigFiles(dir) {
			stat(path)
		}
	}
	return out
}

func listConfigFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".cue", ".json":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0:0]
	for _, path := range paths {
		if strings.TrimSpace(path) == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}
