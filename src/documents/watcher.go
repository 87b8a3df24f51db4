package documents

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/clice-io/clice/src/compiledb"
	"github.com/clice-io/clice/src/internal/common"
)

// Watcher reloads the compilation database when a compile_commands.json
// under one of the watched directories changes, then rebuilds every open
// document so stale arguments do not linger.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching dirs. Reload failures are logged, never fatal.
func Watch(dirs []string, workspace string, db *compiledb.CompilationDatabase, manager *Manager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			common.DBLogger.Debug("Cannot watch %s: %v", dir, err)
		}
	}

	w := &Watcher{watcher: fsw, done: make(chan struct{})}
	go w.run(dirs, workspace, db, manager)
	return w, nil
}

func (w *Watcher) run(dirs []string, workspace string, db *compiledb.CompilationDatabase, manager *Manager) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "compile_commands.json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			common.DBLogger.Info("compile_commands.json changed, reloading")
			if db.LoadDirs(dirs, workspace) {
				for _, path := range manager.Paths() {
					if entry, ok := manager.Get(path); ok {
						manager.Open(path, entry.Content, entry.Version)
					}
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			common.DBLogger.Warn("File watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}
