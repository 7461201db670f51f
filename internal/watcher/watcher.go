// Package watcher is the debounced local filesystem watcher: it bridges
// OS-level change notifications into syncengine.Engine.OnLocalChange /
// OnLocalFolderDelete calls, filtering noise (temp/swap extensions,
// CHMOD-only events, rm -rf storms) and coalescing bursts of events on the
// same path into a single dispatch via fsnotify+bep/debounce.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	jww "github.com/spf13/jwalterweatherman"
)

// ChangeHandler is called once per settled local file path after the
// debounce window elapses. Implemented by syncengine.Engine.OnLocalChange in
// production (after the caller derives a root-relative path).
type ChangeHandler func(ctx context.Context, absPath string)

// FolderDeleteHandler is called when a watched directory itself disappears.
// Implemented by syncengine.Engine.OnLocalFolderDelete in production.
type FolderDeleteHandler func(ctx context.Context, absFolderPath string)

// DebounceWindow is how long the watcher waits for a path to stop changing
// before firing its handler.
const DebounceWindow = 1 * time.Second

// tempExtensions lists suffixes treated as noise: editor swap/backup files
// that aren't meaningful content changes.
var tempExtensions = []string{"~", ".swp", ".swx", ".tmp", ".goutputstream", "jb_old___", "jb_bak___", ".DS_Store"}

func isTemp(name string) bool {
	ext := filepath.Ext(name)
	for _, suffix := range tempExtensions {
		if strings.HasSuffix(ext, suffix) || strings.HasPrefix(ext, ".goutputstream") {
			return true
		}
	}
	return false
}

// Watcher recursively watches a root directory for changes and dispatches
// debounced, filtered events to OnChange / OnFolderDelete.
type Watcher struct {
	Root           string
	OnChange       ChangeHandler
	OnFolderDelete FolderDeleteHandler
	fsWatcher      *fsnotify.Watcher
	mu             sync.Mutex
	debouncers     map[string]func(func())
}

// New creates a Watcher rooted at root. Call Run to start it.
func New(root string, onChange ChangeHandler, onFolderDelete FolderDeleteHandler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		Root:           root,
		OnChange:       onChange,
		OnFolderDelete: onFolderDelete,
		fsWatcher:      fw,
		debouncers:     make(map[string]func(func())),
	}
	return w, nil
}

// Run adds every directory under Root to the watch list, then blocks
// dispatching events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsWatcher.Close()

	if err := w.addRecursive(w.Root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			jww.WARN.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != w.Root {
				return filepath.SkipDir
			}
			if addErr := w.fsWatcher.Add(path); addErr != nil {
				jww.WARN.Printf("watcher: add %s failed: %v", path, addErr)
			}
		}
		return nil
	})
}

// handle filters noise (temp extensions, CHMOD-only events, empty names
// from rm -rf storms) and schedules a debounced dispatch for anything that
// survives.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Name == "" || isTemp(ev.Name) {
		return
	}
	if ev.Op == fsnotify.Chmod {
		// CHMOD-only events are not meaningful content changes: these often
		// trail a real write on OS X.
		return
	}

	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				jww.WARN.Printf("watcher: recursive add of %s failed: %v", ev.Name, err)
			}
			return
		}
	}

	if ev.Op&fsnotify.Remove == fsnotify.Remove || ev.Op&fsnotify.Rename == fsnotify.Rename {
		if info, statErr := os.Stat(ev.Name); statErr != nil {
			// Path is gone; we can't tell file from folder anymore, so fan
			// out to both handlers and let the engine's own state decide
			// what actually needs deleting.
			w.dispatch(ev.Name, func() {
				if w.OnFolderDelete != nil {
					w.OnFolderDelete(ctx, ev.Name)
				}
				if w.OnChange != nil {
					w.OnChange(ctx, ev.Name)
				}
			})
			return
		} else if info.IsDir() {
			return
		}
	}

	w.dispatch(ev.Name, func() {
		if w.OnChange != nil {
			w.OnChange(ctx, ev.Name)
		}
	})
}

// dispatch debounces fn per-path: repeated events for the same path within
// DebounceWindow collapse into a single call.
func (w *Watcher) dispatch(path string, fn func()) {
	w.mu.Lock()
	d, ok := w.debouncers[path]
	if !ok {
		d = debounce.New(DebounceWindow)
		w.debouncers[path] = d
	}
	w.mu.Unlock()
	d(fn)
}
