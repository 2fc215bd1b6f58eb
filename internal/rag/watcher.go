package rag

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher re-indexes files as they change on disk. Events are debounced per
// path so a burst of editor writes costs one embedding pass.
type Watcher struct {
	indexer *Indexer
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the indexer's root. Call Run to start.
func NewWatcher(indexer *Indexer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		indexer: indexer,
		watcher: fsw,
		pending: make(map[string]*time.Timer),
	}

	// Watch the root and every non-skipped subdirectory.
	err = filepath.WalkDir(indexer.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != indexer.root) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("rag watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if skipDirs[base] || strings.HasPrefix(base, ".") {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(ev.Name)
			return
		}
		w.debounce(ctx, ev.Name, false)
	case ev.Op.Has(fsnotify.Write):
		w.debounce(ctx, ev.Name, false)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.debounce(ctx, ev.Name, true)
	}
}

func (w *Watcher) debounce(ctx context.Context, path string, removed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		var err error
		if removed {
			err = w.indexer.RemoveFile(ctx, path)
		} else {
			err = w.indexer.IndexFile(ctx, path)
		}
		if err != nil {
			slog.Warn("rag incremental index failed", "path", path, "error", err)
		}
	})
}
