package cache

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher abstracts filesystem event monitoring so tests can inject a
// fake implementation instead of touching a real inotify instance.
// Satisfied by *fsnotify.Watcher.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// InFlight tracks paths CachingTree is currently writing to, so the
// Watcher can tell its own writes apart from a write that happened out of
// band (backup restore, admin script, antivirus quarantine).
type InFlight struct {
	mu    sync.Mutex
	paths map[string]int
}

// NewInFlight returns an empty in-flight tracker.
func NewInFlight() *InFlight {
	return &InFlight{paths: make(map[string]int)}
}

// Mark records that path is about to be written by CachingTree itself.
// Callers must call Unmark exactly once when the write completes.
func (f *InFlight) Mark(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths[path]++
}

// Unmark releases a previous Mark.
func (f *InFlight) Unmark(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paths[path] <= 1 {
		delete(f.paths, path)
		return
	}

	f.paths[path]--
}

// Contains reports whether path currently has an outstanding Mark.
func (f *InFlight) Contains(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.paths[path] > 0
}

// Watcher observes the local cache root for writes/removes that did not
// originate from CachingTree itself, invalidating the affected CacheEntry
// and its containing directory's ListCache entry so the next cacheFile
// call re-validates against the remote rather than serving stale bytes.
// Pure hardening: it never changes an invariant CachingTree itself
// enforces, and is disabled entirely when config.local.watch_local_cache
// is false.
type Watcher struct {
	overlay    *Overlay
	inFlight   *InFlight
	invalidate func(path string)
	logger     *slog.Logger

	root         string
	newFsWatcher func() (FsWatcher, error)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher returns a Watcher rooted at root. invalidate is called with
// the parent directory (root-relative, slash-separated) of any file changed
// out-of-band (the caller wires this to ListCache.Invalidate).
func NewWatcher(root string, overlay *Overlay, inFlight *InFlight, invalidate func(path string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		overlay:    overlay,
		inFlight:   inFlight,
		invalidate: invalidate,
		logger:     logger,
		root:       root,
		newFsWatcher: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// Start walks root adding every directory to the watch set, then runs the
// event loop in a background goroutine until ctx is canceled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := w.newFsWatcher()
	if err != nil {
		return err
	}

	if err := addTree(fw, w.root); err != nil {
		fw.Close() //nolint:errcheck
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(runCtx, fw)

	return nil
}

// Stop halts the event loop and closes the underlying watch handle,
// blocking until the loop goroutine has exited.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context, fw FsWatcher) {
	defer close(w.done)
	defer fw.Close() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events():
			if !ok {
				return
			}

			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors():
			if !ok {
				return
			}

			w.logger.Warn("cache: watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw FsWatcher, ev fsnotify.Event) {
	if strings.HasSuffix(ev.Name, sidecarSuffix) {
		return
	}

	relPath := toCachePath(w.root, ev.Name)

	if w.inFlight.Contains(relPath) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Write), ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.logger.Info("cache: detected out-of-band change", "path", relPath, "op", ev.Op.String())

		if err := w.overlay.Delete(ctx, relPath); err != nil {
			w.logger.Warn("cache: failed to invalidate sidecar after external change", "path", relPath, "err", err)
		}

		if w.invalidate != nil {
			w.invalidate(parentOf(relPath))
		}
	case ev.Op.Has(fsnotify.Create):
		if err := fw.Add(ev.Name); err != nil {
			w.logger.Debug("cache: add watch for new entry failed (likely a file, not a dir)", "path", ev.Name, "err", err)
		}
	}
}

func addTree(fw FsWatcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return fw.Add(path)
		}

		return nil
	})
}

func toCachePath(root, full string) string {
	rel := strings.TrimPrefix(full, root)
	if rel == "" {
		return "/"
	}

	return filepath.ToSlash(rel)
}

func parentOf(path string) string {
	dir := filepath.Dir(filepath.FromSlash(path))
	return filepath.ToSlash(dir)
}

const sidecarSuffix = ".rqmeta"
