// Package cachingtree implements CachingTree: the user-facing tree that
// routes reads and writes through LocalCache and the remote transport,
// consulting PathLock for serialization and scheduling mutations into the
// RequestQueue.
package cachingtree

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/download"
	"github.com/paladugu82/node-smb-server-sub001/internal/events"
	"github.com/paladugu82/node-smb-server-sub001/internal/listcache"
	"github.com/paladugu82/node-smb-server-sub001/internal/pathlock"
	"github.com/paladugu82/node-smb-server-sub001/internal/rq"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

// Tree is the CachingTree. Construct with New; all fields are wired
// singletons owned by the enclosing share (see internal/remoteshare).
type Tree struct {
	local       rqio.LocalTree
	remote      rqio.RemoteTree
	locks       *pathlock.Table
	queue       *rq.Store
	overlay     *cache.Overlay
	coordinator *download.Coordinator
	listCache   *listcache.Cache
	bus         *events.Bus
	logger      *slog.Logger
	noNormalize bool
	watcher     *cache.InFlight
}

// Deps bundles the collaborators a Tree needs. All fields are required
// except Watcher, which is nil when the local cache integrity watcher
// (config.local.watch_local_cache) is disabled.
type Deps struct {
	Local       rqio.LocalTree
	Remote      rqio.RemoteTree
	Locks       *pathlock.Table
	Queue       *rq.Store
	Overlay     *cache.Overlay
	Coordinator *download.Coordinator
	ListCache   *listcache.Cache
	Bus         *events.Bus
	Logger      *slog.Logger
	NoNormalize bool
	Watcher     *cache.InFlight
}

// New constructs a Tree from its collaborators.
func New(d Deps) *Tree {
	return &Tree{
		local:       d.Local,
		remote:      d.Remote,
		locks:       d.Locks,
		queue:       d.Queue,
		overlay:     d.Overlay,
		coordinator: d.Coordinator,
		listCache:   d.ListCache,
		bus:         d.Bus,
		logger:      d.Logger,
		noNormalize: d.NoNormalize,
		watcher:     d.Watcher,
	}
}

// markWrite tells the local cache integrity watcher that path is about to
// be mutated by the tree itself, so the resulting fsnotify event isn't
// mistaken for an out-of-band change. No-op when no watcher is wired.
func (t *Tree) markWrite(path string) {
	if t.watcher != nil {
		t.watcher.Mark(path)
	}
}

func (t *Tree) unmarkWrite(path string) {
	if t.watcher != nil {
		t.watcher.Unmark(path)
	}
}

func (t *Tree) normalize(path string) string {
	return cache.NormalizePath(path, t.noNormalize)
}

func methodForWrite(e *cache.Entry) rq.Method {
	if e.CreatedLocally {
		return rq.MethodPut
	}

	return rq.MethodPost
}

func (t *Tree) enqueue(ctx context.Context, path string, method rq.Method) error {
	return t.queue.Queue(ctx, rq.Entry{
		Path:        path,
		Name:        "content",
		Method:      method,
		TimestampMs: nowMillis(),
	})
}

// Exists reports whether path exists locally or on the remote; local is
// authoritative when present.
func (t *Tree) Exists(ctx context.Context, path string) (bool, error) {
	path = t.normalize(path)

	if ok, err := t.local.Exists(ctx, path); err != nil {
		return false, fmt.Errorf("cachingtree: exists %s: %w", path, err)
	} else if ok {
		return true, nil
	}

	if cache.IsTempFile(path) {
		return false, nil
	}

	_, err := t.remote.Stat(ctx, path)
	if err != nil {
		return false, nil //nolint:nilerr
	}

	return true, nil
}

// Open returns a handle for path. A read open first ensures path is cached
// locally (downloading if necessary). write indicates the caller intends to
// mutate the file; opening for write does not itself trigger a download —
// the handle's first Read, Write or SetLength does.
func (t *Tree) Open(ctx context.Context, path string, write bool) (*Handle, error) {
	path = t.normalize(path)

	if !write {
		if err := t.cacheFile(ctx, path); err != nil {
			return nil, err
		}

		local, err := t.openOrCreateLocal(ctx, path)
		if err != nil {
			return nil, err
		}

		return &Handle{tree: t, path: path, local: local, write: false}, nil
	}

	// Write opens defer both cacheFile and the local open/create to the
	// first Read/Write/SetLength (Handle.ensureLocal) — opening the local
	// file here, before any download, would leave an empty stub in place
	// that a download's temp-file rename can no longer reach once this
	// handle already holds it open.
	t.markWrite(path)

	return &Handle{tree: t, path: path, write: true}, nil
}

func (t *Tree) openOrCreateLocal(ctx context.Context, path string) (rqio.Handle, error) {
	exists, err := t.local.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("cachingtree: check local existence %s: %w", path, err)
	}

	if exists {
		return t.local.Open(ctx, path)
	}

	return t.local.Create(ctx, path)
}

// CreateFile creates a new, empty, locally-originated file.
func (t *Tree) CreateFile(ctx context.Context, path string) (*Handle, error) {
	path = t.normalize(path)

	t.markWrite(path)

	local, err := t.local.Create(ctx, path)
	if err != nil {
		t.unmarkWrite(path)
		return nil, fmt.Errorf("cachingtree: create %s: %w", path, err)
	}

	if !cache.IsTempFile(path) {
		if err := t.overlay.Put(ctx, path, cache.NewEntry(path)); err != nil {
			t.unmarkWrite(path)
			return nil, err
		}
	}

	return &Handle{tree: t, path: path, local: local, write: true}, nil
}

// CreateDirectory creates a local directory and the corresponding remote
// resource.
func (t *Tree) CreateDirectory(ctx context.Context, path string) error {
	path = t.normalize(path)

	if err := t.local.CreateDirectory(ctx, path); err != nil {
		return fmt.Errorf("cachingtree: create directory %s: %w", path, err)
	}

	if err := t.remote.CreateDirectoryResource(ctx, path); err != nil {
		t.logger.Warn("remote directory create failed, will not retry", "path", path, "err", err)
	}

	t.listCache.Invalidate(parentOf(path), false)

	return nil
}

// Delete enqueues a DELETE mutation and removes the local cache entry.
func (t *Tree) Delete(ctx context.Context, path string) error {
	path = t.normalize(path)

	unlock, err := t.locks.Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	t.markWrite(path)
	defer t.unmarkWrite(path)

	if err := t.local.Delete(ctx, path); err != nil {
		return fmt.Errorf("cachingtree: delete %s: %w", path, err)
	}

	if err := t.overlay.Delete(ctx, path); err != nil {
		return err
	}

	if !cache.IsTempFile(path) {
		if err := t.enqueue(ctx, path, rq.MethodDelete); err != nil {
			return err
		}
	}

	t.listCache.Invalidate(parentOf(path), false)

	return nil
}

// DeleteDirectory removes an empty directory locally and enqueues its
// remote deletion. Non-empty directories are rejected by the local tree.
func (t *Tree) DeleteDirectory(ctx context.Context, path string) error {
	path = t.normalize(path)

	t.markWrite(path)
	defer t.unmarkWrite(path)

	if err := t.local.DeleteDirectory(ctx, path); err != nil {
		return fmt.Errorf("cachingtree: delete directory %s: %w", path, err)
	}

	if err := t.enqueue(ctx, path, rq.MethodDelete); err != nil {
		return err
	}

	t.listCache.Invalidate(path, true)
	t.listCache.Invalidate(parentOf(path), false)

	return nil
}

// Rename is atomic at the cache layer: it renames the local file, drops RQ
// entries under old's subtree, and enqueues a MOVE (or CREATE+DELETE
// fallback, decided by the processor) entry.
func (t *Tree) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath = t.normalize(oldPath)
	newPath = t.normalize(newPath)

	unlockOld, err := t.locks.Lock(ctx, oldPath)
	if err != nil {
		return err
	}
	defer unlockOld()

	unlockNew, err := t.locks.Lock(ctx, newPath)
	if err != nil {
		return err
	}
	defer unlockNew()

	t.markWrite(oldPath)
	t.markWrite(newPath)
	defer t.unmarkWrite(oldPath)
	defer t.unmarkWrite(newPath)

	if err := t.local.Rename(ctx, oldPath, newPath); err != nil {
		return fmt.Errorf("cachingtree: rename %s -> %s: %w", oldPath, newPath, err)
	}

	if err := t.queue.RemovePrefix(ctx, oldPath); err != nil {
		return err
	}

	entry, exists, err := t.overlay.Get(ctx, newPath)
	if err != nil {
		return err
	}

	if !exists {
		entry = cache.NewEntry(newPath)
	}

	if err := t.enqueue(ctx, newPath, rq.MethodMove); err != nil {
		return err
	}

	if err := t.overlay.Put(ctx, newPath, entry); err != nil {
		return err
	}

	t.listCache.Invalidate(parentOf(oldPath), false)
	t.listCache.Invalidate(parentOf(newPath), false)

	return nil
}

// List returns the directory contents of path, served from ListCache when
// fresh. The remote listing is authoritative for files the user hasn't
// touched yet; local-only entries (created locally and not yet synced, or
// otherwise absent from the remote) are merged in so they remain visible
// before the next successful upload. A remote list failure degrades to a
// local-only listing rather than failing the call outright.
func (t *Tree) List(ctx context.Context, path string) ([]string, error) {
	path = t.normalize(path)

	if names, ok := t.listCache.Get(path); ok {
		return names, nil
	}

	seen := make(map[string]struct{})
	names := make([]string, 0)

	remoteStats, err := t.remote.List(ctx, path)
	if err != nil {
		t.logger.Warn("cachingtree: remote list failed, falling back to local entries", "path", path, "err", err)
	}

	for _, s := range remoteStats {
		if _, ok := seen[s.Path]; ok {
			continue
		}

		seen[s.Path] = struct{}{}
		names = append(names, s.Path)
	}

	localStats, err := t.local.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("cachingtree: list %s: %w", path, err)
	}

	for _, s := range localStats {
		if cache.IsTempFile(s.Path) {
			continue
		}

		if _, ok := seen[s.Path]; ok {
			continue
		}

		seen[s.Path] = struct{}{}
		names = append(names, s.Path)
	}

	t.listCache.Put(path, names)

	return names, nil
}

// Refresh invalidates ListCache for path (and recursively if deep).
func (t *Tree) Refresh(path string, deep bool) {
	t.listCache.Invalidate(t.normalize(path), deep)
}

// ClearCache removes path's local cache entry and payload without
// affecting the RQ or the remote.
func (t *Tree) ClearCache(ctx context.Context, path string) error {
	path = t.normalize(path)

	t.markWrite(path)
	defer t.unmarkWrite(path)

	if err := t.local.Delete(ctx, path); err != nil {
		return fmt.Errorf("cachingtree: clear cache %s: %w", path, err)
	}

	return t.overlay.Delete(ctx, path)
}

func parentOf(path string) string {
	idx := lastSlash(path)
	if idx <= 0 {
		return "/"
	}

	return path[:idx]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}

	return -1
}
