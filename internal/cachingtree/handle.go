package cachingtree

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

// Handle is a single open file as seen by the SMB layer: the cached local
// handle plus the bookkeeping needed to enqueue a mutation on Close.
//
// local is nil for a write-opened handle until the first Read, Write, or
// SetLength: per §4.C, open for write does not itself download, so the
// local file (and whatever bytes cacheFile fetches into it) is only
// materialized lazily, on first access.
type Handle struct {
	tree    *Tree
	path    string
	local   rqio.Handle
	write   bool
	dirtied bool
}

// ensureLocal returns the underlying local handle, running cacheFile first
// if this is a write-opened handle whose bytes haven't been touched yet.
// Doing the download here rather than in Tree.Open is what keeps a partial
// write against an existing remote file from silently operating on an
// empty stub: the local file this opens is the one cacheFile just fetched,
// not one created ahead of the download.
func (h *Handle) ensureLocal(ctx context.Context) (rqio.Handle, error) {
	if h.local != nil {
		return h.local, nil
	}

	if h.write {
		if err := h.tree.cacheFile(ctx, h.path); err != nil {
			return nil, err
		}
	}

	local, err := h.tree.openOrCreateLocal(ctx, h.path)
	if err != nil {
		return nil, err
	}

	h.local = local

	return local, nil
}

func (h *Handle) Read(ctx context.Context, buf []byte, off int64, length int) (int, error) {
	local, err := h.ensureLocal(ctx)
	if err != nil {
		return 0, err
	}

	reader, err := local.ReaderAt(ctx, off, int64(length))
	if err != nil {
		return 0, fmt.Errorf("cachingtree: read %s: %w", h.path, err)
	}
	defer reader.Close()

	return io.ReadFull(reader, buf[:length])
}

func (h *Handle) Write(ctx context.Context, data []byte, pos int64) (int, error) {
	local, err := h.ensureLocal(ctx)
	if err != nil {
		return 0, err
	}

	n, err := local.WriteAt(data, pos)
	if err != nil {
		return n, fmt.Errorf("cachingtree: write %s: %w", h.path, err)
	}

	h.dirtied = true

	return n, h.markDirty(ctx)
}

func (h *Handle) SetLength(ctx context.Context, length int64) error {
	local, err := h.ensureLocal(ctx)
	if err != nil {
		return err
	}

	if err := local.SetLength(ctx, length); err != nil {
		return fmt.Errorf("cachingtree: set_length %s: %w", h.path, err)
	}

	h.dirtied = true

	return h.markDirty(ctx)
}

func (h *Handle) markDirty(ctx context.Context) error {
	entry, exists, err := h.tree.overlay.Get(ctx, h.path)
	if err != nil {
		return err
	}

	if !exists {
		entry = cache.NewEntry(h.path)
	}

	entry.Dirty = true

	return h.tree.overlay.Put(ctx, h.path, entry)
}

func (h *Handle) Flush(ctx context.Context) error {
	if h.local == nil {
		return nil
	}

	return h.local.Flush(ctx)
}

func (h *Handle) Size() (int64, error) {
	if h.local == nil {
		return 0, nil
	}

	stat, err := h.local.Stat()
	return stat.Size, err
}

func (h *Handle) LastModified() (int64, error) {
	if h.local == nil {
		return 0, nil
	}

	stat, err := h.local.Stat()
	return stat.LastModified, err
}

func (h *Handle) SetLastModified(ctx context.Context, mtime int64) error {
	entry, exists, err := h.tree.overlay.Get(ctx, h.path)
	if err != nil {
		return err
	}

	if !exists {
		entry = cache.NewEntry(h.path)
	}

	entry.LastSync = mtime

	return h.tree.overlay.Put(ctx, h.path, entry)
}

func (h *Handle) AllocationSize() (int64, error) {
	return h.Size()
}

func (h *Handle) IsDir() bool {
	if h.local == nil {
		return false
	}

	stat, _ := h.local.Stat()

	return stat.IsDir
}

func (h *Handle) IsFile() bool { return !h.IsDir() }

func (h *Handle) IsReadOnly() bool { return !h.write }

// Close flushes the local file and, if the file was written to, enqueues
// the upload mutation and clears dirty.
func (h *Handle) Close(ctx context.Context) error {
	if h.local != nil {
		defer h.local.Flush(ctx) //nolint:errcheck
	}

	if h.write {
		defer h.tree.unmarkWrite(h.path)
	}

	if !h.dirtied {
		return nil
	}

	entry, exists, err := h.tree.overlay.Get(ctx, h.path)
	if err != nil {
		return err
	}

	if !exists {
		entry = cache.NewEntry(h.path)
	}

	method := methodForWrite(entry)

	if err := h.tree.enqueue(ctx, h.path, method); err != nil {
		return err
	}

	entry.Dirty = false

	return h.tree.overlay.Put(ctx, h.path, entry)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
