// Package cache implements LocalCache: the overlay over the local tree
// that tracks per-file cache metadata (the created-locally flag, the
// downloaded remote mtime, and the dirty flag). Payload bytes live in the
// local tree; this package only owns the sidecar metadata.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

// NeverDownloaded is the sentinel value of Entry.DownloadedRemoteMtime for
// a file that has never been fetched from the remote.
const NeverDownloaded int64 = -1

// Entry is the per-path cache metadata sidecar.
type Entry struct {
	Path                   string `json:"-"`
	CreatedLocally         bool   `json:"created_locally"`
	DownloadedRemoteMtime  int64  `json:"downloaded_remote_mtime"`
	Dirty                  bool   `json:"dirty"`
	LastSync               int64  `json:"last_sync"`
}

// NewEntry returns an Entry for a file that originated locally and has
// never been observed on the remote.
func NewEntry(path string) *Entry {
	return &Entry{
		Path:                  path,
		CreatedLocally:        true,
		DownloadedRemoteMtime: NeverDownloaded,
	}
}

// Overlay is the LocalCache: metadata CRUD backed by a LocalTree's sidecar
// storage, keyed by normalized path.
type Overlay struct {
	tree         rqio.LocalTree
	noNormalize  bool
}

// New returns an Overlay backed by tree. noNormalize disables NFKC path
// normalization (config.Cache.NoUnicodeNormalize).
func New(tree rqio.LocalTree, noNormalize bool) *Overlay {
	return &Overlay{tree: tree, noNormalize: noNormalize}
}

// Normalize applies this overlay's normalization policy to path.
func (o *Overlay) Normalize(path string) string {
	return NormalizePath(path, o.noNormalize)
}

// Get reads the cache entry for path. Returns (nil, false, nil) if no
// sidecar exists yet.
func (o *Overlay) Get(ctx context.Context, path string) (*Entry, bool, error) {
	path = o.Normalize(path)

	data, err := o.tree.ReadSidecar(ctx, path)
	if err != nil {
		if errors.Is(err, errSidecarNotFound) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("cache: read sidecar %s: %w", path, err)
	}

	if data == nil {
		return nil, false, nil
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("cache: corrupted sidecar %s: %w", path, err)
	}

	e.Path = path

	return &e, true, nil
}

// Put writes e as path's cache entry, overwriting any existing sidecar.
func (o *Overlay) Put(ctx context.Context, path string, e *Entry) error {
	path = o.Normalize(path)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal sidecar %s: %w", path, err)
	}

	if err := o.tree.WriteSidecar(ctx, path, data); err != nil {
		return fmt.Errorf("cache: write sidecar %s: %w", path, err)
	}

	return nil
}

// Delete removes path's cache entry (and, by convention of the caller, its
// payload bytes — Overlay itself only manages the sidecar).
func (o *Overlay) Delete(ctx context.Context, path string) error {
	path = o.Normalize(path)

	if err := o.tree.DeleteSidecar(ctx, path); err != nil {
		return fmt.Errorf("cache: delete sidecar %s: %w", path, err)
	}

	return nil
}

// errSidecarNotFound is a package-local sentinel LocalTree implementations
// may wrap into their ReadSidecar error to signal "no entry yet" rather
// than a real I/O failure. internal/localtree returns this via errors.Is.
var errSidecarNotFound = errors.New("cache: sidecar not found")

// ErrSidecarNotFound is the exported form for LocalTree implementations.
var ErrSidecarNotFound = errSidecarNotFound
