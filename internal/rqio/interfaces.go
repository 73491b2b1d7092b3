// Package rqio defines the narrow transport contracts the caching core
// depends on: a local on-disk tree and a remote HTTP-backed tree. Concrete
// implementations live in internal/localtree and internal/remotetree; the
// caching core only ever sees these interfaces, so it can be tested against
// fakes.
package rqio

import (
	"context"
	"io"
	"time"
)

// Stat describes a single file or directory entry, local or remote.
type Stat struct {
	Path         string
	Size         int64
	LastModified int64 // unix millis
	IsDir        bool
}

// Handle is a single open file, local or remote. Callers must call Close
// exactly once.
type Handle interface {
	io.ReadCloser
	io.Seeker
	io.WriterAt
	ReaderAt(ctx context.Context, off, length int64) (io.ReadCloser, error)
	Stat() (Stat, error)
	SetLength(ctx context.Context, length int64) error
	Flush(ctx context.Context) error
}

// LocalTree is the concrete local filesystem storage: path-addressed file
// CRUD plus a companion metadata sidecar. Implementations mirror a path
// tree rooted at a configured directory.
type LocalTree interface {
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (Stat, error)
	Open(ctx context.Context, path string) (Handle, error)
	Create(ctx context.Context, path string) (Handle, error)
	CreateDirectory(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	List(ctx context.Context, path string) ([]Stat, error)

	// ReadSidecar and WriteSidecar persist opaque metadata bytes associated
	// with path (the CacheEntry JSON). WriteSidecar is atomic.
	ReadSidecar(ctx context.Context, path string) ([]byte, error)
	WriteSidecar(ctx context.Context, path string, data []byte) error
	DeleteSidecar(ctx context.Context, path string) error

	// StageTempFile creates a process-unique scratch file for a staged
	// download; FinalizeStage atomically renames it into place (falling
	// back to copy+unlink across devices).
	StageTempFile(ctx context.Context, hint string) (Handle, string, error)
	FinalizeStage(ctx context.Context, tempPath, finalPath string) error
	DiscardStage(ctx context.Context, tempPath string) error
}

// RemoteTree is the concrete remote transport over HTTP: list/open/create/
// update/delete/rename plus byte-range fetch. Implementations translate
// transport-specific errors into the sentinels in internal/rqerr.
type RemoteTree interface {
	List(ctx context.Context, path string) ([]Stat, error)
	Stat(ctx context.Context, path string) (Stat, error)
	Open(ctx context.Context, path string) (RemoteHandle, error)
	CreateFileResource(ctx context.Context, remotePath string, localBytes io.Reader, size int64, progress ProgressFunc) error
	UpdateResource(ctx context.Context, remotePath string, localBytes io.Reader, size int64, progress ProgressFunc) error
	DeleteResource(ctx context.Context, path string, isFile bool) error
	RenameResource(ctx context.Context, oldPath, newPath string) error
	CreateDirectoryResource(ctx context.Context, path string) error
}

// RemoteHandle exposes byte-range reads against a remote object without
// requiring the full body to be buffered.
type RemoteHandle interface {
	Stat() Stat
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	Close() error
}

// ProgressFunc receives incremental transfer progress. Implementations
// should throttle their own emission; internal/events.Bus.EmitManaged is
// the expected consumer.
type ProgressFunc func(read, total int64, elapsed time.Duration)
