// Package download implements DownloadCoordinator: it de-duplicates
// concurrent downloads of the same remote path, fans the result out to all
// waiters, reports throttled progress, and supports cancellation.
package download

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paladugu82/node-smb-server-sub001/internal/events"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqerr"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

// progressInterval bounds how often syncfileprogress is emitted per
// download, per spec ("at most every ~200ms").
const progressInterval = 200 * time.Millisecond

// Result is what a successful Fetch makes available: the final on-disk
// path and the remote mtime observed at download time.
type Result struct {
	FinalPath    string
	RemoteMtime  int64
	Size         int64
}

// Coordinator de-duplicates concurrent fetches of the same path via
// singleflight, stages into a temp file, and renames into place under a
// per-destination rename lock. The zero value is not usable; use New.
type Coordinator struct {
	local  rqio.LocalTree
	remote rqio.RemoteTree
	bus    *events.Bus

	group      singleflight.Group
	renameLock *renameLockTable

	cancelMu sync.Mutex
	cancel   map[string]context.CancelFunc
}

// New returns a Coordinator backed by local/remote trees, publishing
// progress and lifecycle events on bus.
func New(local rqio.LocalTree, remote rqio.RemoteTree, bus *events.Bus) *Coordinator {
	return &Coordinator{
		local:      local,
		remote:     remote,
		bus:        bus,
		renameLock: newRenameLockTable(),
		cancel:     make(map[string]context.CancelFunc),
	}
}

// Fetch downloads path from the remote into the local cache tree,
// de-duplicating concurrent callers for the same path. All concurrent
// callers receive the same Result (or the same error).
func (c *Coordinator) Fetch(ctx context.Context, path string) (Result, error) {
	v, err, _ := c.group.Do(path, func() (any, error) {
		return c.fetchOnce(ctx, path)
	})
	if err != nil {
		return Result{}, err
	}

	return v.(Result), nil
}

// Cancel aborts an in-flight fetch for path (or, when deep is true, any
// path under the path+"/" prefix — callers pass deep for directory-scoped
// cancellation). Canceled fetches leave the cache unchanged.
func (c *Coordinator) Cancel(path string, deep bool) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()

	if deep {
		prefix := path + "/"
		for p, cancel := range c.cancel {
			if p == path || len(p) > len(prefix) && p[:len(prefix)] == prefix {
				cancel()
			}
		}

		return
	}

	if cancel, ok := c.cancel[path]; ok {
		cancel()
	}
}

func (c *Coordinator) fetchOnce(ctx context.Context, path string) (Result, error) {
	fetchCtx, cancel := context.WithCancel(ctx)

	c.cancelMu.Lock()
	c.cancel[path] = cancel
	c.cancelMu.Unlock()

	defer func() {
		c.cancelMu.Lock()
		delete(c.cancel, path)
		c.cancelMu.Unlock()
		cancel()
	}()

	handle, err := c.remote.Open(fetchCtx, path)
	if err != nil {
		return Result{}, fmt.Errorf("download: open remote %s: %w", path, err)
	}
	defer handle.Close()

	stat := handle.Stat()

	tempHandle, tempPath, err := c.local.StageTempFile(fetchCtx, sanitizeHint(path))
	if err != nil {
		return Result{}, fmt.Errorf("download: stage temp file for %s: %w", path, err)
	}

	if err := c.stream(fetchCtx, path, handle, tempHandle, stat.Size); err != nil {
		tempHandle.Close()
		c.local.DiscardStage(ctx, tempPath) //nolint:errcheck

		if fetchCtx.Err() != nil {
			return Result{}, rqerr.ErrDownloadCanceled
		}

		return Result{}, fmt.Errorf("download: stream %s: %w", path, err)
	}

	if err := tempHandle.Close(); err != nil {
		return Result{}, fmt.Errorf("download: close staged file for %s: %w", path, err)
	}

	unlock := c.renameLock.acquire(path)
	err = c.local.FinalizeStage(ctx, tempPath, path)
	unlock()

	if err != nil {
		c.local.DiscardStage(ctx, tempPath) //nolint:errcheck
		return Result{}, fmt.Errorf("download: finalize stage for %s: %w", path, err)
	}

	return Result{FinalPath: path, RemoteMtime: stat.LastModified, Size: stat.Size}, nil
}

func (c *Coordinator) stream(ctx context.Context, path string, src rqio.RemoteHandle, dst rqio.Handle, total int64) error {
	reader, err := src.ReadRange(ctx, 0, total)
	if err != nil {
		return fmt.Errorf("open byte range: %w", err)
	}
	defer reader.Close()

	const chunkSize = 256 * 1024

	buf := make([]byte, chunkSize)
	var read int64
	lastEmit := time.Time{}
	start := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], read); werr != nil {
				return fmt.Errorf("write staged bytes: %w", werr)
			}

			read += int64(n)

			now := time.Now()
			if now.Sub(lastEmit) >= progressInterval {
				lastEmit = now
				c.emitProgress(path, read, total, now.Sub(start))
			}
		}

		if rerr == io.EOF {
			c.emitProgress(path, read, total, time.Since(start))
			return nil
		}

		if rerr != nil {
			return fmt.Errorf("read remote bytes: %w", rerr)
		}
	}
}

func (c *Coordinator) emitProgress(path string, read, total int64, elapsed time.Duration) {
	if c.bus == nil {
		return
	}

	var rate float64
	if elapsed > 0 {
		rate = float64(read) / elapsed.Seconds()
	}

	c.bus.EmitManaged(events.Event{
		Kind:        events.KindSyncFileProgress,
		Path:        path,
		Read:        read,
		Total:       total,
		RateBytesPS: rate,
		Elapsed:     elapsed,
	}, path, progressInterval)
}

func sanitizeHint(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, path[i])
	}

	return string(out)
}
