package cachingtree

import (
	"context"
	"fmt"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/events"
	"github.com/paladugu82/node-smb-server-sub001/internal/pathlock"
)

// cacheFile implements the central flow from §4.C: ensure path's bytes and
// metadata are present and fresh in the local cache before a read. It uses
// double-checked locking — release the read lock, re-acquire in write
// mode, then re-validate — rather than upgrading a lock in place, so FIFO
// fairness across the path's waiter queue is preserved.
func (t *Tree) cacheFile(ctx context.Context, path string) error {
	if cache.IsTempFile(path) {
		return nil
	}

	write := false

	for {
		unlock, err := t.acquire(ctx, path, write)
		if err != nil {
			return err
		}

		outcome, err := t.evaluateCacheState(ctx, path, write)
		switch outcome {
		case outcomeDone:
			unlock()
			return err
		case outcomeNeedsWriteLock:
			unlock()
			write = true
			continue
		}
	}
}

func (t *Tree) acquire(ctx context.Context, path string, write bool) (pathlock.Unlock, error) {
	if write {
		return t.locks.Lock(ctx, path)
	}

	return t.locks.RLock(ctx, path)
}

type cacheOutcome int

const (
	outcomeDone cacheOutcome = iota
	outcomeNeedsWriteLock
)

func (t *Tree) evaluateCacheState(ctx context.Context, path string, haveWriteLock bool) (cacheOutcome, error) {
	localExists, err := t.local.Exists(ctx, path)
	if err != nil {
		return outcomeDone, fmt.Errorf("cachingtree: check local existence %s: %w", path, err)
	}

	entry, entryExists, err := t.overlay.Get(ctx, path)
	if err != nil {
		return outcomeDone, err
	}

	if !localExists {
		if !haveWriteLock {
			return outcomeNeedsWriteLock, nil
		}

		return t.fetchAndInstall(ctx, path, true)
	}

	if !entryExists {
		// A file present locally without cache metadata (e.g. pre-seeded).
		// Treat it as locally authoritative; install a default entry so
		// future comparisons have something to check against.
		return outcomeDone, t.overlay.Put(ctx, path, cache.NewEntry(path))
	}

	if entry.CreatedLocally {
		return outcomeDone, nil
	}

	remoteStat, err := t.remote.Stat(ctx, path)
	if err != nil {
		// Any remote error during an update check downgrades to "keep the
		// existing cached copy" rather than surfacing to the caller.
		t.logger.Warn("cachingtree: remote stat failed, keeping cached copy", "path", path, "err", err)
		return outcomeDone, nil
	}

	if remoteStat.LastModified == entry.DownloadedRemoteMtime {
		return outcomeDone, nil
	}

	if !haveWriteLock {
		return outcomeNeedsWriteLock, nil
	}

	canDelete := !entry.Dirty
	if canDelete {
		return t.fetchAndInstall(ctx, path, false)
	}

	pending, err := t.queue.Exists(ctx, path)
	if err != nil {
		return outcomeDone, err
	}

	if !pending {
		t.bus.Emit(events.Event{Kind: events.KindSyncConflict, Path: path})
	}

	return outcomeDone, nil
}

// fetchAndInstall downloads path via the DownloadCoordinator and records
// the resulting cache metadata. initialFetch controls whether a failure
// surfaces to the caller (true, for a never-cached file) or is swallowed
// as "keep existing copy" (false, for a refresh of a stale cached file: on
// error the previous cached bytes and metadata are left in place).
func (t *Tree) fetchAndInstall(ctx context.Context, path string, initialFetch bool) (cacheOutcome, error) {
	t.markWrite(path)
	defer t.unmarkWrite(path)

	res, err := t.coordinator.Fetch(ctx, path)
	if err != nil {
		if initialFetch {
			return outcomeDone, fmt.Errorf("cachingtree: initial fetch %s: %w", path, err)
		}

		t.logger.Warn("cachingtree: refresh fetch failed, keeping cached copy", "path", path, "err", err)

		return outcomeDone, nil
	}

	entry := &cache.Entry{
		Path:                  path,
		CreatedLocally:        false,
		DownloadedRemoteMtime: res.RemoteMtime,
		LastSync:              nowMillis(),
	}

	return outcomeDone, t.overlay.Put(ctx, path, entry)
}
