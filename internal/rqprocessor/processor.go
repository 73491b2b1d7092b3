// Package rqprocessor implements RQProcessor: the background drainer that
// consumes RequestQueue entries, applies them to the remote transport, and
// emits the sync lifecycle events consumed by the SMB layer and CLI.
package rqprocessor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/events"
	"github.com/paladugu82/node-smb-server-sub001/internal/pathlock"
	"github.com/paladugu82/node-smb-server-sub001/internal/rq"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqerr"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

// Config mirrors config.QueueConfig in duration form.
type Config struct {
	Expiration time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Frequency  time.Duration
	// Workers bounds how many distinct paths drain concurrently per tick.
	// Defaults to 1 if unset.
	Workers int
}

// Processor is the RQProcessor. Construct with New; call Start to launch
// the background drain loop and Stop to shut it down.
type Processor struct {
	queue   *rq.Store
	locks   *pathlock.Table
	overlay *cache.Overlay
	local   rqio.LocalTree
	remote  rqio.RemoteTree
	bus     *events.Bus
	logger  *slog.Logger
	cfg     Config
	id      string

	// lockGenMu/lockGen track, per (path,name), the Generation observed the
	// first time a checkout/locked response was seen for the entry's
	// current retry streak. Queue.Queue bumps Generation (and resets
	// retries to 0) only when the user coalesces a new mutation in, so a
	// later mismatch against this recorded value is how finish tells "the
	// user touched the file again while it was locked" apart from "the
	// remote just keeps saying locked."
	lockGenMu sync.Mutex
	lockGen   map[string]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Processor. All arguments are required.
func New(queue *rq.Store, locks *pathlock.Table, overlay *cache.Overlay, local rqio.LocalTree, remote rqio.RemoteTree, bus *events.Bus, logger *slog.Logger, cfg Config) *Processor {
	return &Processor{
		queue:   queue,
		locks:   locks,
		overlay: overlay,
		local:   local,
		remote:  remote,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		id:      rq.NewProcessorID(),
		lockGen: make(map[string]int64),
	}
}

// Start launches the drain loop in a background goroutine. It returns
// immediately; call Stop to shut the loop down.
func (p *Processor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx)
}

// Stop cancels in-flight network I/O and waits for the current tick's
// write lock to be released before returning.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick drains every currently eligible entry through a bounded worker pool:
// distinct paths apply concurrently (serialized only by each path's own
// PathLock), capped at cfg.Workers, mirroring the teacher's
// TransferManager.dispatchPool bounded-errgroup idiom.
func (p *Processor) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())

	for {
		entry, err := p.queue.GetProcessRequest(ctx, time.Now(), p.cfg.Expiration, p.cfg.MaxRetries, p.id)
		if err != nil {
			p.logger.Error("rqprocessor: fetch eligible entry failed", "err", err)
			break
		}

		if entry == nil {
			break
		}

		g.Go(func() error {
			p.process(gctx, entry)
			return nil
		})
	}

	g.Wait() //nolint:errcheck
}

// DrainOnce runs a single eligibility-check-and-drain pass synchronously,
// without starting the background loop. Used by a one-shot "gc" CLI
// command to flush anything currently eligible before exiting.
func (p *Processor) DrainOnce(ctx context.Context) {
	p.tick(ctx)
}

func (p *Processor) workers() int {
	if p.cfg.Workers <= 0 {
		return 1
	}

	return p.cfg.Workers
}

// SyncPath runs a single drain pass against one path synchronously,
// regardless of the entry's expiration eligibility. Used for an explicit
// "flush this file now" request.
func (p *Processor) SyncPath(ctx context.Context, path, name string) error {
	entry, err := p.queue.Get(ctx, path, name)
	if err != nil {
		return err
	}

	if entry == nil {
		return nil
	}

	p.process(ctx, entry)

	return nil
}

func (p *Processor) process(ctx context.Context, leased *rq.Entry) {
	path, name := leased.Path, leased.Name

	if cache.IsTempFile(path) {
		p.purge(ctx, path, name, rq.PurgeReasonUnsyncable)
		return
	}

	unlock, err := p.locks.Lock(ctx, path)
	if err != nil {
		return
	}
	defer unlock()

	current, err := p.queue.Get(ctx, path, name)
	if err != nil {
		p.logger.Error("rqprocessor: re-validate failed", "path", path, "err", err)
		return
	}

	if current == nil {
		return
	}

	if current.Method != leased.Method {
		// The entry changed shape since it was leased (e.g. PUT became
		// DELETE via coalescing) — restart on the next tick.
		p.queue.ReleaseLease(ctx, path, name) //nolint:errcheck
		return
	}

	p.bus.Emit(events.Event{Kind: events.KindSyncFileStart, Path: path, Method: string(current.Method)})

	applyErr := p.apply(ctx, current)

	after, gerr := p.queue.Get(ctx, path, name)
	if gerr == nil && after != nil && after.Generation != current.Generation {
		p.bus.Emit(events.Event{Kind: events.KindSyncFileAbort, Path: path})
		p.queue.ReleaseLease(ctx, path, name) //nolint:errcheck

		return
	}

	p.finish(ctx, current, applyErr)
}

func (p *Processor) finish(ctx context.Context, entry *rq.Entry, applyErr error) {
	path, name := entry.Path, entry.Name

	if applyErr == nil {
		p.clearLockStreak(path, name)

		if err := p.queue.Complete(ctx, path, name); err != nil {
			p.logger.Error("rqprocessor: complete failed", "path", path, "err", err)
			return
		}

		p.updateCacheAfterSync(ctx, path)
		p.bus.Emit(events.Event{Kind: events.KindSyncFileEnd, Path: path, Method: string(entry.Method)})

		return
	}

	p.bus.Emit(events.Event{Kind: events.KindSyncFileErr, Path: path, Method: string(entry.Method), Err: applyErr})

	switch rqerr.ClassifyError(applyErr) {
	case rqerr.TierSkip:
		// NotFound/Gone: the remote side has already reached the desired
		// state (404 on delete, or a rename target that vanished).
		p.clearLockStreak(path, name)
		p.queue.Complete(ctx, path, name) //nolint:errcheck
		p.updateCacheAfterSync(ctx, path)
		p.bus.Emit(events.Event{Kind: events.KindSyncFileEnd, Path: path, Method: string(entry.Method)})
	case rqerr.TierFatal:
		// Checkout/locked or permission errors: the file stays dirty
		// locally and keeps retrying. A conflict is only a conflict once
		// the user has touched the file again since the lock was first
		// observed *and* the retry ceiling for this streak has been
		// crossed — otherwise it's just the remote still holding the
		// checkout, which resolves on its own once it's released.
		if errors.Is(applyErr, rqerr.ErrConflict) || errors.Is(applyErr, rqerr.ErrLocked) {
			firstGen := p.noteLockStreak(path, name, entry.Generation)

			if entry.Retries+1 > p.cfg.MaxRetries && entry.Generation != firstGen {
				p.bus.Emit(events.Event{Kind: events.KindSyncConflict, Path: path})
				p.clearLockStreak(path, name)
			}
		}

		p.queue.IncrementRetry(ctx, path, name, p.cfg.RetryDelay, time.Now()) //nolint:errcheck
	default:
		if entry.Retries+1 > p.cfg.MaxRetries {
			p.clearLockStreak(path, name)
			p.purge(ctx, path, name, rq.PurgeReasonMaxRetries)
			return
		}

		delay := backoffDelay(entry.Retries, p.cfg.RetryDelay)
		p.queue.IncrementRetry(ctx, path, name, delay, time.Now()) //nolint:errcheck
	}
}

// noteLockStreak records generation as the entry's Generation the first
// time this (path, name) is seen locked in its current streak, and
// returns whichever generation was recorded first (itself, if this is the
// first observation).
func (p *Processor) noteLockStreak(path, name string, generation int64) int64 {
	key := path + "\x00" + name

	p.lockGenMu.Lock()
	defer p.lockGenMu.Unlock()

	if g, ok := p.lockGen[key]; ok {
		return g
	}

	p.lockGen[key] = generation

	return generation
}

func (p *Processor) clearLockStreak(path, name string) {
	key := path + "\x00" + name

	p.lockGenMu.Lock()
	defer p.lockGenMu.Unlock()

	delete(p.lockGen, key)
}

func (p *Processor) purge(ctx context.Context, path, name string, reason rq.PurgeReason) {
	if err := p.queue.Purge(ctx, path, name, reason); err != nil {
		p.logger.Error("rqprocessor: purge failed", "path", path, "err", err)
		return
	}

	p.bus.Emit(events.Event{Kind: events.KindPurged, Path: path, Reason: string(reason)})
}

func (p *Processor) updateCacheAfterSync(ctx context.Context, path string) {
	entry, exists, err := p.overlay.Get(ctx, path)
	if err != nil || !exists {
		return
	}

	entry.CreatedLocally = false
	entry.LastSync = time.Now().UnixMilli()

	if stat, err := p.remote.Stat(ctx, path); err == nil {
		entry.DownloadedRemoteMtime = stat.LastModified
	}

	p.overlay.Put(ctx, path, entry) //nolint:errcheck
}

// backoffDelay computes an exponential backoff with jitter via go-retry,
// seeded at base and doubled per prior retry, capped to avoid unbounded
// growth on long-lived entries.
func backoffDelay(retries int, base time.Duration) time.Duration {
	b, err := retry.NewExponential(base)
	if err != nil {
		return base
	}

	b = retry.WithMaxRetries(uint64(retries)+1, b) //nolint:gosec
	b = retry.WithJitterPercent(20, b)

	var delay time.Duration

	for i := 0; i <= retries; i++ {
		d, stop := b.Next()
		if stop {
			break
		}

		delay = d
	}

	const capDelay = 5 * time.Minute
	if delay > capDelay {
		delay = capDelay
	}

	return delay
}

func (p *Processor) apply(ctx context.Context, e *rq.Entry) error {
	switch e.Method {
	case rq.MethodPut:
		return p.applyPut(ctx, e)
	case rq.MethodPost:
		return p.applyPost(ctx, e)
	case rq.MethodDelete:
		return p.applyDelete(ctx, e)
	case rq.MethodMove:
		return p.applyMove(ctx, e)
	default:
		return fmt.Errorf("rqprocessor: unknown method %q", e.Method)
	}
}

func (p *Processor) readLocalBytes(ctx context.Context, path string) ([]byte, int64, error) {
	handle, err := p.local.Open(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("open local file %s: %w", path, err)
	}
	defer handle.Close()

	stat, err := handle.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat local file %s: %w", path, err)
	}

	data, err := io.ReadAll(handle)
	if err != nil {
		return nil, 0, fmt.Errorf("read local file %s: %w", path, err)
	}

	return data, stat.Size, nil
}

func (p *Processor) applyPut(ctx context.Context, e *rq.Entry) error {
	data, size, err := p.readLocalBytes(ctx, e.Path)
	if err != nil {
		return err
	}

	err = p.remote.CreateFileResource(ctx, e.Path, bytes.NewReader(data), size, p.progressFunc(e.Path))
	if err == nil {
		return nil
	}

	if errors.Is(err, rqerr.ErrConflict) {
		// Already exists remotely: fall back to an update.
		return p.remote.UpdateResource(ctx, e.Path, bytes.NewReader(data), size, p.progressFunc(e.Path))
	}

	return err
}

func (p *Processor) applyPost(ctx context.Context, e *rq.Entry) error {
	data, size, err := p.readLocalBytes(ctx, e.Path)
	if err != nil {
		return err
	}

	err = p.remote.UpdateResource(ctx, e.Path, bytes.NewReader(data), size, p.progressFunc(e.Path))
	if err == nil {
		return nil
	}

	if errors.Is(err, rqerr.ErrNotFound) {
		return p.remote.CreateFileResource(ctx, e.Path, bytes.NewReader(data), size, p.progressFunc(e.Path))
	}

	return err
}

func (p *Processor) applyDelete(ctx context.Context, e *rq.Entry) error {
	err := p.remote.DeleteResource(ctx, e.Path, true)
	if err == nil || errors.Is(err, rqerr.ErrNotFound) {
		return nil
	}

	return err
}

func (p *Processor) applyMove(ctx context.Context, e *rq.Entry) error {
	err := p.remote.RenameResource(ctx, e.Path, e.Destination)
	if err == nil {
		return nil
	}

	// The remote lacks native rename support (or it failed outright):
	// fall back to create-at-destination + delete-at-source within the
	// same tick.
	data, size, rerr := p.readLocalBytes(ctx, e.Destination)
	if rerr != nil {
		return err
	}

	if cerr := p.remote.CreateFileResource(ctx, e.Destination, bytes.NewReader(data), size, p.progressFunc(e.Destination)); cerr != nil {
		return cerr
	}

	return p.remote.DeleteResource(ctx, e.Path, true)
}

func (p *Processor) progressFunc(path string) rqio.ProgressFunc {
	return func(read, total int64, elapsed time.Duration) {
		var rate float64
		if elapsed > 0 {
			rate = float64(read) / elapsed.Seconds()
		}

		p.bus.EmitManaged(events.Event{
			Kind:        events.KindSyncFileProgress,
			Path:        path,
			Read:        read,
			Total:       total,
			RateBytesPS: rate,
			Elapsed:     elapsed,
		}, path, 200*time.Millisecond)
	}
}
