// Package remoteshare implements RemoteShare: the share-level composition
// root that owns the singleton collaborators for one mounted share (the
// PathLock table, the DownloadCoordinator, the ListCache, the event bus)
// and starts/stops the RQProcessor for its lifetime.
package remoteshare

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/cachingtree"
	"github.com/paladugu82/node-smb-server-sub001/internal/config"
	"github.com/paladugu82/node-smb-server-sub001/internal/download"
	"github.com/paladugu82/node-smb-server-sub001/internal/events"
	"github.com/paladugu82/node-smb-server-sub001/internal/listcache"
	"github.com/paladugu82/node-smb-server-sub001/internal/pathlock"
	"github.com/paladugu82/node-smb-server-sub001/internal/rq"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqprocessor"
)

// Deps are the collaborators a Share needs. Local and Remote are the only
// fields callers must provide beyond Config; everything else is built.
type Deps struct {
	Local  rqio.LocalTree
	Remote rqio.RemoteTree
	Logger *slog.Logger
}

// Share is RemoteShare: the object the host (e.g. an SMB server process)
// holds for the lifetime of one mounted share. It wires PathLock,
// DownloadCoordinator, ListCache, and events.Bus into a CachingTree, and
// runs an RQProcessor goroutine against the persistent RequestQueue.
type Share struct {
	cfg    *config.Config
	logger *slog.Logger

	queue     *rq.Store
	locks     *pathlock.Table
	overlay   *cache.Overlay
	coord     *download.Coordinator
	listCache *listcache.Cache
	bus       *events.Bus
	processor *rqprocessor.Processor
	conflicts *ConflictLedger
	watcher   *cache.Watcher

	Tree *cachingtree.Tree
}

// Open constructs a Share: opens the persistent RequestQueue at
// cfg.Queue.DBPath (running migrations), wires all singleton collaborators,
// sweeps stale staged downloads left behind by a crashed process, and
// returns a Share ready for Start.
func Open(ctx context.Context, cfg *config.Config, d Deps) (*Share, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queue, err := rq.Open(ctx, cfg.Queue.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("remoteshare: opening request queue: %w", err)
	}

	locks := pathlock.New()
	overlay := cache.New(d.Local, cfg.Cache.NoUnicodeNormalize)
	bus := events.New()
	coord := download.New(d.Local, d.Remote, bus)
	lc := listcache.New(cfg.Cache.ContentCacheTTL())
	conflicts := newConflictLedger()

	bus.Subscribe(conflicts.observe)

	processor := rqprocessor.New(queue, locks, overlay, d.Local, d.Remote, bus, logger, rqprocessor.Config{
		Expiration: cfg.Queue.Expiration(),
		MaxRetries: cfg.Queue.MaxRetries,
		RetryDelay: cfg.Queue.RetryDelay(),
		Frequency:  cfg.Queue.Frequency(),
		Workers:    defaultWorkers,
	})

	var inFlight *cache.InFlight
	if cfg.Local.WatchLocalCache {
		inFlight = cache.NewInFlight()
	}

	tree := cachingtree.New(cachingtree.Deps{
		Local:       d.Local,
		Remote:      d.Remote,
		Locks:       locks,
		Queue:       queue,
		Overlay:     overlay,
		Coordinator: coord,
		ListCache:   lc,
		Bus:         bus,
		Logger:      logger,
		NoNormalize: cfg.Cache.NoUnicodeNormalize,
		Watcher:     inFlight,
	})

	s := &Share{
		cfg:       cfg,
		logger:    logger,
		queue:     queue,
		locks:     locks,
		overlay:   overlay,
		coord:     coord,
		listCache: lc,
		bus:       bus,
		processor: processor,
		conflicts: conflicts,
		Tree:      tree,
	}

	if inFlight != nil {
		s.watcher = cache.NewWatcher(cfg.Local.Path, overlay, inFlight, func(dir string) { lc.Invalidate(dir, false) }, logger)

		if err := s.watcher.Start(ctx); err != nil {
			logger.Warn("remoteshare: local cache watcher disabled, failed to start", "err", err)
			s.watcher = nil
		}
	}

	if err := s.sweepStalePartials(ctx, d.Local); err != nil {
		logger.Warn("remoteshare: stale partial sweep failed", "err", err)
	}

	return s, nil
}

// defaultWorkers bounds RQProcessor's concurrent drain fan-out. The config
// has no setting for it, so every share uses this value.
const defaultWorkers = 4

// Start begins draining the RequestQueue in the background. Non-blocking;
// call Close to stop.
func (s *Share) Start(ctx context.Context) {
	s.processor.Start(ctx)
}

// Close stops the RQProcessor and waits for any in-flight sync operation to
// finish, then closes the RequestQueue's database handle. Collaborators
// with no I/O to release (PathLock, ListCache, events.Bus) need no explicit
// teardown.
func (s *Share) Close(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.processor.Stop()
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("remoteshare: shutdown: %w", err)
	}

	if err := s.queue.Close(); err != nil {
		return fmt.Errorf("remoteshare: closing request queue: %w", err)
	}

	return nil
}

// Conflicts returns the share's conflict ledger, for the CLI "status" and
// "conflicts" subcommands.
func (s *Share) Conflicts() *ConflictLedger { return s.conflicts }

// SyncPath synchronously drains a single RQ entry, bypassing the
// background processor's eligibility ticking. Exposed for a CLI "sync now"
// style command and for tests.
func (s *Share) SyncPath(ctx context.Context, path, name string) error {
	return s.processor.SyncPath(ctx, path, name)
}

// QueueDepth reports how many entries remain in the RequestQueue, for a
// CLI "status" subcommand.
func (s *Share) QueueDepth(ctx context.Context) (int, error) {
	return s.queue.Depth(ctx)
}

// GC runs a single synchronous drain pass over everything currently
// eligible (an entry that fails again with its retry budget used up is
// purged; entries whose retries already exceed max retries are not
// eligible) and re-sweeps stale staged downloads. For a CLI "gc"
// subcommand, not the background Start loop.
func (s *Share) GC(ctx context.Context, local rqio.LocalTree) error {
	s.processor.DrainOnce(ctx)

	return s.sweepStalePartials(ctx, local)
}

func (s *Share) sweepStalePartials(ctx context.Context, local rqio.LocalTree) error {
	sweeper, ok := local.(interface {
		ListStaleStaging(ctx context.Context, olderThan time.Duration) ([]string, error)
		DiscardStage(ctx context.Context, tempPath string) error
	})
	if !ok {
		return nil
	}

	const staleAfter = 1 * time.Hour

	stale, err := sweeper.ListStaleStaging(ctx, staleAfter)
	if err != nil {
		return fmt.Errorf("listing stale staged downloads: %w", err)
	}

	for _, tempPath := range stale {
		if err := sweeper.DiscardStage(ctx, tempPath); err != nil {
			s.logger.Warn("remoteshare: failed to discard stale staged download", "path", tempPath, "err", err)
			continue
		}

		s.logger.Info("remoteshare: discarded stale staged download", "path", tempPath)
	}

	return nil
}
