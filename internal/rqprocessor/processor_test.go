package rqprocessor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/events"
	"github.com/paladugu82/node-smb-server-sub001/internal/pathlock"
	"github.com/paladugu82/node-smb-server-sub001/internal/rq"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqerr"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqtest"
)

func testConfig() Config {
	return Config{
		Expiration: 0,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Frequency:  10 * time.Millisecond,
	}
}

func newTestProcessor(t *testing.T) (*Processor, *rqtest.FakeLocalTree, *rqtest.FakeRemoteTree, *rq.Store, *cache.Overlay, *events.Bus) {
	t.Helper()

	local := rqtest.NewFakeLocalTree()
	remote := rqtest.NewFakeRemoteTree()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := rq.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	overlay := cache.New(local, false)
	bus := events.New()
	locks := pathlock.New()

	p := New(store, locks, overlay, local, remote, bus, logger, testConfig())

	return p, local, remote, store, overlay, bus
}

func writeLocalFile(t *testing.T, local *rqtest.FakeLocalTree, path string, data []byte) {
	t.Helper()

	h, err := local.Create(context.Background(), path)
	require.NoError(t, err)
	_, err = h.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func collectEvents(bus *events.Bus) *[]events.Event {
	got := make([]events.Event, 0)
	bus.Subscribe(func(e events.Event) { got = append(got, e) })

	return &got
}

// TestSyncPath_CreateOnlyDrain covers scenario 1: a brand new locally
// created file drains with a single PUT and leaves the queue empty.
func TestSyncPath_CreateOnlyDrain(t *testing.T) {
	p, local, remote, store, overlay, bus := newTestProcessor(t)
	ctx := context.Background()

	writeLocalFile(t, local, "/new.jpg", []byte("hello"))
	require.NoError(t, overlay.Put(ctx, "/new.jpg", cache.NewEntry("/new.jpg")))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/new.jpg", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))

	seen := collectEvents(bus)

	require.NoError(t, p.SyncPath(ctx, "/new.jpg", "content"))

	exists, err := store.Exists(ctx, "/new.jpg")
	require.NoError(t, err)
	assert.False(t, exists, "completed entry must be removed from the queue")

	stat, err := remote.Stat(ctx, "/new.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello")), stat.Size)

	entry, exists, err := overlay.Get(ctx, "/new.jpg")
	require.NoError(t, err)
	require.True(t, exists)
	assert.False(t, entry.CreatedLocally, "synced entry is no longer local-only")

	var kinds []events.Kind
	for _, e := range *seen {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, events.KindSyncFileStart)
	assert.Contains(t, kinds, events.KindSyncFileEnd)
}

// TestSyncPath_PutConflictFallsBackToUpdate covers the PUT->409->POST
// conversion rule: the remote already has the file, so the processor must
// retry as an update within the same tick rather than failing outright.
func TestSyncPath_PutConflictFallsBackToUpdate(t *testing.T) {
	p, local, remote, store, _, _ := newTestProcessor(t)
	ctx := context.Background()

	remote.Seed("/exists.jpg", []byte("old"), 100)
	writeLocalFile(t, local, "/exists.jpg", []byte("new-data"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/exists.jpg", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))

	require.NoError(t, p.SyncPath(ctx, "/exists.jpg", "content"))

	exists, err := store.Exists(ctx, "/exists.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	stat, err := remote.Stat(ctx, "/exists.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len("new-data")), stat.Size)
}

// TestSyncPath_PostNotFoundFallsBackToCreate covers the POST->404->PUT
// conversion rule: the remote copy disappeared since the mutation was
// queued, so the processor must create it instead of failing.
func TestSyncPath_PostNotFoundFallsBackToCreate(t *testing.T) {
	p, local, remote, store, _, _ := newTestProcessor(t)
	ctx := context.Background()

	writeLocalFile(t, local, "/gone.jpg", []byte("data"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/gone.jpg", Name: "content", Method: rq.MethodPost, TimestampMs: 1}))

	require.NoError(t, p.SyncPath(ctx, "/gone.jpg", "content"))

	exists, err := store.Exists(ctx, "/gone.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = remote.Stat(ctx, "/gone.jpg")
	assert.NoError(t, err, "POST falling back to create must leave the object present remotely")
}

// TestSyncPath_DeleteNotFoundTreatedAsSuccess covers scenario 4: deleting a
// file that was never successfully uploaded (remote 404) still completes
// the queue entry rather than retrying forever.
func TestSyncPath_DeleteNotFoundTreatedAsSuccess(t *testing.T) {
	p, _, _, store, _, bus := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/never-remote.jpg", Name: "content", Method: rq.MethodDelete, TimestampMs: 1}))

	seen := collectEvents(bus)

	require.NoError(t, p.SyncPath(ctx, "/never-remote.jpg", "content"))

	exists, err := store.Exists(ctx, "/never-remote.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	var sawConflict bool
	for _, e := range *seen {
		if e.Kind == events.KindSyncConflict {
			sawConflict = true
		}
	}
	assert.False(t, sawConflict)
}

// TestSyncPath_CheckedOutRetriesWithoutConflict covers scenario 3: a 423
// checked-out response is fatal-classified but, on its own, just keeps the
// entry queued for a later retry — the remote may release the checkout on
// its own, so a single locked response must not surface as a conflict.
func TestSyncPath_CheckedOutRetriesWithoutConflict(t *testing.T) {
	p, local, remote, store, _, bus := newTestProcessor(t)
	ctx := context.Background()

	remote.Seed("/locked.jpg", []byte("old"), 100)
	writeLocalFile(t, local, "/locked.jpg", []byte("new"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/locked.jpg", Name: "content", Method: rq.MethodPost, TimestampMs: 1}))
	remote.StatusOverride["/locked.jpg"] = 423

	seen := collectEvents(bus)

	require.NoError(t, p.SyncPath(ctx, "/locked.jpg", "content"))

	exists, err := store.Exists(ctx, "/locked.jpg")
	require.NoError(t, err, "a locked entry stays queued for retry")
	assert.True(t, exists)

	var sawConflict, sawErr bool
	for _, e := range *seen {
		switch e.Kind {
		case events.KindSyncConflict:
			sawConflict = true
		case events.KindSyncFileErr:
			sawErr = true
		}
	}
	assert.True(t, sawErr, "the locked response must still surface as a sync error")
	assert.False(t, sawConflict, "a single locked response is not yet a conflict")
}

// TestSyncPath_CheckedOutEmitsConflictAfterUserEditsDuringRetries covers the
// rest of scenario 3: once the user edits the file again while it's stuck
// behind the checkout (coalescing a new mutation and advancing the entry's
// generation), exhausting the retry ceiling against that new generation is
// what finally surfaces as a conflict.
func TestSyncPath_CheckedOutEmitsConflictAfterUserEditsDuringRetries(t *testing.T) {
	p, local, remote, store, _, bus := newTestProcessor(t)
	ctx := context.Background()

	remote.Seed("/locked.jpg", []byte("old"), 100)
	writeLocalFile(t, local, "/locked.jpg", []byte("new"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/locked.jpg", Name: "content", Method: rq.MethodPost, TimestampMs: 1}))

	seen := collectEvents(bus)

	// First locked response: records the streak's starting generation, no
	// conflict yet.
	remote.StatusOverride["/locked.jpg"] = 423
	require.NoError(t, p.SyncPath(ctx, "/locked.jpg", "content"))

	// The user edits the file again while it's still stuck behind the
	// checkout: this coalesces into the queued entry, bumping its
	// Generation and resetting its retry count.
	writeLocalFile(t, local, "/locked.jpg", []byte("newer"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/locked.jpg", Name: "content", Method: rq.MethodPost, TimestampMs: 2}))

	// Drive retries past the ceiling against the new generation; the
	// remote keeps saying locked throughout.
	for i := 0; i <= testConfig().MaxRetries; i++ {
		remote.StatusOverride["/locked.jpg"] = 423
		require.NoError(t, p.SyncPath(ctx, "/locked.jpg", "content"))
	}

	exists, err := store.Exists(ctx, "/locked.jpg")
	require.NoError(t, err, "a conflicted entry stays queued for retry or user action")
	assert.True(t, exists)

	var sawConflict bool
	for _, e := range *seen {
		if e.Kind == events.KindSyncConflict {
			sawConflict = true
		}
	}
	assert.True(t, sawConflict, "exhausting retries after the user's re-edit must surface a conflict")
}

// TestSyncPath_ServerErrorSchedulesRetry covers the 5xx retry path: the
// entry survives with an incremented retry count and a future eligibility
// time rather than being purged immediately.
func TestSyncPath_ServerErrorSchedulesRetry(t *testing.T) {
	p, local, remote, store, _, _ := newTestProcessor(t)
	ctx := context.Background()

	writeLocalFile(t, local, "/flaky.jpg", []byte("data"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/flaky.jpg", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))
	remote.StatusOverride["/flaky.jpg"] = 503

	require.NoError(t, p.SyncPath(ctx, "/flaky.jpg", "content"))

	entry, err := store.Get(ctx, "/flaky.jpg", "content")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Retries)
	assert.Greater(t, entry.NextEligibleMs, int64(0))
}

// TestSyncPath_MaxRetriesExceededPurges covers the retry ceiling: once
// Retries exceeds MaxRetries the entry is purged rather than retried
// forever.
func TestSyncPath_MaxRetriesExceededPurges(t *testing.T) {
	p, local, remote, store, _, bus := newTestProcessor(t)
	ctx := context.Background()

	writeLocalFile(t, local, "/doomed.jpg", []byte("data"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/doomed.jpg", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))

	for i := 0; i < p.cfg.MaxRetries; i++ {
		require.NoError(t, store.IncrementRetry(ctx, "/doomed.jpg", "content", 0, time.Now().Add(-time.Hour)))
	}

	remote.StatusOverride["/doomed.jpg"] = 500

	seen := collectEvents(bus)

	require.NoError(t, p.SyncPath(ctx, "/doomed.jpg", "content"))

	exists, err := store.Exists(ctx, "/doomed.jpg")
	require.NoError(t, err)
	assert.False(t, exists, "entry must be purged once retries are exhausted")

	var sawPurge bool
	for _, e := range *seen {
		if e.Kind == events.KindPurged && e.Reason == string(rq.PurgeReasonMaxRetries) {
			sawPurge = true
		}
	}
	assert.True(t, sawPurge)
}

// TestSyncPath_TempFilePurgedUnsyncable covers the dot-prefix / editor-swap
// skip rule: a queued mutation against a temp-file path is dropped without
// ever reaching the remote.
func TestSyncPath_TempFilePurgedUnsyncable(t *testing.T) {
	p, _, remote, store, _, bus := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/.hidden.swp", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))

	seen := collectEvents(bus)

	require.NoError(t, p.SyncPath(ctx, "/.hidden.swp", "content"))

	exists, err := store.Exists(ctx, "/.hidden.swp")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = remote.Stat(ctx, "/.hidden.swp")
	assert.Error(t, err, "a temp file must never reach the remote")

	var sawPurge bool
	for _, e := range *seen {
		if e.Kind == events.KindPurged && e.Reason == string(rq.PurgeReasonUnsyncable) {
			sawPurge = true
		}
	}
	assert.True(t, sawPurge)
}

// abortInjectingRemote simulates a user write landing in the RQ for the
// same path while the processor's upload is in flight, by coalescing a new
// mutation into the store immediately after the remote call it wraps.
type abortInjectingRemote struct {
	*rqtest.FakeRemoteTree
	store *rq.Store
	path  string
}

func (r *abortInjectingRemote) CreateFileResource(ctx context.Context, remotePath string, body io.Reader, size int64, progress rqio.ProgressFunc) error {
	err := r.FakeRemoteTree.CreateFileResource(ctx, remotePath, body, size, progress)
	if remotePath == r.path {
		r.store.Queue(ctx, rq.Entry{Path: r.path, Name: "content", Method: rq.MethodPut, TimestampMs: 1}) //nolint:errcheck
	}

	return err
}

// TestSyncPath_UpdateDuringUploadAborts covers scenario 2: a second write
// coalesces into the entry while its first version is mid-upload. The
// processor must detect the generation change and abort rather than
// completing (and thereby losing) the newer write.
func TestSyncPath_UpdateDuringUploadAborts(t *testing.T) {
	local := rqtest.NewFakeLocalTree()
	fakeRemote := rqtest.NewFakeRemoteTree()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := rq.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	overlay := cache.New(local, false)
	bus := events.New()
	locks := pathlock.New()

	remote := &abortInjectingRemote{FakeRemoteTree: fakeRemote, store: store, path: "/racy.jpg"}

	p := New(store, locks, overlay, local, remote, bus, logger, testConfig())

	ctx := context.Background()
	writeLocalFile(t, local, "/racy.jpg", []byte("v1"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/racy.jpg", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))

	seen := collectEvents(bus)

	require.NoError(t, p.SyncPath(ctx, "/racy.jpg", "content"))

	exists, err := store.Exists(ctx, "/racy.jpg")
	require.NoError(t, err)
	assert.True(t, exists, "the coalesced newer write must remain queued after an abort")

	var sawAbort bool
	for _, e := range *seen {
		if e.Kind == events.KindSyncFileAbort {
			sawAbort = true
		}
	}
	assert.True(t, sawAbort)
}

// TestSyncPath_MoveFallsBackToCreateAndDelete covers the MOVE failure
// fallback: when the remote lacks a native rename, the processor creates
// the destination and deletes the source within the same tick.
func TestSyncPath_MoveFallsBackToCreateAndDelete(t *testing.T) {
	p, local, remote, store, _, _ := newTestProcessor(t)
	ctx := context.Background()

	writeLocalFile(t, local, "/renamed-to.jpg", []byte("data"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/renamed-from.jpg", Name: "content", Method: rq.MethodMove, Destination: "/renamed-to.jpg", TimestampMs: 1}))

	require.NoError(t, p.SyncPath(ctx, "/renamed-from.jpg", "content"))

	exists, err := store.Exists(ctx, "/renamed-from.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = remote.Stat(ctx, "/renamed-to.jpg")
	assert.NoError(t, err)
}

func TestClassifyError_ConflictIsFatal(t *testing.T) {
	assert.Equal(t, rqerr.TierFatal, rqerr.ClassifyError(rqerr.ErrConflict))
}

func TestStartStop_RunsAndShutsDownCleanly(t *testing.T) {
	p, local, _, store, _, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writeLocalFile(t, local, "/bg.jpg", []byte("data"))
	require.NoError(t, store.Queue(ctx, rq.Entry{Path: "/bg.jpg", Name: "content", Method: rq.MethodPut, TimestampMs: 1}))

	p.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	exists, err := store.Exists(ctx, "/bg.jpg")
	require.NoError(t, err)
	assert.False(t, exists, "the background loop must have drained the entry before Stop returns")
}
