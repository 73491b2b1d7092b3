package cache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paladugu82/node-smb-server-sub001/internal/localtree"
)

type fakeFsWatcher struct {
	events chan fsnotify.Event
	errors chan error
	added  []string
	closed bool
}

func newFakeFsWatcher() *fakeFsWatcher {
	return &fakeFsWatcher{events: make(chan fsnotify.Event, 8), errors: make(chan error, 1)}
}

func (f *fakeFsWatcher) Add(name string) error {
	f.added = append(f.added, name)
	return nil
}

func (f *fakeFsWatcher) Close() error {
	f.closed = true
	return nil
}

func (f *fakeFsWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeFsWatcher) Errors() <-chan error          { return f.errors }

func newTestWatcher(t *testing.T, root string, invalidated chan<- string) (*Watcher, *fakeFsWatcher, *Overlay, *InFlight) {
	t.Helper()

	overlay := New(localtree.New(root), false)
	inFlight := NewInFlight()
	fake := newFakeFsWatcher()

	w := NewWatcher(root, overlay, inFlight, func(path string) {
		invalidated <- path
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w.newFsWatcher = func() (FsWatcher, error) { return fake, nil }

	return w, fake, overlay, inFlight
}

func TestWatcher_InvalidatesOnExternalWrite(t *testing.T) {
	root := t.TempDir()
	invalidated := make(chan string, 1)

	w, fake, overlay, _ := newTestWatcher(t, root, invalidated)
	require.NoError(t, overlay.Put(context.Background(), "/photo.jpg", NewEntry("/photo.jpg")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	fake.events <- fsnotify.Event{Name: filepath.Join(root, "photo.jpg"), Op: fsnotify.Write}

	select {
	case got := <-invalidated:
		assert.Equal(t, "/", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation")
	}

	_, exists, err := overlay.Get(context.Background(), "/photo.jpg")
	require.NoError(t, err)
	assert.False(t, exists, "sidecar should have been dropped after external write")
}

func TestWatcher_IgnoresInFlightWrites(t *testing.T) {
	root := t.TempDir()
	invalidated := make(chan string, 1)

	w, fake, _, inFlight := newTestWatcher(t, root, invalidated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	inFlight.Mark("/photo.jpg")
	fake.events <- fsnotify.Event{Name: filepath.Join(root, "photo.jpg"), Op: fsnotify.Write}

	select {
	case <-invalidated:
		t.Fatal("expected no invalidation for an in-flight write")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_IgnoresSidecarEvents(t *testing.T) {
	root := t.TempDir()
	invalidated := make(chan string, 1)

	w, fake, _, _ := newTestWatcher(t, root, invalidated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	fake.events <- fsnotify.Event{Name: filepath.Join(root, "photo.jpg.rqmeta"), Op: fsnotify.Write}

	select {
	case <-invalidated:
		t.Fatal("expected no invalidation for a sidecar write")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_AddsNewDirectories(t *testing.T) {
	root := t.TempDir()
	invalidated := make(chan string, 1)

	w, fake, _, _ := newTestWatcher(t, root, invalidated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Len(t, fake.added, 1)

	fake.events <- fsnotify.Event{Name: filepath.Join(root, "sub"), Op: fsnotify.Create}

	require.Eventually(t, func() bool {
		for _, p := range fake.added {
			if p == filepath.Join(root, "sub") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInFlight_MarkUnmarkIsReferenceCounted(t *testing.T) {
	f := NewInFlight()

	f.Mark("/a")
	f.Mark("/a")
	assert.True(t, f.Contains("/a"))

	f.Unmark("/a")
	assert.True(t, f.Contains("/a"), "still marked once")

	f.Unmark("/a")
	assert.False(t, f.Contains("/a"))
}
