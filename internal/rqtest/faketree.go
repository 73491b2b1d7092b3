// Package rqtest provides in-memory fakes of rqio.LocalTree and
// rqio.RemoteTree for exercising the caching core without real disk or
// network I/O. Used only from _test.go files across internal/.
package rqtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

type memFile struct {
	data []byte
	dir  bool
	mod  int64
}

// FakeLocalTree is an in-memory rqio.LocalTree.
type FakeLocalTree struct {
	mu       sync.Mutex
	files    map[string]*memFile
	sidecars map[string][]byte
	tempSeq  int
}

// NewFakeLocalTree returns an empty in-memory local tree.
func NewFakeLocalTree() *FakeLocalTree {
	return &FakeLocalTree{
		files:    make(map[string]*memFile),
		sidecars: make(map[string][]byte),
	}
}

func (t *FakeLocalTree) Exists(_ context.Context, path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.files[path]
	return ok, nil
}

func (t *FakeLocalTree) Stat(_ context.Context, path string) (rqio.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[path]
	if !ok {
		return rqio.Stat{}, fmt.Errorf("fake local: %s: %w", path, errNotExist)
	}

	return rqio.Stat{Path: path, Size: int64(len(f.data)), LastModified: f.mod, IsDir: f.dir}, nil
}

func (t *FakeLocalTree) Open(_ context.Context, path string) (rqio.Handle, error) {
	t.mu.Lock()
	f, ok := t.files[path]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("fake local: open %s: %w", path, errNotExist)
	}

	return newMemHandle(t, path, f), nil
}

func (t *FakeLocalTree) Create(_ context.Context, path string) (rqio.Handle, error) {
	t.mu.Lock()
	f := &memFile{}
	t.files[path] = f
	t.mu.Unlock()

	return newMemHandle(t, path, f), nil
}

func (t *FakeLocalTree) CreateDirectory(_ context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files[path] = &memFile{dir: true}
	return nil
}

func (t *FakeLocalTree) Delete(_ context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.files, path)
	return nil
}

func (t *FakeLocalTree) DeleteDirectory(_ context.Context, path string) error {
	return t.Delete(context.Background(), path)
}

func (t *FakeLocalTree) Rename(_ context.Context, oldPath, newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[oldPath]
	if !ok {
		return fmt.Errorf("fake local: rename %s: %w", oldPath, errNotExist)
	}

	delete(t.files, oldPath)
	t.files[newPath] = f

	if sc, ok := t.sidecars[oldPath]; ok {
		delete(t.sidecars, oldPath)
		t.sidecars[newPath] = sc
	}

	return nil
}

func (t *FakeLocalTree) List(_ context.Context, path string) ([]rqio.Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"

	var out []rqio.Stat

	for p, f := range t.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}

		rest := strings.TrimPrefix(p, prefix)
		if strings.Contains(rest, "/") {
			continue
		}

		out = append(out, rqio.Stat{Path: p, Size: int64(len(f.data)), LastModified: f.mod, IsDir: f.dir})
	}

	return out, nil
}

func (t *FakeLocalTree) ReadSidecar(_ context.Context, path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, ok := t.sidecars[path]
	if !ok {
		return nil, cache.ErrSidecarNotFound
	}

	return data, nil
}

func (t *FakeLocalTree) WriteSidecar(_ context.Context, path string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sidecars[path] = data
	return nil
}

func (t *FakeLocalTree) DeleteSidecar(_ context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sidecars, path)
	return nil
}

func (t *FakeLocalTree) StageTempFile(_ context.Context, hint string) (rqio.Handle, string, error) {
	t.mu.Lock()
	t.tempSeq++
	tempPath := fmt.Sprintf(".staging/%s.%d.partial", hint, t.tempSeq)
	f := &memFile{}
	t.files[tempPath] = f
	t.mu.Unlock()

	return newMemHandle(t, tempPath, f), tempPath, nil
}

func (t *FakeLocalTree) FinalizeStage(_ context.Context, tempPath, finalPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[tempPath]
	if !ok {
		return fmt.Errorf("fake local: finalize stage %s: %w", tempPath, errNotExist)
	}

	delete(t.files, tempPath)
	t.files[finalPath] = f

	return nil
}

func (t *FakeLocalTree) DiscardStage(_ context.Context, tempPath string) error {
	return t.Delete(context.Background(), tempPath)
}

// SetModTime sets the stored LastModified for an existing path, for tests
// asserting cache-staleness comparisons.
func (t *FakeLocalTree) SetModTime(path string, mod int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.files[path]; ok {
		f.mod = mod
	}
}

type memHandle struct {
	tree *FakeLocalTree
	path string
	file *memFile
	pos  int64
}

func newMemHandle(tree *FakeLocalTree, path string, f *memFile) *memHandle {
	return &memHandle{tree: tree, path: path, file: f}
}

func (h *memHandle) Read(p []byte) (int, error) {
	h.tree.mu.Lock()
	defer h.tree.mu.Unlock()

	if h.pos >= int64(len(h.file.data)) {
		return 0, io.EOF
	}

	n := copy(p, h.file.data[h.pos:])
	h.pos += int64(n)

	return n, nil
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		h.pos = offset
	case io.SeekCurrent:
		h.pos += offset
	case io.SeekEnd:
		h.pos = int64(len(h.file.data)) + offset
	}

	return h.pos, nil
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	h.tree.mu.Lock()
	defer h.tree.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(h.file.data)) {
		grown := make([]byte, end)
		copy(grown, h.file.data)
		h.file.data = grown
	}

	copy(h.file.data[off:], p)
	h.file.mod = nowMillis()

	return len(p), nil
}

func (h *memHandle) ReaderAt(_ context.Context, off, length int64) (io.ReadCloser, error) {
	h.tree.mu.Lock()
	defer h.tree.mu.Unlock()

	if off >= int64(len(h.file.data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	end := off + length
	if end > int64(len(h.file.data)) {
		end = int64(len(h.file.data))
	}

	return io.NopCloser(bytes.NewReader(h.file.data[off:end])), nil
}

func (h *memHandle) Stat() (rqio.Stat, error) {
	h.tree.mu.Lock()
	defer h.tree.mu.Unlock()

	return rqio.Stat{Path: h.path, Size: int64(len(h.file.data)), LastModified: h.file.mod, IsDir: h.file.dir}, nil
}

func (h *memHandle) SetLength(_ context.Context, length int64) error {
	h.tree.mu.Lock()
	defer h.tree.mu.Unlock()

	if length <= int64(len(h.file.data)) {
		h.file.data = h.file.data[:length]
	} else {
		grown := make([]byte, length)
		copy(grown, h.file.data)
		h.file.data = grown
	}

	h.file.mod = nowMillis()

	return nil
}

func (h *memHandle) Flush(context.Context) error { return nil }
func (h *memHandle) Close() error                { return nil }

func nowMillis() int64 { return time.Now().UnixMilli() }

// errNotExist avoids importing "os" just for the sentinel in this
// lightweight fake.
var errNotExist = errors.New("not found")
