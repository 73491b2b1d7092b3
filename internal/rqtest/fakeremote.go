package rqtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paladugu82/node-smb-server-sub001/internal/rqerr"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

type remoteObject struct {
	data []byte
	mod  int64
	dir  bool
}

// FakeRemoteTree is an in-memory rqio.RemoteTree with injectable per-path
// failure behavior, for exercising retry/conflict/404-swallow paths.
type FakeRemoteTree struct {
	mu      sync.Mutex
	objects map[string]*remoteObject

	// StatusOverride, if set for a path, is returned as the HTTP-equivalent
	// status for the next Create/Update/Delete/Rename call against it, then
	// cleared. 0 means no override.
	StatusOverride map[string]int

	getCount atomic.Int64
}

// NewFakeRemoteTree returns an empty in-memory remote tree.
func NewFakeRemoteTree() *FakeRemoteTree {
	return &FakeRemoteTree{
		objects:        make(map[string]*remoteObject),
		StatusOverride: make(map[string]int),
	}
}

// Seed pre-populates path with data and mtime mod, as if already present
// on the remote before the test begins.
func (r *FakeRemoteTree) Seed(path string, data []byte, mod int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.objects[path] = &remoteObject{data: data, mod: mod}
}

// GetCount returns how many times Open (a remote GET) has been called.
func (r *FakeRemoteTree) GetCount() int64 { return r.getCount.Load() }

func (r *FakeRemoteTree) takeOverride(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := r.StatusOverride[path]
	delete(r.StatusOverride, path)

	return code
}

func (r *FakeRemoteTree) List(_ context.Context, path string) ([]rqio.Stat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"

	var out []rqio.Stat

	for p, o := range r.objects {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}

		out = append(out, rqio.Stat{Path: p, Size: int64(len(o.data)), LastModified: o.mod, IsDir: o.dir})
	}

	return out, nil
}

func (r *FakeRemoteTree) Stat(_ context.Context, path string) (rqio.Stat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.objects[path]
	if !ok {
		return rqio.Stat{}, &rqerr.RemoteError{StatusCode: 404, Err: rqerr.ErrNotFound, Message: "not found"}
	}

	return rqio.Stat{Path: path, Size: int64(len(o.data)), LastModified: o.mod, IsDir: o.dir}, nil
}

func (r *FakeRemoteTree) Open(_ context.Context, path string) (rqio.RemoteHandle, error) {
	r.getCount.Add(1)

	r.mu.Lock()
	o, ok := r.objects[path]
	r.mu.Unlock()

	if !ok {
		return nil, &rqerr.RemoteError{StatusCode: 404, Err: rqerr.ErrNotFound, Message: "not found"}
	}

	return &fakeRemoteHandle{path: path, obj: o}, nil
}

func (r *FakeRemoteTree) CreateFileResource(_ context.Context, remotePath string, localBytes io.Reader, size int64, progress rqio.ProgressFunc) error {
	if code := r.takeOverride(remotePath); code != 0 {
		return statusErr(code)
	}

	data, err := io.ReadAll(localBytes)
	if err != nil {
		return fmt.Errorf("fake remote: read upload body: %w", err)
	}

	if progress != nil {
		progress(int64(len(data)), size, 0)
	}

	r.mu.Lock()
	if _, exists := r.objects[remotePath]; exists {
		r.mu.Unlock()
		return &rqerr.RemoteError{StatusCode: 409, Err: rqerr.ErrConflict, Message: "already exists"}
	}

	r.objects[remotePath] = &remoteObject{data: data, mod: time.Now().UnixMilli()}
	r.mu.Unlock()

	return nil
}

func (r *FakeRemoteTree) UpdateResource(_ context.Context, remotePath string, localBytes io.Reader, size int64, progress rqio.ProgressFunc) error {
	if code := r.takeOverride(remotePath); code != 0 {
		return statusErr(code)
	}

	data, err := io.ReadAll(localBytes)
	if err != nil {
		return fmt.Errorf("fake remote: read upload body: %w", err)
	}

	if progress != nil {
		progress(int64(len(data)), size, 0)
	}

	r.mu.Lock()
	o, exists := r.objects[remotePath]
	if !exists {
		r.mu.Unlock()
		return &rqerr.RemoteError{StatusCode: 404, Err: rqerr.ErrNotFound, Message: "not found"}
	}

	o.data = data
	o.mod = time.Now().UnixMilli()
	r.mu.Unlock()

	return nil
}

func (r *FakeRemoteTree) DeleteResource(_ context.Context, path string, _ bool) error {
	if code := r.takeOverride(path); code != 0 {
		return statusErr(code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects[path]; !ok {
		return &rqerr.RemoteError{StatusCode: 404, Err: rqerr.ErrNotFound, Message: "not found"}
	}

	delete(r.objects, path)

	return nil
}

func (r *FakeRemoteTree) RenameResource(_ context.Context, oldPath, newPath string) error {
	if code := r.takeOverride(oldPath); code != 0 {
		return statusErr(code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.objects[oldPath]
	if !ok {
		return &rqerr.RemoteError{StatusCode: 404, Err: rqerr.ErrNotFound, Message: "not found"}
	}

	delete(r.objects, oldPath)
	r.objects[newPath] = o

	return nil
}

func (r *FakeRemoteTree) CreateDirectoryResource(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.objects[path] = &remoteObject{dir: true}

	return nil
}

func statusErr(code int) error {
	return &rqerr.RemoteError{StatusCode: code, Err: rqerr.ClassifyStatus(code), Message: fmt.Sprintf("status %d", code)}
}

type fakeRemoteHandle struct {
	path string
	obj  *remoteObject
}

func (h *fakeRemoteHandle) Stat() rqio.Stat {
	return rqio.Stat{Path: h.path, Size: int64(len(h.obj.data)), LastModified: h.obj.mod}
}

func (h *fakeRemoteHandle) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(h.obj.data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	end := off + length
	if end > int64(len(h.obj.data)) {
		end = int64(len(h.obj.data))
	}

	return io.NopCloser(bytes.NewReader(h.obj.data[off:end])), nil
}

func (h *fakeRemoteHandle) Close() error { return nil }
