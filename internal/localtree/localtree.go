// Package localtree implements rqio.LocalTree: path-addressed file CRUD
// against a real directory on disk, plus a JSON metadata sidecar per file.
// Staged downloads go through a process-unique ".partial" temp file and an
// atomic rename into place, grounded on the teacher's executor.go download
// path.
package localtree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644
	sidecarSuffix   = ".rqmeta"
)

// Tree is the default rqio.LocalTree implementation: a real directory tree
// rooted at root, with a ".rqmeta" JSON sidecar alongside each cached file.
type Tree struct {
	root    string
	tempSeq atomic.Int64
}

// New returns a Tree rooted at root. root must already exist.
func New(root string) *Tree {
	return &Tree{root: root}
}

// abs joins path onto root, rejecting any ".." escape.
func (t *Tree) abs(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(t.root, clean)

	if full != t.root && !strings.HasPrefix(full, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("localtree: path escapes root: %s", path)
	}

	return full, nil
}

func (t *Tree) sidecarPath(path string) (string, error) {
	full, err := t.abs(path)
	if err != nil {
		return "", err
	}

	return full + sidecarSuffix, nil
}

func (t *Tree) Exists(_ context.Context, path string) (bool, error) {
	full, err := t.abs(path)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("localtree: stat %s: %w", path, err)
}

func (t *Tree) Stat(_ context.Context, path string) (rqio.Stat, error) {
	full, err := t.abs(path)
	if err != nil {
		return rqio.Stat{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return rqio.Stat{}, fmt.Errorf("localtree: stat %s: %w", path, classify(err))
	}

	return statFromInfo(path, info), nil
}

func statFromInfo(path string, info os.FileInfo) rqio.Stat {
	return rqio.Stat{
		Path:         path,
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
		IsDir:        info.IsDir(),
	}
}

func (t *Tree) Open(_ context.Context, path string) (rqio.Handle, error) {
	full, err := t.abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(full, os.O_RDWR, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("localtree: open %s: %w", path, classify(err))
	}

	return &fileHandle{f: f, path: path}, nil
}

func (t *Tree) Create(_ context.Context, path string) (rqio.Handle, error) {
	full, err := t.abs(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), dirPermissions); err != nil {
		return nil, fmt.Errorf("localtree: mkdir for %s: %w", path, err)
	}

	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("localtree: create %s: %w", path, err)
	}

	return &fileHandle{f: f, path: path}, nil
}

func (t *Tree) CreateDirectory(_ context.Context, path string) error {
	full, err := t.abs(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(full, dirPermissions); err != nil {
		return fmt.Errorf("localtree: mkdir %s: %w", path, err)
	}

	return nil
}

func (t *Tree) Delete(_ context.Context, path string) error {
	full, err := t.abs(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localtree: delete %s: %w", path, classify(err))
	}

	return nil
}

func (t *Tree) DeleteDirectory(_ context.Context, path string) error {
	full, err := t.abs(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localtree: delete directory %s: %w", path, classify(err))
	}

	return nil
}

func (t *Tree) Rename(_ context.Context, oldPath, newPath string) error {
	oldFull, err := t.abs(oldPath)
	if err != nil {
		return err
	}

	newFull, err := t.abs(newPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(newFull), dirPermissions); err != nil {
		return fmt.Errorf("localtree: mkdir for rename target %s: %w", newPath, err)
	}

	if err := os.Rename(oldFull, newFull); err != nil {
		return fmt.Errorf("localtree: rename %s -> %s: %w", oldPath, newPath, classify(err))
	}

	oldSidecar, err := t.sidecarPath(oldPath)
	if err != nil {
		return err
	}

	newSidecar, err := t.sidecarPath(newPath)
	if err != nil {
		return err
	}

	if err := os.Rename(oldSidecar, newSidecar); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localtree: rename sidecar %s -> %s: %w", oldPath, newPath, err)
	}

	return nil
}

func (t *Tree) List(_ context.Context, path string) ([]rqio.Stat, error) {
	full, err := t.abs(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("localtree: list %s: %w", path, classify(err))
	}

	out := make([]rqio.Stat, 0, len(entries))

	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), sidecarSuffix) || strings.HasSuffix(entry.Name(), ".partial") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("localtree: stat entry %s: %w", entry.Name(), err)
		}

		childPath := strings.TrimSuffix(path, "/") + "/" + entry.Name()
		out = append(out, statFromInfo(childPath, info))
	}

	return out, nil
}

func (t *Tree) ReadSidecar(_ context.Context, path string) ([]byte, error) {
	full, err := t.sidecarPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cache.ErrSidecarNotFound
		}

		return nil, fmt.Errorf("localtree: read sidecar %s: %w", path, err)
	}

	return data, nil
}

// WriteSidecar writes data via a temp file plus rename so a reader never
// observes a partially-written sidecar.
func (t *Tree) WriteSidecar(_ context.Context, path string, data []byte) error {
	full, err := t.sidecarPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), dirPermissions); err != nil {
		return fmt.Errorf("localtree: mkdir for sidecar %s: %w", path, err)
	}

	tmp := full + fmt.Sprintf(".%d.tmp", t.tempSeq.Add(1))

	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("localtree: write sidecar temp %s: %w", path, err)
	}

	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("localtree: rename sidecar %s: %w", path, err)
	}

	return nil
}

func (t *Tree) DeleteSidecar(_ context.Context, path string) error {
	full, err := t.sidecarPath(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localtree: delete sidecar %s: %w", path, err)
	}

	return nil
}

// StageTempFile creates a process-unique scratch file under a hidden
// staging directory for a download in progress.
func (t *Tree) StageTempFile(_ context.Context, hint string) (rqio.Handle, string, error) {
	stagingDir := filepath.Join(t.root, ".staging")
	if err := os.MkdirAll(stagingDir, dirPermissions); err != nil {
		return nil, "", fmt.Errorf("localtree: mkdir staging dir: %w", err)
	}

	seq := t.tempSeq.Add(1)
	name := fmt.Sprintf("%s.%d.partial", filepath.Base(hint), seq)
	full := filepath.Join(stagingDir, name)

	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return nil, "", fmt.Errorf("localtree: create staging file: %w", err)
	}

	tempPath := ".staging/" + name

	return &fileHandle{f: f, path: tempPath}, tempPath, nil
}

// FinalizeStage atomically renames tempPath into finalPath. Falls back to
// copy-then-unlink if the rename fails because the paths cross devices.
func (t *Tree) FinalizeStage(_ context.Context, tempPath, finalPath string) error {
	tempFull, err := t.abs(tempPath)
	if err != nil {
		return err
	}

	finalFull, err := t.abs(finalPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(finalFull), dirPermissions); err != nil {
		return fmt.Errorf("localtree: mkdir for finalize %s: %w", finalPath, err)
	}

	if err := os.Rename(tempFull, finalFull); err != nil {
		if isCrossDevice(err) {
			return copyThenUnlink(tempFull, finalFull)
		}

		return fmt.Errorf("localtree: finalize stage %s -> %s: %w", tempPath, finalPath, err)
	}

	return nil
}

func copyThenUnlink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("localtree: open staged file for copy: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("localtree: create finalize target: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return fmt.Errorf("localtree: copy staged file: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("localtree: close finalize target: %w", err)
	}

	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// ListStaleStaging returns staging-file paths (relative, as returned by
// StageTempFile) whose mtime is older than olderThan, for a startup sweep
// of downloads abandoned by a crashed process.
func (t *Tree) ListStaleStaging(_ context.Context, olderThan time.Duration) ([]string, error) {
	stagingDir := filepath.Join(t.root, ".staging")

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("localtree: list staging dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)

	var stale []string

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			stale = append(stale, ".staging/"+entry.Name())
		}
	}

	return stale, nil
}

// DiscardStage removes an abandoned staged temp file.
func (t *Tree) DiscardStage(_ context.Context, tempPath string) error {
	full, err := t.abs(tempPath)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localtree: discard stage %s: %w", tempPath, err)
	}

	return nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w", os.ErrNotExist)
	}

	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w", os.ErrPermission)
	}

	return err
}

type fileHandle struct {
	f    *os.File
	path string
}

func (h *fileHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *fileHandle) Close() error                { return h.f.Close() }
func (h *fileHandle) Seek(off int64, whence int) (int64, error) {
	return h.f.Seek(off, whence)
}

func (h *fileHandle) WriteAt(p []byte, off int64) (int, error) {
	return h.f.WriteAt(p, off)
}

func (h *fileHandle) ReaderAt(_ context.Context, off, length int64) (io.ReadCloser, error) {
	section := io.NewSectionReader(h.f, off, length)
	return io.NopCloser(section), nil
}

func (h *fileHandle) Stat() (rqio.Stat, error) {
	info, err := h.f.Stat()
	if err != nil {
		return rqio.Stat{}, fmt.Errorf("localtree: stat handle %s: %w", h.path, err)
	}

	return statFromInfo(h.path, info), nil
}

func (h *fileHandle) SetLength(_ context.Context, length int64) error {
	if err := h.f.Truncate(length); err != nil {
		return fmt.Errorf("localtree: truncate %s: %w", h.path, err)
	}

	return nil
}

func (h *fileHandle) Flush(_ context.Context) error {
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("localtree: sync %s: %w", h.path, err)
	}

	return nil
}
