package localtree

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paladugu82/node-smb-server-sub001/internal/cache"
)

func TestCreateWriteReadRoundTrip(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	h, err := tree.Create(ctx, "/a/b.txt")
	require.NoError(t, err)

	_, err = h.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	exists, err := tree.Exists(ctx, "/a/b.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	h2, err := tree.Open(ctx, "/a/b.txt")
	require.NoError(t, err)
	defer h2.Close()

	data, err := io.ReadAll(h2)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStat_MissingReturnsNotExist(t *testing.T) {
	tree := New(t.TempDir())

	_, err := tree.Stat(context.Background(), "/missing.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSidecar_RoundTrip(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	_, err := tree.ReadSidecar(ctx, "/a.jpg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cache.ErrSidecarNotFound))

	require.NoError(t, tree.WriteSidecar(ctx, "/a.jpg", []byte(`{"created_locally":true}`)))

	data, err := tree.ReadSidecar(ctx, "/a.jpg")
	require.NoError(t, err)
	assert.JSONEq(t, `{"created_locally":true}`, string(data))

	require.NoError(t, tree.DeleteSidecar(ctx, "/a.jpg"))

	_, err = tree.ReadSidecar(ctx, "/a.jpg")
	assert.True(t, errors.Is(err, cache.ErrSidecarNotFound))
}

func TestRename_MovesFileAndSidecar(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	h, err := tree.Create(ctx, "/old.jpg")
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, tree.WriteSidecar(ctx, "/old.jpg", []byte(`{}`)))

	require.NoError(t, tree.Rename(ctx, "/old.jpg", "/new.jpg"))

	exists, err := tree.Exists(ctx, "/new.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = tree.ReadSidecar(ctx, "/new.jpg")
	require.NoError(t, err)

	_, err = tree.ReadSidecar(ctx, "/old.jpg")
	assert.True(t, errors.Is(err, cache.ErrSidecarNotFound))
}

func TestList_SkipsSidecarsAndPartials(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, tree.CreateDirectory(ctx, "/dir"))

	for _, name := range []string{"/dir/a.jpg", "/dir/b.jpg", "/dir/c.jpg.partial"} {
		h, err := tree.Create(ctx, name)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	require.NoError(t, tree.WriteSidecar(ctx, "/dir/a.jpg", []byte(`{}`)))

	stats, err := tree.List(ctx, "/dir")
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}

func TestStageTempFile_FinalizeRenamesIntoPlace(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	h, tempPath, err := tree.StageTempFile(ctx, "download.jpg")
	require.NoError(t, err)

	_, err = h.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, tree.FinalizeStage(ctx, tempPath, "/download.jpg"))

	exists, err := tree.Exists(ctx, "/download.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	h2, err := tree.Open(ctx, "/download.jpg")
	require.NoError(t, err)
	defer h2.Close()

	data, err := io.ReadAll(h2)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDiscardStage_RemovesTempFile(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	_, tempPath, err := tree.StageTempFile(ctx, "abandoned.jpg")
	require.NoError(t, err)

	require.NoError(t, tree.DiscardStage(ctx, tempPath))

	full := filepath.Join(tree.root, tempPath)
	_, statErr := os.Stat(full)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAbs_NeutralizesPathTraversal(t *testing.T) {
	tree := New(t.TempDir())

	full, err := tree.abs("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tree.root, "etc/passwd"), full)
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	tree := New(t.TempDir())
	require.NoError(t, tree.Delete(context.Background(), "/never-existed.jpg"))
}

func TestListStaleStaging_FindsOldFilesOnly(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	_, freshTemp, err := tree.StageTempFile(ctx, "fresh.jpg")
	require.NoError(t, err)

	_, staleTemp, err := tree.StageTempFile(ctx, "stale.jpg")
	require.NoError(t, err)

	staleFull := filepath.Join(tree.root, staleTemp)
	oldTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(staleFull, oldTime, oldTime))

	stale, err := tree.ListStaleStaging(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, staleTemp, stale[0])
	assert.NotEqual(t, freshTemp, stale[0])
}

func TestHandle_SetLengthTruncatesAndGrows(t *testing.T) {
	tree := New(t.TempDir())
	ctx := context.Background()

	h, err := tree.Create(ctx, "/grow.bin")
	require.NoError(t, err)

	_, err = h.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, h.SetLength(ctx, 4))
	require.NoError(t, h.Flush(ctx))
	require.NoError(t, h.Close())

	stat, err := tree.Stat(ctx, "/grow.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stat.Size)
}
