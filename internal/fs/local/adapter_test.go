package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storefs "storagecopy/internal/fs"
)

func writeFile(t *testing.T, root, rel, content string, mode os.FileMode) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), mode))
	require.NoError(t, os.Chmod(full, mode))
}

func TestAdapter_ListAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.css", "body{}", 0o644)
	writeFile(t, root, "a.txt", "hello", 0o644)
	writeFile(t, root, "nested/deep/c.js", "let x", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	a := NewAdapter(root, storefs.VisibilityUnknown)
	files, err := a.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.css", "nested/deep/c.js"}, files)
}

func TestAdapter_ListAllMissingRoot(t *testing.T) {
	a := NewAdapter(filepath.Join(t.TempDir(), "nope"), storefs.VisibilityUnknown)
	_, err := a.ListAll(context.Background())
	assert.ErrorIs(t, err, storefs.ErrUnavailable)
}

func TestAdapter_StatAndVisibility(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	root := t.TempDir()
	writeFile(t, root, "pub.txt", "hello", 0o644)
	writeFile(t, root, "priv.txt", "secret", 0o600)

	a := NewAdapter(root, storefs.VisibilityUnknown)
	ctx := context.Background()

	pub, err := a.Stat(ctx, "pub.txt")
	require.NoError(t, err)
	assert.Equal(t, storefs.VisibilityPublic, pub.Visibility)
	assert.Equal(t, int64(5), pub.Size)
	assert.Contains(t, pub.MimeType, "text/plain")

	priv, err := a.Stat(ctx, "priv.txt")
	require.NoError(t, err)
	assert.Equal(t, storefs.VisibilityPrivate, priv.Visibility)

	_, err = a.Stat(ctx, "missing.txt")
	assert.ErrorIs(t, err, storefs.ErrNotFound)

	require.NoError(t, a.SetVisibility(ctx, "priv.txt", storefs.VisibilityPublic))
	priv, err = a.Stat(ctx, "priv.txt")
	require.NoError(t, err)
	assert.Equal(t, storefs.VisibilityPublic, priv.Visibility)
}

func TestAdapter_WriteStream(t *testing.T) {
	root := t.TempDir()
	a := NewAdapter(root, storefs.VisibilityPublic)
	ctx := context.Background()
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := a.WriteStream(ctx, "dir/out.txt", bytes.NewBufferString("payload"), &storefs.FileMeta{
		ModTime:    modTime,
		Visibility: storefs.VisibilityPrivate,
	})
	require.NoError(t, err)

	rc, meta, err := a.OpenStream(ctx, "dir/out.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.True(t, meta.ModTime.Equal(modTime))
	if runtime.GOOS != "windows" {
		assert.Equal(t, storefs.VisibilityPrivate, meta.Visibility)
	}

	// 临时文件不应残留
	files, err := a.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/out.txt"}, files)
}

func TestAdapter_Delete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "gone.txt", "x", 0o644)
	a := NewAdapter(root, storefs.VisibilityUnknown)
	ctx := context.Background()

	require.NoError(t, a.Delete(ctx, "gone.txt"))
	assert.ErrorIs(t, a.Delete(ctx, "gone.txt"), storefs.ErrNotFound)

	_, _, err := a.OpenStream(ctx, "gone.txt")
	assert.ErrorIs(t, err, storefs.ErrNotFound)
}

func TestAdapter_ListAllSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello", 0o644)
	writeFile(t, root, "dir/.storagecopy-123456", "partial", 0o600)

	a := NewAdapter(root, storefs.VisibilityUnknown)
	files, err := a.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, files)
}

func TestAdapter_PathsOutsideRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "dest")
	require.NoError(t, os.MkdirAll(root, 0o755))
	writeFile(t, base, "victim.txt", "keep", 0o644)

	a := NewAdapter(root, storefs.VisibilityUnknown)
	ctx := context.Background()

	for _, rel := range []string{"../escaped.txt", "a/../../escaped.txt", "../victim.txt", ".."} {
		t.Run(rel, func(t *testing.T) {
			err := a.WriteStream(ctx, rel, bytes.NewBufferString("x"), nil)
			assert.ErrorIs(t, err, storefs.ErrInvalidPath)
			assert.NotErrorIs(t, err, storefs.ErrUnavailable)

			assert.ErrorIs(t, a.Delete(ctx, rel), storefs.ErrInvalidPath)
			assert.ErrorIs(t, a.SetVisibility(ctx, rel, storefs.VisibilityPrivate), storefs.ErrInvalidPath)
			_, err = a.Stat(ctx, rel)
			assert.ErrorIs(t, err, storefs.ErrInvalidPath)
			_, _, err = a.OpenStream(ctx, rel)
			assert.ErrorIs(t, err, storefs.ErrInvalidPath)
		})
	}

	assert.NoFileExists(t, filepath.Join(base, "escaped.txt"))
	data, err := os.ReadFile(filepath.Join(base, "victim.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	// 规范化后仍在根目录内的路径照常写入
	require.NoError(t, a.WriteStream(ctx, "a/../inside.txt", bytes.NewBufferString("ok"), nil))
	assert.FileExists(t, filepath.Join(root, "inside.txt"))
}
