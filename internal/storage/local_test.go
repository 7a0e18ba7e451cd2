package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/districtshift/districtshift/internal/config"
	dserrors "github.com/districtshift/districtshift/internal/errors"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "summary.json")
	content := []byte(`{"rows": 3}`)
	require.NoError(t, os.WriteFile(srcPath, content, 0644))

	ctx := context.Background()
	objectPath := "runs/abc/summary.json"
	require.NoError(t, storage.Upload(ctx, srcPath, objectPath))

	exists, err := storage.Exists(ctx, objectPath)
	require.NoError(t, err)
	assert.True(t, exists)

	dstPath := filepath.Join(srcDir, "nested", "downloaded.json")
	require.NoError(t, storage.Download(ctx, objectPath, dstPath))
	downloaded, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)

	require.NoError(t, storage.Delete(ctx, objectPath))
	require.NoError(t, storage.Delete(ctx, objectPath), "delete is idempotent")

	exists, err = storage.Exists(ctx, objectPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	err = storage.Download(context.Background(), "nonexistent/object.txt", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_CanceledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = storage.Exists(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublish(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(out, "charts"), 0755))
	for _, name := range []string{"observations.sqlite", "observations.meta.json", filepath.Join("charts", "chart_line_plot.png")} {
		require.NoError(t, os.WriteFile(filepath.Join(out, name), []byte(name), 0644))
	}

	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	prefix := RunPrefix("/results/", "run-1")
	assert.Equal(t, "results/runs/run-1/", prefix)

	ctx := context.Background()
	objects, err := Publish(ctx, storage, out, prefix, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"results/runs/run-1/charts/chart_line_plot.png",
		"results/runs/run-1/observations.meta.json",
		"results/runs/run-1/observations.sqlite",
	}, objects)

	listed, err := storage.ListObjects(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, objects, listed)
}

type failingStorage struct{ *LocalStorage }

func (failingStorage) Upload(context.Context, string, string) error {
	return errors.New("boom")
}

func TestPublish_UploadFailure(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "a.csv"), []byte("a"), 0644))

	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = Publish(context.Background(), failingStorage{local}, out, RunPrefix("", "r"), nil)
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeUploadFailed, dserrors.GetCode(err))
	assert.True(t, dserrors.IsRetryable(err))
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.StorageConfig{Type: config.StorageNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(ctx, config.StorageConfig{Type: config.StorageLocal, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(ctx, config.StorageConfig{Type: "gcs"})
	assert.Error(t, err)
}

func TestPublish_RefusesExistingPrefix(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "a.csv"), []byte("a"), 0644))

	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	prefix := RunPrefix("", "r")
	_, err = Publish(ctx, local, out, prefix, nil)
	require.NoError(t, err)

	_, err = Publish(ctx, local, out, prefix, nil)
	require.Error(t, err)
	assert.Equal(t, dserrors.CodePrefixExists, dserrors.GetCode(err))
	assert.False(t, dserrors.IsRetryable(err))
}

// flakyStorage fails uploads of one object name.
type flakyStorage struct {
	*LocalStorage
	fail string
}

func (f flakyStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if filepath.Base(objectPath) == f.fail {
		return errors.New("boom")
	}
	return f.LocalStorage.Upload(ctx, localPath, objectPath)
}

func TestPublish_RollsBackOnFailure(t *testing.T) {
	out := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv", "c.csv", "d.csv", "e.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(out, name), []byte(name), 0644))
	}

	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	prefix := RunPrefix("", "r")
	_, err = Publish(ctx, flakyStorage{LocalStorage: local, fail: "c.csv"}, out, prefix, nil)
	require.Error(t, err)

	left, err := local.ListObjects(ctx, prefix)
	require.NoError(t, err)
	assert.Empty(t, left, "a failed publish leaves nothing behind")
}

func TestFetch(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(src, []byte("district_id\n"), 0644))

	ctx := context.Background()
	require.NoError(t, local.Upload(ctx, src, "runs/r/results.csv"))

	dst := filepath.Join(t.TempDir(), "fetched", "results.csv")
	require.NoError(t, Fetch(ctx, local, "runs/r/results.csv", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "district_id\n", string(data))

	err = Fetch(ctx, local, "runs/missing/results.csv", dst)
	require.Error(t, err)
	assert.Equal(t, dserrors.CodeObjectNotFound, dserrors.GetCode(err))
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.False(t, dserrors.IsRetryable(err))
}
