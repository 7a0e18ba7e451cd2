package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves the path-style PUT/GET/HEAD subset used by S3Storage.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3StorageWithClient(client, "results", DefaultS3Config()), fake
}

func TestS3Storage_UploadDownload(t *testing.T) {
	storage, fake := newFakeS3(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "by_hist_status.csv")
	require.NoError(t, os.WriteFile(src, []byte("year,in_hist_district\n"), 0644))

	require.NoError(t, storage.Upload(ctx, src, "runs/r1/by_hist_status.csv"))
	assert.Equal(t, "text/csv", fake.types["results/runs/r1/by_hist_status.csv"])

	exists, err := storage.Exists(ctx, "runs/r1/by_hist_status.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = storage.Exists(ctx, "runs/r1/missing.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	dst := filepath.Join(t.TempDir(), "out", "status.csv")
	require.NoError(t, storage.Download(ctx, "runs/r1/by_hist_status.csv", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "year,in_hist_district\n", string(data))

	err = storage.Download(ctx, "runs/r1/missing.csv", dst)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, storage.Delete(ctx, "runs/r1/by_hist_status.csv"))
	assert.Empty(t, fake.objects)
}
