// Package storage publishes run outputs to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/districtshift/districtshift/internal/config"
	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts object storage operations.
type ObjectStorage interface {
	// Upload copies the local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to the local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// New opens the storage backend named by cfg. It returns nil for type "none".
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", config.StorageNone:
		return nil, nil
	case config.StorageLocal:
		return NewLocalStorage(cfg.Path)
	case config.StorageS3:
		s3cfg := DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.Endpoint != ""
		return NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// RunPrefix returns the object prefix for a run's outputs.
func RunPrefix(base, runID string) string {
	return path.Join(strings.Trim(base, "/"), "runs", runID) + "/"
}

// uploadConcurrency bounds parallel uploads in Publish.
const uploadConcurrency = 4

// Publish uploads every regular file under dir to prefix, preserving
// relative paths, and returns the object paths written in sorted order.
// A prefix that already holds objects is never written to, and a failed
// publish deletes whatever it uploaded.
func Publish(ctx context.Context, store ObjectStorage, dir, prefix string, logger *zap.Logger) ([]string, error) {
	logger = logging.OrNop(logger)

	existing, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeUploadFailed, fmt.Sprintf("failed to list %s", prefix), err)
	}
	if len(existing) > 0 {
		return nil, dserrors.NewStorageError(dserrors.CodePrefixExists,
			fmt.Sprintf("%s already holds %d objects", prefix, len(existing)), nil)
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, dserrors.NewStorageError(dserrors.CodeUploadFailed, fmt.Sprintf("failed to list %s", dir), err)
	}

	objects := make([]string, len(files))
	uploaded := make([]bool, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, f := range files {
		i, f := i, f
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return nil, dserrors.NewInternalError("failed to relativize "+f, err)
		}
		object := prefix + filepath.ToSlash(rel)
		objects[i] = object

		g.Go(func() error {
			if err := store.Upload(gctx, f, object); err != nil {
				return dserrors.NewStorageError(dserrors.CodeUploadFailed, fmt.Sprintf("failed to upload %s", object), err)
			}
			uploaded[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rollback(context.WithoutCancel(ctx), store, objects, uploaded, logger)
		return nil, err
	}

	sort.Strings(objects)
	logger.Info("published run outputs",
		zap.String("prefix", prefix),
		zap.Int("objects", len(objects)),
	)
	return objects, nil
}

func rollback(ctx context.Context, store ObjectStorage, objects []string, uploaded []bool, logger *zap.Logger) {
	var removed int
	for i, object := range objects {
		if !uploaded[i] {
			continue
		}
		if err := store.Delete(ctx, object); err != nil {
			logger.Warn("failed to remove partially published object", zap.String("object", object), zap.Error(err))
			continue
		}
		removed++
	}
	logger.Warn("publish failed; removed uploaded objects", zap.Int("removed", removed))
}

// Fetch downloads one object of a published run to localPath.
func Fetch(ctx context.Context, store ObjectStorage, objectPath, localPath string) error {
	ok, err := store.Exists(ctx, objectPath)
	if err != nil {
		return dserrors.NewStorageError(dserrors.CodeDownloadFailed, fmt.Sprintf("failed to stat %s", objectPath), err)
	}
	if !ok {
		return dserrors.NewStorageError(dserrors.CodeObjectNotFound, fmt.Sprintf("%s does not exist", objectPath), ErrObjectNotFound)
	}
	if err := store.Download(ctx, objectPath, localPath); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return dserrors.NewStorageError(dserrors.CodeObjectNotFound, fmt.Sprintf("%s does not exist", objectPath), err)
		}
		return dserrors.NewStorageError(dserrors.CodeDownloadFailed, fmt.Sprintf("failed to download %s", objectPath), err)
	}
	return nil
}
