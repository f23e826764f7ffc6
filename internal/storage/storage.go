// Package storage moves trace databases and exported results between the
// local filesystem and object storage.
package storage

import (
	"context"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// ErrObjectNotFound matches any storage error reporting a missing object.
var ErrObjectNotFound = terrors.New(terrors.ErrCategoryStorage, terrors.CodeObjectNotFound, "object not found")

// ObjectStorage is the object store holding trace databases and exports.
// Implementations are S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads large files in parts and returns the ETag of
	// the stored object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to localPath. The destination only appears
	// once the copy is complete.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64 `yaml:"part_size"`
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{PartSize: 5 * 1024 * 1024}
}

func uploadError(objectPath string, err error) error {
	return terrors.NewStorageError(terrors.CodeUploadFailed, "upload failed", err).WithDetail("object", objectPath)
}

func downloadError(objectPath string, err error) error {
	return terrors.NewStorageError(terrors.CodeDownloadFailed, "download failed", err).WithDetail("object", objectPath)
}

func notFound(objectPath string) error {
	return ErrObjectNotFound.WithDetail("object", objectPath)
}
