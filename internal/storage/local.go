package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// LocalStorage implements ObjectStorage on a directory tree. It backs
// single-host deployments and tests.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex
	etags    map[string]string
}

// NewLocalStorage creates a local store rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, terrors.NewStorageError(terrors.CodeUploadFailed, "failed to create storage directory", err)
	}
	return &LocalStorage{
		basePath: basePath,
		etags:    make(map[string]string),
	}, nil
}

// Upload copies localPath into the store and records its MD5 as ETag.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hash := md5.New()
	if err := copyFile(localPath, l.fullPath(objectPath), hash); err != nil {
		return uploadError(objectPath, err)
	}

	l.mu.Lock()
	l.etags[objectPath] = hex.EncodeToString(hash.Sum(nil))
	l.mu.Unlock()
	return nil
}

// UploadMultipart behaves like Upload and returns the ETag.
func (l *LocalStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := l.Upload(ctx, localPath, objectPath); err != nil {
		return "", err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.etags[objectPath], nil
}

// Download copies an object to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := l.fullPath(objectPath)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return notFound(objectPath)
	}
	if err := copyFile(src, localPath, nil); err != nil {
		return downloadError(objectPath, err)
	}
	return nil
}

// Delete removes an object.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.fullPath(objectPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return terrors.NewStorageError(terrors.CodeDeleteFailed, "delete failed", err).WithDetail("object", objectPath)
	}
	l.mu.Lock()
	delete(l.etags, objectPath)
	l.mu.Unlock()
	return nil
}

// Exists reports whether an object exists.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.fullPath(objectPath))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// ListObjects returns slash-separated object paths under prefix, in
// lexical order.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeListFailed, "list failed", err).WithDetail("prefix", prefix)
	}
	return objects, nil
}

func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

// copyFile copies src to dst through a temporary file in dst's directory,
// so dst is either absent or complete. The copied bytes are also written to
// tee when it is not nil.
func copyFile(src, dst string, tee io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, in, tee)
}

func writeAtomic(dst string, r io.Reader, tee io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if tee != nil {
		w = io.MultiWriter(tmp, tee)
	}
	if _, err := io.Copy(w, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
