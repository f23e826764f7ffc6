package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return s
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return p
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	srcDir := t.TempDir()
	content := []byte("SQLite format 3\x00")
	src := writeFile(t, srcDir, "trace.db", content)

	const object = "traces/run-1/trace.db"
	if err := s.Upload(ctx, src, object); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := s.Exists(ctx, object)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dst := filepath.Join(srcDir, "nested", "copy.db")
	if err := s.Download(ctx, object, dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	if err := s.Delete(ctx, object); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, _ := s.Exists(ctx, object); exists {
		t.Error("expected object to be deleted")
	}
	if err := s.Delete(ctx, object); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
}

func TestLocalStorage_UploadMultipartReturnsETag(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "export.csv.sz", []byte("abc"))

	etag, err := s.UploadMultipart(ctx, src, "exports/a.csv.sz")
	if err != nil {
		t.Fatalf("UploadMultipart failed: %v", err)
	}
	// md5("abc")
	if etag != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("unexpected etag %q", etag)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	s := newLocal(t)
	dst := filepath.Join(t.TempDir(), "missing.db")

	err := s.Download(context.Background(), "nope.db", dst)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if terrors.GetCategory(err) != terrors.ErrCategoryStorage {
		t.Errorf("expected storage category, got %q", terrors.GetCategory(err))
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Error("destination should not be created")
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	srcDir := t.TempDir()
	src := writeFile(t, srcDir, "f", []byte("x"))

	for _, obj := range []string{"traces/b.db", "traces/a.db", "exports/1.csv.sz"} {
		if err := s.Upload(ctx, src, obj); err != nil {
			t.Fatalf("Upload %s failed: %v", obj, err)
		}
	}

	got, err := s.ListObjects(ctx, "traces/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if want := []string{"traces/a.db", "traces/b.db"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	all, err := s.ListObjects(ctx, "")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 objects, got %v", all)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	s := newLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Upload(ctx, "x", "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := s.Exists(ctx, "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
