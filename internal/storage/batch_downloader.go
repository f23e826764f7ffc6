package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// Fetch is one object to copy to a local path.
type Fetch struct {
	Object string
	Local  string
	// Critical fetches are started before the others.
	Critical bool
}

// BatchResult is the outcome of a batch download, keyed by object path.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// BatchDownloader downloads many objects in parallel. Objects whose local
// path already exists are not downloaded again.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchDownloader creates a downloader running at most concurrency
// downloads at once.
func NewBatchDownloader(storage ObjectStorage, concurrency int) *BatchDownloader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchDownloader{storage: storage, concurrency: concurrency}
}

// Download fetches every object. A failed object is reported in Errors and
// does not stop the others; the returned error is only set for an invalid
// request.
func (b *BatchDownloader) Download(ctx context.Context, fetches []Fetch) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	for _, f := range fetches {
		if f.Object == "" || f.Local == "" {
			return nil, terrors.NewValidationError(terrors.CodeInvalidRequest, "fetch needs an object and a local path")
		}
	}

	queue := make([]Fetch, 0, len(fetches))
	for _, f := range fetches {
		if _, err := os.Stat(f.Local); err == nil {
			result.LocalPaths[f.Object] = f.Local
			result.CacheHits++
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			result.Errors[f.Object] = downloadError(f.Object, err)
			continue
		}
		queue = append(queue, f)
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Critical && !queue[j].Critical })

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(b.concurrency))
	)
	for _, f := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[f.Object] = downloadError(f.Object, err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(f Fetch) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.storage.Download(ctx, f.Object, f.Local)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[f.Object] = err
				return
			}
			result.LocalPaths[f.Object] = f.Local
			result.Downloads++
		}(f)
	}
	wg.Wait()
	return result, nil
}
