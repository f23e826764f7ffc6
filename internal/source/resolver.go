// Package source resolves trace instance ids to local SQLite databases,
// downloading databases kept in object storage into a bounded local cache.
package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/storage"
)

// Source is one trace database. Exactly one of Path and Object is set.
type Source struct {
	Instance string `yaml:"instance" json:"instance"`
	// Path is a database on the local filesystem.
	Path string `yaml:"path" json:"path,omitempty"`
	// Object is a database in object storage.
	Object string `yaml:"object" json:"object,omitempty"`
}

// Remote reports whether the database lives in object storage.
func (s Source) Remote() bool { return s.Object != "" }

// Config configures a Resolver.
type Config struct {
	// CacheDir receives downloaded databases.
	CacheDir string `yaml:"cache_dir"`
	// MaxCached bounds the number of downloaded databases kept locally.
	MaxCached int `yaml:"max_cached"`
	// Concurrency bounds parallel downloads during Prefetch.
	Concurrency int `yaml:"concurrency"`
	// AllowPaths lets unknown instance ids name a local database file.
	AllowPaths bool `yaml:"allow_paths"`
}

// Resolver maps instance ids to local database paths. Remote databases are
// downloaded on first use; the least recently used download is deleted once
// more than MaxCached are held.
type Resolver struct {
	cfg     Config
	sources map[string]Source
	store   storage.ObjectStorage
	logger  log.Logger
	metrics *observability.Metrics

	cache *lru.Cache[string, string]

	mu      sync.Mutex
	loading map[string]*sync.Mutex
	onEvict []func(path string)
}

// NewResolver creates a resolver. store may be nil when no source is remote.
func NewResolver(cfg Config, sources []Source, store storage.ObjectStorage, logger log.Logger, metrics *observability.Metrics) (*Resolver, error) {
	if cfg.MaxCached <= 0 {
		cfg.MaxCached = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	r := &Resolver{
		cfg:     cfg,
		sources: make(map[string]Source, len(sources)),
		store:   store,
		logger:  log.With(observability.OrNop(logger), "component", "source"),
		metrics: metrics,
		loading: make(map[string]*sync.Mutex),
	}

	for _, s := range sources {
		switch {
		case s.Instance == "":
			return nil, terrors.NewValidationError(terrors.CodeInvalidRequest, "source has no instance id")
		case (s.Path == "") == (s.Object == ""):
			return nil, terrors.NewValidationError(terrors.CodeInvalidRequest, "source needs exactly one of path and object").
				WithDetail("instance", s.Instance)
		case s.Remote() && store == nil:
			return nil, terrors.NewValidationError(terrors.CodeInvalidRequest, "remote source without object storage").
				WithDetail("instance", s.Instance)
		}
		if _, dup := r.sources[s.Instance]; dup {
			return nil, terrors.NewValidationError(terrors.CodeInvalidRequest, "duplicate source").
				WithDetail("instance", s.Instance)
		}
		r.sources[s.Instance] = s
	}
	if r.hasRemote() {
		if cfg.CacheDir == "" {
			return nil, terrors.NewValidationError(terrors.CodeInvalidRequest, "remote sources need a cache directory")
		}
		if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
			return nil, terrors.NewStorageError(terrors.CodeDownloadFailed, "failed to create cache directory", err)
		}
	}

	cache, err := lru.NewWithEvict[string, string](cfg.MaxCached, r.evicted)
	if err != nil {
		return nil, terrors.NewInternalError("failed to create source cache", err)
	}
	r.cache = cache
	return r, nil
}

func (r *Resolver) hasRemote() bool {
	for _, s := range r.sources {
		if s.Remote() {
			return true
		}
	}
	return false
}

// OnEvict registers fn to run with the local path of every downloaded
// database that leaves the cache, before the file is deleted.
func (r *Resolver) OnEvict(fn func(path string)) {
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

func (r *Resolver) evicted(instance, local string) {
	r.mu.Lock()
	hooks := append([]func(string){}, r.onEvict...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(local)
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
		level.Warn(r.logger).Log("msg", "failed to delete evicted trace", "instance", instance, "path", local, "err", err)
		return
	}
	level.Debug(r.logger).Log("msg", "evicted trace", "instance", instance, "path", local)
}

// Instances returns the configured instance ids in sorted order.
func (r *Resolver) Instances() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sources returns the configured sources in instance order.
func (r *Resolver) Sources() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, id := range r.Instances() {
		out = append(out, r.sources[id])
	}
	return out
}

// Resolve returns the local database path of instance, downloading it if
// needed. Concurrent calls for the same instance download once.
func (r *Resolver) Resolve(ctx context.Context, instance string) (string, error) {
	s, ok := r.sources[instance]
	if !ok {
		if r.cfg.AllowPaths {
			if _, err := os.Stat(instance); err == nil {
				return instance, nil
			}
		}
		return "", terrors.NewValidationError(terrors.CodeInvalidRequest, "unknown trace instance").
			WithDetail("instance", instance)
	}
	if !s.Remote() {
		return s.Path, nil
	}

	if local, ok := r.cache.Get(instance); ok {
		r.metrics.SourceFetch("hit")
		return local, nil
	}

	lock := r.instanceLock(instance)
	lock.Lock()
	defer lock.Unlock()
	if local, ok := r.cache.Get(instance); ok {
		r.metrics.SourceFetch("hit")
		return local, nil
	}

	local := r.localPath(s)
	if _, err := os.Stat(local); err == nil {
		r.metrics.SourceFetch("disk")
		r.cache.Add(instance, local)
		return local, nil
	}
	if err := r.store.Download(ctx, s.Object, local); err != nil {
		r.metrics.SourceFetch("error")
		level.Warn(r.logger).Log("msg", "trace download failed", "instance", instance, "object", s.Object, "err", err)
		return "", err
	}
	r.metrics.SourceFetch("download")
	level.Info(r.logger).Log("msg", "downloaded trace", "instance", instance, "object", s.Object)
	r.cache.Add(instance, local)
	return local, nil
}

func (r *Resolver) instanceLock(instance string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loading[instance]
	if !ok {
		l = &sync.Mutex{}
		r.loading[instance] = l
	}
	return l
}

// localPath names the cached copy of s after its instance and object so
// restarts reuse earlier downloads.
func (r *Resolver) localPath(s Source) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s.Instance) + "-" + path.Base(s.Object)
	return filepath.Join(r.cfg.CacheDir, name)
}

// Prefetch downloads up to MaxCached remote databases in parallel. Failures
// are logged and returned joined; successful downloads stay cached.
func (r *Resolver) Prefetch(ctx context.Context) error {
	var fetches []storage.Fetch
	byObject := make(map[string]string)
	for _, s := range r.Sources() {
		if !s.Remote() || r.cache.Contains(s.Instance) {
			continue
		}
		if len(fetches)+r.cache.Len() >= r.cfg.MaxCached {
			break
		}
		fetches = append(fetches, storage.Fetch{Object: s.Object, Local: r.localPath(s)})
		byObject[s.Object] = s.Instance
	}
	if len(fetches) == 0 {
		return nil
	}

	res, err := storage.NewBatchDownloader(r.store, r.cfg.Concurrency).Download(ctx, fetches)
	if err != nil {
		return err
	}
	for object, local := range res.LocalPaths {
		r.cache.Add(byObject[object], local)
	}
	var errs []error
	for object, ferr := range res.Errors {
		r.metrics.SourceFetch("error")
		level.Warn(r.logger).Log("msg", "trace prefetch failed", "object", object, "err", ferr)
		errs = append(errs, ferr)
	}
	level.Info(r.logger).Log("msg", "prefetched traces", "downloads", res.Downloads, "cached", res.CacheHits, "failed", len(res.Errors))
	return errors.Join(errs...)
}

// Cached returns the instances whose databases are currently downloaded,
// least recently used first.
func (r *Resolver) Cached() []string { return r.cache.Keys() }

// Purge evicts every downloaded database.
func (r *Resolver) Purge() { r.cache.Purge() }
