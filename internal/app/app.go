// Package app wires the trace query engine and its servers together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "github.com/arkilian/tracequery/internal/api/grpc"
	httpapi "github.com/arkilian/tracequery/internal/api/http"
	"github.com/arkilian/tracequery/internal/config"
	"github.com/arkilian/tracequery/internal/executor"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/processor"
	"github.com/arkilian/tracequery/internal/server"
	"github.com/arkilian/tracequery/internal/source"
	"github.com/arkilian/tracequery/internal/storage"
	"github.com/arkilian/tracequery/internal/track"
)

// App owns the engine components and the servers exposing them.
type App struct {
	cfg    *config.Config
	logger log.Logger

	// Shared resources
	registry *prometheus.Registry
	metrics  *observability.Metrics
	storage  storage.ObjectStorage
	sources  *source.Resolver
	exec     *executor.Executor
	tracks   *track.Registry
	proc     *processor.Processor
	exporter *processor.Exporter
	shutdown *server.ShutdownManager

	// Servers
	httpServer *server.GracefulHTTPServer
	grpcServer *grpc.Server
	health     *health.Server

	// Lifecycle
	mu      sync.Mutex
	opened  bool
	running bool
	wg      sync.WaitGroup
}

// New creates an App. The configuration is resolved and validated, and
// its directories are created.
func New(cfg *config.Config, logger log.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{
		cfg:    cfg,
		logger: observability.OrNop(logger),
	}, nil
}

// Open builds the engine: storage, sources, executor, track discovery,
// processor and exporter. It is called by Start and may be used alone to
// run queries in-process.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}
	if err := a.initEngine(ctx); err != nil {
		a.cleanup()
		return err
	}
	a.opened = true
	return nil
}

func (a *App) initEngine(ctx context.Context) error {
	var err error

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.registry)

	if err := a.initStorage(ctx); err != nil {
		return err
	}

	a.sources, err = source.NewResolver(a.cfg.SourceConfig(), a.cfg.Sources, a.storage, a.logger, a.metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize sources: %w", err)
	}
	a.exec = executor.New(a.cfg.ExecutorConfig(), a.sources, a.logger, a.metrics)
	a.sources.OnEvict(func(path string) {
		if err := a.exec.Pool().Evict(path); err != nil {
			level.Warn(a.logger).Log("msg", "failed to close evicted trace", "path", path, "err", err)
		}
	})

	if a.cfg.SourceCache.Prefetch {
		if err := a.sources.Prefetch(ctx); err != nil {
			level.Warn(a.logger).Log("msg", "prefetch incomplete", "err", err)
		}
	}

	templates := track.DefaultTemplates()
	if a.cfg.Tracks != "" {
		if templates, err = track.LoadTemplates(a.cfg.Tracks); err != nil {
			return err
		}
	}
	a.tracks = track.NewRegistry()
	n, err := a.exec.DiscoverTracks(ctx, a.sources.Instances(), templates, a.tracks)
	if err != nil {
		return fmt.Errorf("failed to discover tracks: %w", err)
	}
	start, end := a.tracks.TraceRange()
	level.Info(a.logger).Log("msg", "engine ready", "sources", len(a.cfg.Sources), "tracks", n,
		"start", start, "end", end)

	a.proc, err = processor.New(a.cfg.ProcessorConfig(), a.exec, a.tracks, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.exporter, err = processor.NewExporter(a.cfg.ExporterConfig(), a.storage, a.logger, a.metrics)
	return err
}

// initStorage opens the object store. Type "none" leaves it nil.
func (a *App) initStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "none", "":
		return nil
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, a.cfg.S3StorageConfig(), a.logger)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	level.Info(a.logger).Log("msg", "storage initialized", "type", a.cfg.Storage.Type,
		"bucket", a.cfg.Storage.S3.Bucket, "path", a.cfg.Storage.Path)
	return nil
}

// Start opens the engine and starts the HTTP and gRPC servers.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}
	a.running = true

	a.shutdown = server.NewShutdownManager(a.cfg.ShutdownConfig(), a.logger)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.Close()
		return nil
	}))

	a.startHTTP()
	if a.cfg.GRPC.Enabled {
		a.startGRPC()
	}
	level.Info(a.logger).Log("msg", "trace query service started", "http", a.cfg.HTTP.Addr,
		"grpc", a.cfg.GRPC.Addr, "grpc_enabled", a.cfg.GRPC.Enabled)
	return nil
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	var gate func(http.Handler) http.Handler
	if a.shutdown != nil {
		gate = server.ShutdownMiddleware(a.shutdown)
	}
	return httpapi.NewRouter(httpapi.Routes{
		Query:   httpapi.NewQueryHandler(a.proc, a.logger),
		Table:   httpapi.NewTableHandler(a.proc, a.proc, a.logger),
		Slice:   httpapi.NewSliceHandler(a.proc, a.logger),
		Recount: httpapi.NewRecountHandler(a.proc, a.logger),
		Export:  httpapi.NewExportHandler(a.proc, a.exporter, a.logger),
		Tracks:  httpapi.NewTracksHandler(a.tracks),
		Health:  httpapi.NewHealthHandler(a.tracks, a.sources),
		Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}, a.logger, gate)
}

func (a *App) startHTTP() {
	a.httpServer = server.NewGracefulHTTPServer(&http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		level.Info(a.logger).Log("msg", "HTTP server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil {
			level.Error(a.logger).Log("msg", "HTTP server error", "err", err)
		}
	}()
}

func (a *App) startGRPC() {
	qs := grpcapi.NewQueryServer(a.proc, a.tracks, a.logger)
	a.grpcServer, a.health = grpcapi.NewServer(qs, a.logger, server.UnaryShutdownInterceptor(a.shutdown))
	a.shutdown.OnShutdownStart(a.health.Shutdown)
	gs := server.NewGracefulGRPCServer(a.grpcServer, a.cfg.GRPC.Addr, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		level.Info(a.logger).Log("msg", "gRPC server listening", "addr", a.cfg.GRPC.Addr)
		if err := gs.ListenAndServe(); err != nil {
			level.Error(a.logger).Log("msg", "gRPC server error", "err", err)
		}
	}()
}

// Stop gracefully stops the servers and releases every resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()

	if !running {
		a.Close()
		return nil
	}
	if a.health != nil {
		a.health.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		level.Warn(a.logger).Log("msg", "shutdown timeout, some servers may not have stopped")
	}
	level.Info(a.logger).Log("msg", "trace query service stopped")
	return err
}

// Close releases the engine of an App that was opened but not started.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleanup()
	a.opened = false
}

func (a *App) cleanup() {
	if a.proc != nil {
		a.proc.Close()
		a.proc = nil
	}
	if a.exec != nil {
		a.exec.Close()
		a.exec = nil
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Processor returns the query processor. Valid after Open.
func (a *App) Processor() *processor.Processor { return a.proc }

// Exporter returns the CSV exporter. Valid after Open.
func (a *App) Exporter() *processor.Exporter { return a.exporter }

// Tracks returns the discovered tracks. Valid after Open.
func (a *App) Tracks() *track.Registry { return a.tracks }

// Sources returns the source resolver. Valid after Open.
func (a *App) Sources() *source.Resolver { return a.sources }
