// Package server runs the query service listeners and drains running
// queries before the engine is closed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arkilian/tracequery/internal/observability"
)

// ShutdownConfig bounds the shutdown sequence.
type ShutdownConfig struct {
	// DrainTimeout is how long running queries may take to finish.
	DrainTimeout time.Duration
	// ShutdownTimeout caps the whole sequence, drain included.
	ShutdownTimeout time.Duration
}

// DefaultShutdownConfig returns a 15s drain within a 30s shutdown.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTimeout:    15 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ShutdownManager gates new queries, counts running ones and, on shutdown,
// waits for them before closing listeners and the engine.
type ShutdownManager struct {
	cfg    ShutdownConfig
	logger log.Logger

	mu       sync.Mutex
	running  int64
	draining bool
	done     chan struct{}
	idle     chan struct{}
	once     sync.Once

	closers []io.Closer
	onStart []func()
}

// NewShutdownManager creates a manager. Zero timeouts take the defaults.
func NewShutdownManager(cfg ShutdownConfig, logger log.Logger) *ShutdownManager {
	def := DefaultShutdownConfig()
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &ShutdownManager{
		cfg:    cfg,
		logger: log.With(observability.OrNop(logger), "component", "shutdown"),
		done:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
}

// RegisterCloser adds c to the resources closed on shutdown. Closers run
// last registered first.
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, c)
}

// OnShutdownStart registers fn to run as soon as new queries are refused.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives or ctx is done,
// then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown refuses new queries, waits up to the drain timeout for running
// ones and closes every registered resource. Only the first call has an
// effect.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error
	sm.once.Do(func() {
		sm.mu.Lock()
		sm.draining = true
		running := sm.running
		if running == 0 {
			close(sm.idle)
		}
		onStart := sm.onStart
		closers := sm.closers
		sm.mu.Unlock()
		close(sm.done)

		level.Info(sm.logger).Log("msg", "shutting down", "reason", reason, "running_queries", running)
		for _, fn := range onStart {
			fn()
		}

		ctx, cancel := context.WithTimeout(ctx, sm.cfg.ShutdownTimeout)
		defer cancel()
		if err := sm.drain(ctx); err != nil {
			shutdownErr = err
			level.Warn(sm.logger).Log("msg", "drain incomplete", "err", err)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				level.Warn(sm.logger).Log("msg", "close failed", "err", err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close failed: %w", err)
				}
			}
		}
		level.Info(sm.logger).Log("msg", "shutdown complete")
	})
	return shutdownErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	timer := time.NewTimer(sm.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-sm.idle:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if n := sm.Running(); n > 0 {
		return fmt.Errorf("drain failed: timeout waiting for %d running queries", n)
	}
	return nil
}

// Begin counts a new query. It returns false once shutdown has started.
func (sm *ShutdownManager) Begin() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining {
		return false
	}
	sm.running++
	return true
}

// End marks a query counted by Begin as finished.
func (sm *ShutdownManager) End() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.running--
	if sm.draining && sm.running == 0 {
		close(sm.idle)
	}
}

// Draining reports whether shutdown has started.
func (sm *ShutdownManager) Draining() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.draining
}

// Running returns the number of queries in progress.
func (sm *ShutdownManager) Running() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.running
}

// Done is closed when shutdown starts.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// GracefulHTTPServer serves HTTP until the manager shuts it down.
type GracefulHTTPServer struct {
	server   *http.Server
	shutdown *ShutdownManager
}

// NewGracefulHTTPServer creates a new graceful HTTP server.
func NewGracefulHTTPServer(server *http.Server, shutdown *ShutdownManager) *GracefulHTTPServer {
	return &GracefulHTTPServer{server: server, shutdown: shutdown}
}

// ListenAndServe starts the HTTP server and returns once it stopped.
func (gs *GracefulHTTPServer) ListenAndServe() error {
	gs.shutdown.RegisterCloser(CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gs.server.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		if err := gs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-gs.shutdown.Done():
		return <-errCh
	}
}

// GracefulGRPCServer runs a grpc.Server until shutdown.
type GracefulGRPCServer struct {
	server   *grpc.Server
	addr     string
	shutdown *ShutdownManager
}

// NewGracefulGRPCServer creates a new graceful gRPC server listening on addr.
func NewGracefulGRPCServer(server *grpc.Server, addr string, shutdown *ShutdownManager) *GracefulGRPCServer {
	return &GracefulGRPCServer{server: server, addr: addr, shutdown: shutdown}
}

// ListenAndServe listens on the configured address and serves until shutdown.
func (gs *GracefulGRPCServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", gs.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", gs.addr, err)
	}
	gs.shutdown.RegisterCloser(CloserFunc(func() error {
		gs.server.GracefulStop()
		return nil
	}))
	if err := gs.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// ShutdownMiddleware counts requests as running queries and answers 503
// once shutdown has started.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.Begin() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"error": "service is shutting down"})
				return
			}
			defer sm.End()
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryShutdownInterceptor is the gRPC counterpart of ShutdownMiddleware.
func UnaryShutdownInterceptor(sm *ShutdownManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.Begin() {
			return nil, status.Error(codes.Unavailable, "service is shutting down")
		}
		defer sm.End()
		return handler(ctx, req)
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
