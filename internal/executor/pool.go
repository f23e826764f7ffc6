// Package executor runs per-track SQL statements against trace databases
// concurrently and streams their rows into packed tables.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/mattn/go-sqlite3"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/observability"
)

// ConnectionPool manages read-only SQLite handles to trace databases.
// Each database gets one *sql.DB allowing up to MaxConnections concurrent
// statements, so every async unit of work runs on its own connection.
type ConnectionPool struct {
	mu sync.RWMutex

	// connections maps database paths to their entries
	connections map[string]*connectionEntry

	maxConnections      int
	maxTotalConnections int
	idleTimeout         time.Duration

	logger  log.Logger
	metrics *observability.Metrics
	stop    chan struct{}
	closed  bool
}

type connectionEntry struct {
	db         *sql.DB
	path       string
	refCount   int
	lastUsed   time.Time
	createTime time.Time
}

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	// MaxConnections is the maximum concurrent statements per database (default: 8)
	MaxConnections int

	// MaxTotalConnections is the maximum number of open databases (default: 64)
	MaxTotalConnections int

	// IdleTimeout is how long an unused database stays open (default: 5 minutes)
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      8,
		MaxTotalConnections: 64,
		IdleTimeout:         5 * time.Minute,
	}
}

// NewConnectionPool creates a pool and starts its idle cleanup loop.
func NewConnectionPool(config PoolConfig, logger log.Logger, metrics *observability.Metrics) *ConnectionPool {
	def := DefaultPoolConfig()
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.MaxTotalConnections <= 0 {
		config.MaxTotalConnections = def.MaxTotalConnections
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}

	pool := &ConnectionPool{
		connections:         make(map[string]*connectionEntry),
		maxConnections:      config.MaxConnections,
		maxTotalConnections: config.MaxTotalConnections,
		idleTimeout:         config.IdleTimeout,
		logger:              observability.OrNop(logger),
		metrics:             metrics,
		stop:                make(chan struct{}),
	}
	go pool.cleanupLoop()
	return pool
}

// Get returns the handle for the database at path, opening it on first use.
// The caller must call Release when done.
func (p *ConnectionPool) Get(ctx context.Context, path string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, terrors.New(terrors.ErrCategoryExecution, terrors.CodeQueryFailed, "connection pool is closed")
	}

	if entry, ok := p.connections[path]; ok {
		entry.refCount++
		entry.lastUsed = time.Now()
		return entry.db, nil
	}

	if len(p.connections) >= p.maxTotalConnections {
		if !p.evictIdleConnection() {
			return nil, terrors.Newf(terrors.ErrCategoryExecution, terrors.CodeQueryFailed,
				"maximum open trace databases reached (%d)", p.maxTotalConnections)
		}
	}

	db, err := p.openConnection(ctx, path)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.connections[path] = &connectionEntry{
		db:         db,
		path:       path,
		refCount:   1,
		lastUsed:   now,
		createTime: now,
	}
	p.metrics.SetPoolOpen(len(p.connections))
	level.Debug(p.logger).Log("msg", "opened trace database", "path", path)
	return db, nil
}

// Release returns a handle obtained from Get.
func (p *ConnectionPool) Release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.connections[path]; ok {
		entry.refCount--
		entry.lastUsed = time.Now()
	}
}

func (p *ConnectionPool) openConnection(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=true", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, terrors.NewExecutionError(terrors.CodeQueryFailed, "failed to open trace database", err).
			WithDetail("path", path)
	}

	db.SetMaxOpenConns(p.maxConnections)
	db.SetMaxIdleConns(p.maxConnections)
	db.SetConnMaxIdleTime(p.idleTimeout)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, terrors.NewExecutionError(terrors.CodeQueryFailed, "failed to ping trace database", err).
			WithDetail("path", path)
	}
	return db, nil
}

// evictIdleConnection closes the least recently used unreferenced database.
// Must be called with lock held.
func (p *ConnectionPool) evictIdleConnection() bool {
	var oldest *connectionEntry
	for _, entry := range p.connections {
		if entry.refCount == 0 && (oldest == nil || entry.lastUsed.Before(oldest.lastUsed)) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	p.closeEntry(oldest)
	return true
}

// closeEntry must be called with lock held.
func (p *ConnectionPool) closeEntry(entry *connectionEntry) {
	if err := entry.db.Close(); err != nil {
		level.Warn(p.logger).Log("msg", "failed to close trace database", "path", entry.path, "err", err)
	}
	delete(p.connections, entry.path)
	p.metrics.SetPoolOpen(len(p.connections))
}

func (p *ConnectionPool) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.cleanupIdleConnections()
			p.mu.Unlock()
		}
	}
}

// cleanupIdleConnections must be called with lock held.
func (p *ConnectionPool) cleanupIdleConnections() {
	now := time.Now()
	for _, entry := range p.connections {
		if entry.refCount == 0 && now.Sub(entry.lastUsed) > p.idleTimeout {
			p.closeEntry(entry)
		}
	}
}

// Close closes every database and stops the cleanup loop.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)

	var lastErr error
	for path, entry := range p.connections {
		if err := entry.db.Close(); err != nil {
			lastErr = err
		}
		delete(p.connections, path)
	}
	p.metrics.SetPoolOpen(0)
	return lastErr
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	OpenDatabases   int
	ActiveDatabases int
	IdleDatabases   int
}

// Stats returns current pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{OpenDatabases: len(p.connections)}
	for _, entry := range p.connections {
		if entry.refCount > 0 {
			stats.ActiveDatabases++
		} else {
			stats.IdleDatabases++
		}
	}
	return stats
}

// HasConnection reports whether the database at path is open.
func (p *ConnectionPool) HasConnection(path string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.connections[path]
	return ok
}

// Evict closes the database at path. It fails while the database is in use.
func (p *ConnectionPool) Evict(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.connections[path]
	if !ok {
		return nil
	}
	if entry.refCount > 0 {
		return terrors.Newf(terrors.ErrCategoryExecution, terrors.CodeQueryFailed,
			"cannot evict trace database %s with active references", path)
	}
	p.closeEntry(entry)
	return nil
}
