package executor

import (
	"context"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

// SourceResolver maps a trace instance id to a local database path.
type SourceResolver interface {
	Resolve(ctx context.Context, instance string) (string, error)
}

// pathResolver treats instance ids as paths.
type pathResolver struct{}

func (pathResolver) Resolve(_ context.Context, instance string) (string, error) { return instance, nil }

// Config holds configuration for the executor.
type Config struct {
	// Concurrency bounds the statements running at once (default: NumCPU)
	Concurrency int

	// Pool is the connection pool configuration
	Pool PoolConfig
}

// Executor runs statements asynchronously, each on its own pooled
// connection.
type Executor struct {
	pool        *ConnectionPool
	sources     SourceResolver
	concurrency int
	logger      log.Logger
	metrics     *observability.Metrics
}

// New creates an executor. A nil sources resolver treats instance ids as
// database paths.
func New(cfg Config, sources SourceResolver, logger log.Logger, metrics *observability.Metrics) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if sources == nil {
		sources = pathResolver{}
	}
	logger = observability.OrNop(logger)
	return &Executor{
		pool:        NewConnectionPool(cfg.Pool, logger, metrics),
		sources:     sources,
		concurrency: cfg.Concurrency,
		logger:      logger,
		metrics:     metrics,
	}
}

// Concurrency returns the statement concurrency bound.
func (e *Executor) Concurrency() int { return e.concurrency }

// Pool returns the connection pool.
func (e *Executor) Pool() *ConnectionPool { return e.pool }

// Close releases every pooled connection.
func (e *Executor) Close() error { return e.pool.Close() }

// Query is one unit of asynchronous work.
type Query struct {
	SQL      string
	Instance string
	Callback RowCallback
	Progress ProgressFunc
}

// ExecuteQueriesAsync starts every query and returns one future per query
// in the same order. At most Concurrency statements run at once; the rest
// queue in order.
func (e *Executor) ExecuteQueriesAsync(ctx context.Context, queries []Query) []*Future {
	futures := make([]*Future, len(queries))
	for i, q := range queries {
		futures[i] = newFuture(q.Progress)
	}

	go func() {
		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for i := range queries {
			q, f := queries[i], futures[i]
			g.Go(func() error {
				f.finish(e.run(ctx, q, f))
				return nil
			})
		}
		_ = g.Wait()
	}()
	return futures
}

// Execute runs one statement synchronously.
func (e *Executor) Execute(ctx context.Context, q Query, timeout time.Duration) error {
	return e.ExecuteQueriesAsync(ctx, []Query{q})[0].Wait(ctx, timeout)
}

func (e *Executor) run(ctx context.Context, q Query, f *Future) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		switch {
		case terrors.GetCode(err) == terrors.CodeInterrupted:
			status = "interrupted"
		case err != nil:
			status = "error"
		}
		e.metrics.ObserveQuery(status, f.Rows(), time.Since(start))
		if err != nil && status == "error" {
			level.Warn(e.logger).Log("msg", "query failed", "instance", q.Instance, "err", err)
		}
	}()

	if f.Interrupted() {
		return interruptedError(q)
	}
	if q.Callback == nil {
		return terrors.NewStructuralError(terrors.CodeInvalidRequest, "query has no row callback")
	}

	path, err := e.sources.Resolve(ctx, q.Instance)
	if err != nil {
		return terrors.NewExecutionError(terrors.CodeQueryFailed, "failed to resolve trace source", err).
			WithDetail("instance", q.Instance)
	}
	db, err := e.pool.Get(ctx, path)
	if err != nil {
		return err
	}
	defer e.pool.Release(path)

	rows, err := db.QueryContext(ctx, q.SQL)
	if err != nil {
		return terrors.NewExecutionError(terrors.CodeQueryFailed, "query failed", err).
			WithDetail("instance", q.Instance)
	}
	defer rows.Close()

	view, err := newRowView(rows)
	if err != nil {
		return terrors.NewExecutionError(terrors.CodeQueryFailed, "failed to read result columns", err)
	}
	for rows.Next() {
		if f.Interrupted() {
			return interruptedError(q)
		}
		if err := view.scan(rows); err != nil {
			return terrors.NewExecutionError(terrors.CodeQueryFailed, "failed to scan row", err)
		}
		if err := q.Callback.OnRow(view); err != nil {
			return err
		}
		f.countRow()
	}
	if err := rows.Err(); err != nil {
		return terrors.NewExecutionError(terrors.CodeQueryFailed, "query failed", err).
			WithDetail("instance", q.Instance)
	}
	return nil
}

func interruptedError(q Query) error {
	return terrors.New(terrors.ErrCategoryExecution, terrors.CodeInterrupted, "query interrupted").
		WithDetail("instance", q.Instance)
}

// TrackBatch is the in-flight result of ExecuteQueryForAllTracksAsync.
// Tables[i] is populated by Futures[i], which runs Planned[i].
type TrackBatch struct {
	Planned []track.PlannedQuery
	Tables  []*table.PackedTable
	Futures []*Future
	// Skipped lists requested tracks that are unknown or have no statement
	// for the query type.
	Skipped []uint32
}

// Wait joins every future of the batch.
func (b *TrackBatch) Wait(ctx context.Context, timeout time.Duration) error {
	return WaitAll(ctx, b.Futures, timeout)
}

// Rows returns the rows processed across the batch.
func (b *TrackBatch) Rows() uint64 {
	var n uint64
	for _, f := range b.Futures {
		n += f.Rows()
	}
	return n
}

// ExecuteQueryForAllTracksAsync plans one statement per (track, time
// bucket) and starts them all, each filling its own packed table that
// interns strings into strs.
func (e *Executor) ExecuteQueryForAllTracksAsync(ctx context.Context, b *track.Builder, opts track.PlanOptions,
	strs *table.StringTable, progress ProgressFunc) (*TrackBatch, error) {
	planned, skipped, err := b.PlanTrackQueries(opts)
	if err != nil {
		return nil, err
	}

	batch := &TrackBatch{
		Planned: planned,
		Tables:  make([]*table.PackedTable, len(planned)),
		Skipped: skipped,
	}
	queries := make([]Query, len(planned))
	for i, pq := range planned {
		op := track.OpNone
		if t, err := b.Registry().Track(pq.TrackID); err == nil {
			op = t.Operation
		}
		batch.Tables[i] = table.NewPackedTable(pq.TrackID, strs)
		queries[i] = Query{
			SQL:      pq.SQL,
			Instance: pq.Instance,
			Callback: TableCallback(batch.Tables[i], op),
			Progress: progress,
		}
	}
	if len(skipped) > 0 {
		level.Debug(e.logger).Log("msg", "tracks skipped while planning", "skipped", len(skipped))
	}
	batch.Futures = e.ExecuteQueriesAsync(ctx, queries)
	return batch, nil
}
