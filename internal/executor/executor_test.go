package executor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/tracetest"
	"github.com/arkilian/tracequery/internal/track"
)

func fixedDuration(d int64) func(int) int64 { return func(int) int64 { return d } }

func traceDB(t *testing.T) string {
	names := []string{"gemm", "conv"}
	kernels := append(
		tracetest.Kernels(1, 6, 1, 0, names, fixedDuration(5)),
		tracetest.Kernels(100, 4, 1, 1, names, fixedDuration(7))...)
	copies := []tracetest.Copy{
		{ID: 1, Agent: 1, Bytes: 4096, Start: 3, End: 9},
		{ID: 2, Agent: 1, Bytes: 128, Start: 12, End: 13},
		{ID: 3, Agent: 1, Bytes: 64, Start: 40, End: 41},
	}
	return tracetest.WriteDB(t, "trace.db", kernels, copies)
}

func newExecutor(t *testing.T, concurrency int) *Executor {
	e := New(Config{Concurrency: concurrency}, nil, nil, nil)
	t.Cleanup(func() { e.Close() })
	return e
}

func discover(t *testing.T, e *Executor, path string) *track.Registry {
	reg := track.NewRegistry()
	n, err := e.DiscoverTracks(context.Background(), []string{path}, tracetest.LoadTemplates(t), reg)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	return reg
}

func TestDiscoverTracks(t *testing.T) {
	path := traceDB(t)
	e := newExecutor(t, 4)
	reg := discover(t, e, path)

	k0, err := reg.Track(0)
	require.NoError(t, err)
	assert.Equal(t, track.KernelDispatch, k0.Category)
	assert.Equal(t, track.OpDispatch, k0.Operation)
	assert.Equal(t, uint64(6), k0.RecordCount)
	assert.Equal(t, int64(0), k0.MinTS)
	assert.Equal(t, int64(55), k0.MaxTS)
	assert.Equal(t, track.NumericID("queueId", 0), k0.Identifiers[2])
	assert.Equal(t, path, k0.Instance)

	cp, err := reg.Track(2)
	require.NoError(t, err)
	assert.Equal(t, track.MemoryCopy, cp.Category)
	assert.Equal(t, uint64(3), cp.RecordCount)
	assert.True(t, cp.Identifiers[2].IsConst())

	start, end := reg.TraceRange()
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(55), end)
}

func mergeBatch(t *testing.T, batch *TrackBatch, strs *table.StringTable) *table.MergedTable {
	require.NoError(t, batch.Wait(context.Background(), 5*time.Second))
	m := table.NewMergedTable(strs)
	m.Merge(batch.Tables)
	return m
}

func TestExecuteQueryForAllTracks(t *testing.T) {
	path := traceDB(t)
	e := newExecutor(t, 4)
	reg := discover(t, e, path)
	b := track.NewBuilder(reg, track.BuildOptions{Concurrency: 4})

	strs := table.NewStringTable()
	batch, err := e.ExecuteQueryForAllTracksAsync(context.Background(), b, track.PlanOptions{
		QueryType: track.QueryTable,
		Prefix:    "SELECT *, ",
	}, strs, nil)
	require.NoError(t, err)
	require.Len(t, batch.Futures, 3)
	assert.Empty(t, batch.Skipped)

	m := mergeBatch(t, batch, strs)
	assert.Equal(t, 13, m.RowCount())
	assert.Equal(t, uint64(13), batch.Rows())
	assert.Equal(t, []uint32{0, 1, 2}, m.TrackIDs())

	bytesCol, ok := m.ColumnIndex("bytes")
	require.True(t, ok)
	var copies int
	for i := 0; i < m.RowCount(); i++ {
		if m.Operation(i) == track.OpMemoryCopy {
			copies++
			assert.Equal(t, table.CellInt, m.Cell(i, bytesCol).Kind)
		} else {
			assert.Equal(t, table.CellAbsent, m.Cell(i, bytesCol).Kind)
		}
	}
	assert.Equal(t, 3, copies)
}

func TestExecuteSplitTracks(t *testing.T) {
	path := traceDB(t)
	e := newExecutor(t, 4)
	reg := discover(t, e, path)
	b := track.NewBuilder(reg, track.BuildOptions{SplitThreshold: 5, Concurrency: 8})

	strs := table.NewStringTable()
	batch, err := e.ExecuteQueryForAllTracksAsync(context.Background(), b, track.PlanOptions{
		Flags:     track.TrySplit,
		QueryType: track.QueryTable,
		Prefix:    "SELECT *, ",
	}, strs, nil)
	require.NoError(t, err)

	perTrack := map[uint32]int{}
	for _, pq := range batch.Planned {
		perTrack[pq.TrackID]++
	}
	assert.Equal(t, 2, perTrack[0], "6 records exceed the threshold of 5")
	assert.Equal(t, 1, perTrack[1])
	assert.Equal(t, 1, perTrack[2], "copies are never split")

	m := mergeBatch(t, batch, strs)
	assert.Equal(t, 13, m.RowCount())
}

func TestSplitCounterTrackBoundarySample(t *testing.T) {
	path := tracetest.WriteDB(t, "pmc.db", nil, nil)
	var samples []tracetest.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, tracetest.Sample{ID: int64(i + 1), Agent: 1, Value: float64(i), Start: int64(i) * 10})
	}
	tracetest.WriteSamples(t, path, samples)

	tmpl, err := track.ParseTemplates([]byte(tracetest.SampleTemplates))
	require.NoError(t, err)
	e := newExecutor(t, 2)
	reg := track.NewRegistry()
	n, err := e.DiscoverTracks(context.Background(), []string{path}, tmpl, reg)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b := track.NewBuilder(reg, track.BuildOptions{SplitThreshold: 2, Concurrency: 2})
	strs := table.NewStringTable()
	batch, err := e.ExecuteQueryForAllTracksAsync(context.Background(), b, track.PlanOptions{
		Flags:     track.IncludePMC | track.TrySplit,
		QueryType: track.QueryTable,
		Prefix:    "SELECT *, ",
	}, strs, nil)
	require.NoError(t, err)
	require.Len(t, batch.Planned, 2, "the sample at 20 sits on the bucket boundary")

	m := mergeBatch(t, batch, strs)
	assert.Equal(t, 5, m.RowCount(), "each sample is fetched by exactly one bucket")
}

func TestInterrupt(t *testing.T) {
	path := traceDB(t)
	e := newExecutor(t, 1)

	var fut *Future
	ready := make(chan struct{})
	cb := RowCallbackFunc(func(*RowView) error {
		<-ready
		fut.Interrupt()
		return nil
	})
	fut = e.ExecuteQueriesAsync(context.Background(), []Query{{
		SQL: "SELECT * FROM kernels", Instance: path, Callback: cb,
	}})[0]
	close(ready)

	err := fut.Wait(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeInterrupted, terrors.GetCode(err))
	assert.True(t, fut.Interrupted())
	assert.Equal(t, uint64(1), fut.Rows())
}

func TestWaitTimeoutInterrupts(t *testing.T) {
	path := traceDB(t)
	e := newExecutor(t, 1)

	cb := RowCallbackFunc(func(*RowView) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	fut := e.ExecuteQueriesAsync(context.Background(), []Query{{
		SQL: "SELECT * FROM kernels", Instance: path, Callback: cb,
	}})[0]

	err := fut.Wait(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeExecutionTimeout, terrors.GetCode(err))
	assert.Less(t, fut.Rows(), uint64(10))
	select {
	case <-fut.Done():
	default:
		t.Fatal("Wait returned before the statement stopped")
	}
}

func TestFailuresAreReported(t *testing.T) {
	path := traceDB(t)
	e := newExecutor(t, 2)
	noop := RowCallbackFunc(func(*RowView) error { return nil })

	futures := e.ExecuteQueriesAsync(context.Background(), []Query{
		{SQL: "SELECT * FROM kernels", Instance: path, Callback: noop},
		{SQL: "SELECT * FROM nope", Instance: path, Callback: noop},
		{SQL: "SELECT 1", Instance: filepath.Join(t.TempDir(), "missing.db"), Callback: noop},
	})
	err := WaitAll(context.Background(), futures, time.Second)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeQueryFailed, terrors.GetCode(err))

	assert.NoError(t, futures[0].Err())
	assert.Error(t, futures[1].Err())
	assert.Error(t, futures[2].Err())

	err = e.Execute(context.Background(), Query{SQL: "SELECT 1", Instance: path}, 0)
	assert.Equal(t, terrors.ErrCategoryStructural, terrors.GetCategory(err), "missing callback")
}

func TestProgressAndRowView(t *testing.T) {
	kernels := tracetest.Kernels(1, 2500, 0, 0, []string{"k"}, fixedDuration(1))
	path := tracetest.WriteDB(t, "big.db", kernels, nil)
	e := newExecutor(t, 1)

	var mu sync.Mutex
	var reports []uint64
	var first []string
	cb := RowCallbackFunc(func(row *RowView) error {
		if first == nil {
			for i := 0; i < row.ColumnCount(); i++ {
				first = append(first, row.ColumnName(i)+"="+row.Text(i))
			}
			assert.Equal(t, table.KindText, row.Kind(4))
			assert.Equal(t, "TEXT", row.DeclType(4))
			assert.Equal(t, table.KindInt, row.Kind(0))
		}
		return nil
	})
	err := e.Execute(context.Background(), Query{
		SQL:      "SELECT * FROM kernels ORDER BY id",
		Instance: path,
		Callback: cb,
		Progress: func(n uint64) {
			mu.Lock()
			reports = append(reports, n)
			mu.Unlock()
		},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000, 2000, 2500}, reports)
	assert.Equal(t, []string{"id=1", "nodeId=0", "agentId=0", "queueId=0", "name=k", "startTs=0", "endTs=1"}, first)
}

func TestConnectionPool(t *testing.T) {
	path := traceDB(t)
	p := NewConnectionPool(PoolConfig{MaxTotalConnections: 1}, nil, nil)
	defer p.Close()
	ctx := context.Background()

	db1, err := p.Get(ctx, path)
	require.NoError(t, err)
	db2, err := p.Get(ctx, path)
	require.NoError(t, err)
	assert.Same(t, db1, db2)
	assert.Equal(t, PoolStats{OpenDatabases: 1, ActiveDatabases: 1}, p.Stats())

	other := traceDB(t)
	_, err = p.Get(ctx, other)
	assert.Error(t, err, "the only slot is in use")

	assert.Error(t, p.Evict(path))
	p.Release(path)
	p.Release(path)
	assert.Equal(t, PoolStats{OpenDatabases: 1, IdleDatabases: 1}, p.Stats())

	_, err = p.Get(ctx, other)
	require.NoError(t, err, "idle database is evicted for a new one")
	assert.False(t, p.HasConnection(path))
	p.Release(other)
	require.NoError(t, p.Evict(other))
	assert.Equal(t, 0, p.Stats().OpenDatabases)

	require.NoError(t, p.Close())
	_, err = p.Get(ctx, path)
	assert.Error(t, err)
}
