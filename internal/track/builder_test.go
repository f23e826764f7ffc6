package track

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

func newKernelTrack(agent, queue uint64, records uint64, minTS, maxTS int64) *Track {
	return &Track{
		Category:  KernelDispatch,
		Operation: OpDispatch,
		Identifiers: [NumIdentifiers]Identifier{
			NumericID("nodeId", 0),
			NumericID("agentId", agent),
			NumericID("queueId", queue),
		},
		Instance:    "db0",
		RecordCount: records,
		MinTS:       minTS,
		MaxTS:       maxTS,
		Queries: map[QueryType][]string{
			QuerySlice: {"SELECT id, startTs, endTs, level FROM kernels"},
			QueryTable: {"SELECT * FROM kernels"},
		},
	}
}

func TestBuildTrackQuery(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add(newKernelTrack(1, 7, 10, 100, 200))
	b := NewBuilder(reg, BuildOptions{})

	sql, err := b.BuildTrackQuery(id, QueryTable, "SELECT *", Split{Count: 1})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM (SELECT * FROM kernels where nodeId==0 and agentId==1 and queueId==7) ", sql)
}

func TestBuildTrackQueryRegionMainAndStrings(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add(&Track{
		Category: RegionMain,
		Identifiers: [NumIdentifiers]Identifier{
			NumericID("nodeId", 2),
			NamedID("threadName", "main's"),
			ConstID(),
		},
		Queries: map[QueryType][]string{QueryTable: {"SELECT a FROM r1", "SELECT a FROM r2"}},
	})
	b := NewBuilder(reg, BuildOptions{})

	sql, err := b.BuildTrackQuery(id, QueryTable, "SELECT a", Split{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM (SELECT a FROM r1 where SAMPLE.id IS NULL and nodeId==2 and threadName=='main''s'"+
		" UNION ALL SELECT a FROM r2 where SAMPLE.id IS NULL and nodeId==2 and threadName=='main''s') ", sql)
}

func TestBuildTrackQuerySplitBuckets(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add(newKernelTrack(1, 1, 100, 0, 1000))
	reg.SetTraceRange(0, 1001)
	b := NewBuilder(reg, BuildOptions{})

	first, err := b.BuildTrackQuery(id, QueryTable, "SELECT *", Split{Count: 3, Index: 0})
	require.NoError(t, err)
	assert.Contains(t, first, "startTs >= 0 and startTs < 333")

	middle, err := b.BuildTrackQuery(id, QueryTable, "SELECT *", Split{Count: 3, Index: 1})
	require.NoError(t, err)
	assert.Contains(t, middle, "startTs >= 333 and startTs < 666")

	last, err := b.BuildTrackQuery(id, QueryTable, "SELECT *", Split{Count: 3, Index: 2})
	require.NoError(t, err)
	assert.Contains(t, last, "startTs >= 666 and startTs <= 1001")
}

func TestBuildTrackQueryErrors(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add(newKernelTrack(1, 1, 1, 0, 1))
	b := NewBuilder(reg, BuildOptions{})

	_, err := b.BuildTrackQuery(42, QueryTable, "SELECT *", Split{})
	require.Error(t, err)
	assert.Equal(t, terrors.ErrCategoryPartial, terrors.GetCategory(err))
	assert.Equal(t, terrors.CodeUnknownTrack, terrors.GetCode(err))

	_, err = b.BuildTrackQuery(id, QuerySliceByStream, "SELECT *", Split{})
	require.Error(t, err)
	assert.Equal(t, terrors.CodeEmptyQuery, terrors.GetCode(err))
}

func TestBuildSliceQuery(t *testing.T) {
	reg := NewRegistry()
	a := reg.Add(newKernelTrack(1, 1, 10, 100, 500))
	c := reg.Add(newKernelTrack(1, 2, 10, 200, 400))
	b := NewBuilder(reg, BuildOptions{})

	res, err := b.BuildSliceQuery(100, 500, []uint32{a, c, 99})
	require.NoError(t, err)
	assert.Equal(t, []uint32{99}, res.Skipped)
	assert.True(t, res.Partial())
	assert.Equal(t, "SELECT * FROM ( SELECT id, startTs, endTs, level FROM kernels where (nodeId,agentId,queueId) IN "+
		"((0,1,1), (0,1,2))) ORDER BY level, startTs;", res.SQL)

	res, err = b.BuildSliceQuery(150, 500, []uint32{a, c})
	require.NoError(t, err)
	assert.Contains(t, res.SQL, ") and startTs < 500 and endTs > 150) ORDER BY level, startTs;")
}

func TestBuildSliceQueryNoTracks(t *testing.T) {
	b := NewBuilder(NewRegistry(), BuildOptions{})
	res, err := b.BuildSliceQuery(0, 10, []uint32{3})
	require.Error(t, err)
	assert.Equal(t, []uint32{3}, res.Skipped)
}

func TestBuildTableQuery(t *testing.T) {
	reg := NewRegistry()
	a := reg.Add(newKernelTrack(1, 1, 10, 0, 100))
	b := NewBuilder(reg, BuildOptions{})

	res, err := b.BuildTableQuery(TableQuery{
		Tracks:     []uint32{a},
		Start:      0,
		End:        100,
		SortColumn: "duration",
		SortDesc:   true,
		Limit:      50,
		Offset:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, "WITH all_rows AS (SELECT * FROM kernels where (nodeId,agentId,queueId) IN ((0,1,1)) "+
		"and startTs >= 0 and endTs < 100) SELECT * FROM all_rows  ORDER BY duration DESC LIMIT 50 OFFSET 10;", res.SQL)
}

func TestBuildTableQueryGroupFilterCount(t *testing.T) {
	reg := NewRegistry()
	a := reg.Add(newKernelTrack(1, 1, 10, 0, 100))
	b := NewBuilder(reg, BuildOptions{})

	res, err := b.BuildTableQuery(TableQuery{
		Tracks:    []uint32{a},
		End:       100,
		Group:     "name",
		Filter:    "num_invocations > 2",
		Limit:     50,
		CountOnly: true,
	})
	require.NoError(t, err)
	sql := res.SQL
	assert.True(t, strings.HasPrefix(sql, "WITH all_rows AS (SELECT name, COUNT(*) as num_invocations, "+
		"AVG(duration) as avg_duration, MIN(duration) as min_duration, MAX(duration) as max_duration FROM ( "), sql)
	assert.Contains(t, sql, ") GROUP BY name)")
	assert.Contains(t, sql, ", filtered_rows AS (SELECT * FROM all_rows WHERE (num_invocations > 2))")
	assert.Contains(t, sql, " SELECT (SELECT COUNT(*) FROM filtered_rows) AS [NumRecords], * FROM filtered_rows ")
	assert.True(t, strings.HasSuffix(sql, " LIMIT 1;"), sql)
	assert.NotContains(t, sql, "LIMIT 50")
}

func TestPlanTrackQueriesSplitsLargeTracks(t *testing.T) {
	reg := NewRegistry()
	big := reg.Add(newKernelTrack(1, 1, 60000, 0, 1000000))
	small := reg.Add(newKernelTrack(1, 2, 500, 0, 1000000))
	b := NewBuilder(reg, BuildOptions{Concurrency: 8})

	planned, skipped, err := b.PlanTrackQueries(PlanOptions{
		Flags:     TrySplit,
		QueryType: QueryTable,
		Prefix:    "SELECT *, ",
	})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	perTrack := map[uint32]int{}
	for _, p := range planned {
		perTrack[p.TrackID]++
		assert.Equal(t, "db0", p.Instance)
		assert.True(t, strings.HasPrefix(p.SQL, "SELECT *, "), p.SQL)
	}
	assert.Greater(t, perTrack[big], 1)
	assert.Equal(t, 4, perTrack[big])
	assert.Equal(t, 1, perTrack[small])
}

func TestPlanTrackQueriesNeverSplitsCopies(t *testing.T) {
	reg := NewRegistry()
	tr := newKernelTrack(1, 1, 90000, 0, 1000)
	tr.Category = MemoryCopy
	id := reg.Add(tr)
	b := NewBuilder(reg, BuildOptions{Concurrency: 1})

	planned, _, err := b.PlanTrackQueries(PlanOptions{Flags: TrySplit, QueryType: QueryTable, Prefix: "SELECT *, "})
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, id, planned[0].TrackID)
	assert.Equal(t, uint32(1), planned[0].Split.Count)
}

func TestPlanTrackQueriesMinimumTwoParts(t *testing.T) {
	reg := NewRegistry()
	id := reg.Add(newKernelTrack(1, 1, 60000, 0, 1000))
	b := NewBuilder(reg, BuildOptions{Concurrency: 1})

	planned, _, err := b.PlanTrackQueries(PlanOptions{Flags: TrySplit, QueryType: QueryTable, Tracks: []uint32{id}})
	require.NoError(t, err)
	assert.Len(t, planned, 2)
}

func TestPlanTrackQueriesFlags(t *testing.T) {
	reg := NewRegistry()
	pmc := newKernelTrack(9, 9, 10, 0, 10)
	pmc.Category = PMC
	reg.Add(pmc)
	stream := newKernelTrack(8, 8, 10, 0, 10)
	stream.Category = Stream
	stream.Queries[QuerySliceByStream] = []string{"SELECT id FROM stream_view"}
	reg.Add(stream)
	reg.Add(newKernelTrack(1, 1, 10, 0, 10))
	b := NewBuilder(reg, BuildOptions{})

	planned, _, err := b.PlanTrackQueries(PlanOptions{QueryType: QuerySlice, Prefix: "SELECT *, "})
	require.NoError(t, err)
	assert.Len(t, planned, 1)

	planned, _, err = b.PlanTrackQueries(PlanOptions{Flags: IncludePMC | IncludeStreams, QueryType: QuerySlice, Prefix: "SELECT *, "})
	require.NoError(t, err)
	require.Len(t, planned, 3)
	assert.Contains(t, planned[1].SQL, "stream_view")
	assert.Contains(t, planned[1].SQL, "1 AS __trackId FROM (")
}
