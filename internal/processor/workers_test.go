package processor

import (
	"sort"
	"strconv"
	"testing"

	"github.com/go-kit/log"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

var kernelNames = []string{"conv", "gemm", "relu"}

// kernelRow is a RowSource of one dispatch: op, id, kernel_name, duration.
type kernelRow struct {
	id       int64
	name     string
	duration int64
}

func (kernelRow) ColumnCount() int { return 4 }

func (kernelRow) ColumnName(i int) string {
	return [...]string{track.ColumnOperation, "id", "kernel_name", track.ColumnDuration}[i]
}

func (kernelRow) DeclType(i int) string {
	if i == 2 {
		return "TEXT"
	}
	return "INTEGER"
}

func (kernelRow) Kind(i int) table.ValueKind {
	if i == 2 {
		return table.KindText
	}
	return table.KindInt
}

func (r kernelRow) Int(i int) int64 {
	switch i {
	case 0:
		return int64(track.OpDispatch)
	case 1:
		return r.id
	case 3:
		return r.duration
	}
	return 0
}

func (r kernelRow) Float(i int) float64 { return float64(r.Int(i)) }

func (r kernelRow) Text(i int) string {
	if i == 2 {
		return r.name
	}
	return strconv.FormatInt(r.Int(i), 10)
}

// kernelTable builds a merged table with one row per value: the kernel name
// is picked by value and the duration is the value itself.
func kernelTable(t testing.TB, values []uint8) *table.MergedTable {
	strs := table.NewStringTable()
	pt := table.NewPackedTable(0, strs)
	for i, v := range values {
		row := kernelRow{id: int64(i), name: kernelNames[int(v)%len(kernelNames)], duration: int64(v)}
		if err := pt.BuildFromRow(row, track.OpNone); err != nil {
			t.Fatalf("build row: %v", err)
		}
	}
	m := table.NewMergedTable(strs)
	m.Merge([]*table.PackedTable{pt})
	return m
}

// copyRow is a RowSource of one memory copy: op, id, bytes. It has no
// kernel_name or duration.
type copyRow struct {
	id    int64
	bytes int64
}

func (copyRow) ColumnCount() int { return 3 }

func (copyRow) ColumnName(i int) string {
	return [...]string{track.ColumnOperation, "id", "bytes"}[i]
}

func (copyRow) DeclType(int) string { return "INTEGER" }

func (copyRow) Kind(int) table.ValueKind { return table.KindInt }

func (r copyRow) Int(i int) int64 {
	switch i {
	case 0:
		return int64(track.OpMemoryCopy)
	case 1:
		return r.id
	}
	return r.bytes
}

func (r copyRow) Float(i int) float64 { return float64(r.Int(i)) }

func (r copyRow) Text(i int) string { return strconv.FormatInt(r.Int(i), 10) }

func testProcessor(t testing.TB, m *table.MergedTable) *TableProcessor {
	cfg := Config{}
	cfg.applyDefaults()
	filters, err := newFilterCache(cfg.FilterCacheSize)
	if err != nil {
		t.Fatalf("filter cache: %v", err)
	}
	tp := newTableProcessor(BucketEvent, cfg, nil, nil, filters, nil, log.NewNopLogger(), nil)
	tp.merged = m
	return tp
}

func viewRows(tp *TableProcessor) [][]string {
	var out [][]string
	tp.eachRow(func(texts []string, _ []bool) bool {
		out = append(out, append([]string(nil), texts...))
		return true
	})
	return out
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 1, workerCount(0, 10000, 8))
	assert.Equal(t, 1, workerCount(19999, 10000, 8))
	assert.Equal(t, 2, workerCount(20000, 10000, 8))
	assert.Equal(t, 7, workerCount(1000000, 10000, 8))
	assert.Equal(t, 1, workerCount(1000000, 10000, 1))
	assert.Equal(t, 3, workerCount(30000, 0, 16))
}

func TestPartitions(t *testing.T) {
	assert.Nil(t, partitions(0, 4))
	assert.Equal(t, [][2]int{{0, 3}, {3, 6}, {6, 9}, {9, 10}}, partitions(10, 3))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, partitions(2, 8))
	assert.Equal(t, [][2]int{{0, 5}}, partitions(5, 0))
}

func TestComputeFilterUnknownColumn(t *testing.T) {
	m := kernelTable(t, []uint8{1, 2, 3})
	expr, err := filter.Parse("nosuch > 1")
	require.NoError(t, err)

	_, err = computeFilter(m, expr, 2)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeUnknownColumn, terrors.GetCode(err))

	expr, err = filter.Parse("duration >= 2")
	require.NoError(t, err)
	set, err := computeFilter(m, expr, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, set.ToArray())
}

func TestComputeFilterAbsentColumnsReadEmpty(t *testing.T) {
	strs := table.NewStringTable()
	kernels := table.NewPackedTable(0, strs)
	require.NoError(t, kernels.BuildFromRow(kernelRow{id: 1, name: "gemm_a", duration: 10}, track.OpNone))
	copies := table.NewPackedTable(1, strs)
	require.NoError(t, copies.BuildFromRow(copyRow{id: 2, bytes: 4096}, track.OpNone))
	m := table.NewMergedTable(strs)
	require.Equal(t, 2, m.Merge([]*table.PackedTable{kernels, copies}))

	for _, tc := range []struct {
		text string
		want []uint32
	}{
		{"kernel_name NOT LIKE 'gemm%'", []uint32{1}},
		{"kernel_name != 'x'", []uint32{0, 1}},
		{"kernel_name = ''", []uint32{1}},
		{"bytes > 100", []uint32{1}},
		{"duration > 5", []uint32{0}},
	} {
		expr, err := filter.Parse(tc.text)
		require.NoError(t, err, tc.text)
		set, err := computeFilter(m, expr, 2)
		require.NoError(t, err, tc.text)
		assert.Equal(t, tc.want, set.ToArray(), tc.text)
	}
}

func TestProperty_FilterIsIndependentOfWorkers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("parallel filter matches the single worker pass", prop.ForAll(
		func(values []uint8, threshold uint8, workers int) bool {
			if len(values) == 0 {
				return true
			}
			m := kernelTable(t, values)
			expr, err := filter.Parse("duration > " + strconv.Itoa(int(threshold)) + " OR kernel_name = 'relu'")
			if err != nil {
				return false
			}
			one, err := computeFilter(m, expr, 1)
			if err != nil {
				return false
			}
			many, err := computeFilter(m, expr, workers)
			if err != nil {
				return false
			}
			return one.Equals(many)
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

// Grouping a filtered view must equal grouping a table that only holds the
// matching rows.
func TestProperty_FilterThenGroup(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const group = "kernel_name, COUNT(*) AS cnt, SUM(duration) AS total"

	properties.Property("filter then group equals group of the matching rows", prop.ForAll(
		func(values []uint8, threshold uint8) bool {
			if len(values) == 0 {
				return true
			}
			tp := testProcessor(t, kernelTable(t, values))
			var out Outcome
			tp.applyFilter("duration > "+strconv.Itoa(int(threshold)), &out)
			tp.applyGroup(group, &out)
			if len(out.Warnings) > 0 {
				return false
			}
			got := viewRows(tp)

			var kept []uint8
			for _, v := range values {
				if v > threshold {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				return len(got) == 0
			}
			ref := testProcessor(t, kernelTable(t, kept))
			ref.applyGroup(group, &out)
			want := viewRows(ref)

			if len(got) != len(want) {
				return false
			}
			for i := range got {
				for k := range got[i] {
					if got[i][k] != want[i][k] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestFilterThenGroupTotals(t *testing.T) {
	values := []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8}
	tp := testProcessor(t, kernelTable(t, values))
	var out Outcome
	tp.applyFilter("duration > 2", &out)
	tp.applyGroup("kernel_name, COUNT(*) AS cnt, SUM(duration) AS total", &out)
	require.Empty(t, out.Warnings)

	want := map[string][2]int{}
	for _, v := range values {
		if v > 2 {
			name := kernelNames[int(v)%len(kernelNames)]
			w := want[name]
			want[name] = [2]int{w[0] + 1, w[1] + int(v)}
		}
	}
	var names []string
	for n := range want {
		names = append(names, n)
	}
	sort.Strings(names)

	rows := viewRows(tp)
	require.Len(t, rows, len(names))
	for i, n := range names {
		assert.Equal(t, []string{n, strconv.Itoa(want[n][0]), strconv.Itoa(want[n][1])}, rows[i])
	}
}
