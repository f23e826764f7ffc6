package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/tracequery/internal/track"
)

// kernelTable builds a dispatch table with rows (id, name, duration).
func kernelTable(t *testing.T, trackID uint32, strs *StringTable, rows ...[3]interface{}) *PackedTable {
	t.Helper()
	p := NewPackedTable(trackID, strs)
	for _, r := range rows {
		require.NoError(t, p.BuildFromRow(fakeRow{
			names: []string{"op", "id", "__trackId", "__streamTrackId", "name", "duration"},
			vals:  []interface{}{int64(track.OpDispatch), r[0], int64(trackID), int64(40), r[1], r[2]},
		}, track.OpNone))
	}
	return p
}

// copyTable builds a memory copy table with a "bytes" column kernels lack.
func copyTable(t *testing.T, trackID uint32, strs *StringTable, ids ...int64) *PackedTable {
	t.Helper()
	p := NewPackedTable(trackID, strs)
	for _, id := range ids {
		require.NoError(t, p.BuildFromRow(fakeRow{
			names: []string{"op", "id", "__trackId", "name", "bytes", "duration"},
			vals:  []interface{}{int64(track.OpMemoryCopy), id, int64(trackID), "copy", int64(4096), int64(5)},
		}, track.OpNone))
	}
	return p
}

func cellText(m *MergedTable, phys int, name string) string {
	col, ok := m.ColumnIndex(name)
	if !ok {
		return "<none>"
	}
	text, _ := m.DisplayCell(phys, col)
	return text
}

func TestMergeReconcilesColumns(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)

	k := kernelTable(t, 0, strs, [3]interface{}{int64(1), "gemm", int64(100)})
	c := copyTable(t, 1, strs, 1, 2)
	added := m.Merge([]*PackedTable{k, c})

	assert.Equal(t, 3, added, "same record id under different operations is not a duplicate")
	assert.Equal(t, 3, m.RowCount())
	assert.Equal(t, 0, k.RowCount(), "merge moves rows out of the source")

	var names []string
	for _, col := range m.Columns() {
		names = append(names, col.Name)
	}
	assert.Equal(t, []string{"op", "id", "__trackId", "__streamTrackId", "name", "duration", "bytes"}, names)

	opCol, _ := m.ColumnIndex("op")
	assert.True(t, m.Columns()[opCol].Hidden())

	assert.Equal(t, "gemm", cellText(m, 0, "name"))
	assert.Equal(t, "", cellText(m, 0, "bytes"), "absent columns render empty")
	assert.Equal(t, "4096", cellText(m, 1, "bytes"))
	assert.Equal(t, "40", cellText(m, 0, "__streamTrackId"))
	assert.Equal(t, "", cellText(m, 1, "__streamTrackId"), "copy layout has no stream column")

	bytesCol, _ := m.ColumnIndex("bytes")
	assert.Equal(t, CellAbsent, m.Cell(0, bytesCol).Kind)
	assert.Equal(t, track.OpMemoryCopy, m.Operation(2))
	assert.Equal(t, uint32(1), m.TrackOf(2))
	assert.Equal(t, []uint32{0, 1}, m.TrackIDs())
}

func TestMergeKeepsSharedRecordIDs(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)

	// Tracks of two trace instances with the same record id.
	a := kernelTable(t, 0, strs, [3]interface{}{int64(1), "gemm", int64(100)})
	b := kernelTable(t, 1, strs, [3]interface{}{int64(1), "conv", int64(200)})
	assert.Equal(t, 2, m.Merge([]*PackedTable{a, b}))
	assert.Equal(t, []uint32{0, 1}, m.TrackIDs())

	samples := NewPackedTable(5, strs)
	for i := 0; i < 2; i++ {
		require.NoError(t, samples.BuildFromRow(fakeRow{
			names: []string{"id", "counterValue"},
			vals:  []interface{}{int64(9), 1.5},
		}, track.OpNone))
	}
	assert.Equal(t, 2, m.Merge([]*PackedTable{samples}))
	assert.Equal(t, 4, m.RowCount())
}

func TestSharedRecordIDsComposeWithRemoval(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)

	m.Merge([]*PackedTable{kernelTable(t, 0, strs, [3]interface{}{int64(7), "gemm", int64(10)})})
	assert.Equal(t, 1, m.Merge([]*PackedTable{kernelTable(t, 1, strs, [3]interface{}{int64(7), "conv", int64(20)})}),
		"a later track keeps its row")

	assert.Equal(t, 1, m.RemoveRowsForSetOfTracks([]uint32{0}, false))
	require.Equal(t, 1, m.RowCount())
	assert.Equal(t, []uint32{1}, m.TrackIDs())
	assert.Equal(t, "conv", cellText(m, 0, "name"))
}

func TestStreamTrackDisplay(t *testing.T) {
	strs := NewStringTable()
	p := NewPackedTable(0, strs)
	require.NoError(t, p.BuildFromRow(fakeRow{
		names: []string{"op", "__streamTrackId", "value"},
		vals:  []interface{}{int64(track.OpLaunch), int64(12), "007"},
	}, track.OpNone))
	m := NewMergedTable(strs)
	m.Merge([]*PackedTable{p})

	assert.Equal(t, "-1", cellText(m, 0, "__streamTrackId"), "launches have no stream track")

	col, _ := m.ColumnIndex("value")
	text, numeric := m.DisplayCell(0, col)
	assert.Equal(t, "007", text)
	assert.True(t, numeric)
}

func TestSortByColumn(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)
	m.Merge([]*PackedTable{
		kernelTable(t, 0, strs,
			[3]interface{}{int64(1), "delta", int64(30)},
			[3]interface{}{int64(2), "alpha", int64(10)},
			[3]interface{}{int64(3), "charlie", int64(30)}),
		copyTable(t, 1, strs, 4),
	})

	require.NoError(t, m.SortByColumn("duration", false))
	var order []int
	for i := 0; i < m.RowCount(); i++ {
		order = append(order, m.SortedIndex(i))
	}
	assert.Equal(t, []int{3, 1, 0, 2}, order, "ties keep physical order")

	require.NoError(t, m.SortByColumn("name", true))
	var names []string
	for i := 0; i < m.RowCount(); i++ {
		names = append(names, cellText(m, m.SortedIndex(i), "name"))
	}
	assert.Equal(t, []string{"delta", "copy", "charlie", "alpha"}, names)

	require.NoError(t, m.SortByColumn("bytes", true))
	assert.Equal(t, 3, m.SortedIndex(0))
	require.NoError(t, m.SortByColumn("bytes", false))
	assert.Equal(t, 3, m.SortedIndex(0), "rows lacking the column sort last in both directions")

	assert.Error(t, m.SortByColumn("nope", false))
}

func TestRemoveRowsForSetOfTracks(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)
	m.Merge([]*PackedTable{
		kernelTable(t, 0, strs, [3]interface{}{int64(1), "a", int64(1)}),
		copyTable(t, 1, strs, 2, 3),
		kernelTable(t, 2, strs, [3]interface{}{int64(4), "b", int64(1)}),
	})
	require.Equal(t, 4, m.RowCount())

	removed := m.RemoveRowsForSetOfTracks([]uint32{1}, false)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, m.RowCount())
	assert.Equal(t, []uint32{0, 2}, m.TrackIDs())
	_, ok := m.ColumnIndex("bytes")
	assert.False(t, ok, "columns of removed layouts disappear")
	for i := 0; i < m.RowCount(); i++ {
		assert.Equal(t, i, m.SortedIndex(i))
	}

	assert.Equal(t, 0, m.RemoveRowsForSetOfTracks(nil, false))
	assert.Equal(t, 2, m.RemoveRowsForSetOfTracks(nil, true))
	assert.Equal(t, 0, m.RowCount())
	assert.Empty(t, m.Columns())
}

func TestManageColumns(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)
	k := kernelTable(t, 0, strs, [3]interface{}{int64(1), "a", int64(1)})
	m.Merge([]*PackedTable{k})
	before := len(m.Columns())

	c := copyTable(t, 1, strs, 7)
	m.ManageColumns([]*PackedTable{c})
	assert.Equal(t, 1, m.RowCount(), "rows are untouched")
	assert.Equal(t, before+1, len(m.Columns()))
	names := []string{}
	for _, col := range m.Columns() {
		names = append(names, col.Name)
	}
	assert.Equal(t, "op", names[0])
	assert.Contains(t, names, "__streamTrackId", "layouts of held rows stay resolvable")
	assert.Equal(t, "a", cellText(m, 0, "name"))
}

func TestRowViewLookup(t *testing.T) {
	strs := NewStringTable()
	m := NewMergedTable(strs)
	m.Merge([]*PackedTable{
		kernelTable(t, 0, strs, [3]interface{}{int64(1), "gemm", int64(1500)}),
		copyTable(t, 1, strs, 2),
	})

	v, ok := m.Row(0).Lookup("duration")
	require.True(t, ok)
	assert.Equal(t, 1500.0, v.Float())

	v, ok = m.Row(0).Lookup("name")
	require.True(t, ok)
	assert.Equal(t, "gemm", v.Text())

	v, ok = m.Row(0).Lookup("bytes")
	require.True(t, ok, "known to the merged table")
	assert.Equal(t, "", v.Text(), "absent for this layout")
	_, ok = m.Row(1).Lookup("missing")
	assert.False(t, ok)
}
