package table

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/tracequery/internal/track"
)

// buildMerged creates one table per track with durations[i] rows assigned
// round robin to numTracks tracks.
func buildMerged(durations []int64, numTracks int) (*MergedTable, map[uint32]int) {
	strs := NewStringTable()
	tables := make([]*PackedTable, numTracks)
	for i := range tables {
		tables[i] = NewPackedTable(uint32(i), strs)
	}
	perTrack := make(map[uint32]int)
	for i, d := range durations {
		tr := i % numTracks
		_ = tables[tr].BuildFromRow(fakeRow{
			names: []string{"op", "id", "duration"},
			vals:  []interface{}{int64(track.OpDispatch), int64(i), d},
		}, track.OpNone)
		perTrack[uint32(tr)]++
	}
	m := NewMergedTable(strs)
	m.Merge(tables)
	return m, perTrack
}

func snapshotRows(m *MergedTable) [][]byte {
	out := make([][]byte, len(m.rows))
	for i, r := range m.rows {
		out[i] = append([]byte(nil), r.data...)
	}
	return out
}

func TestProperty_SortByColumn(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sorted order is monotonic, repeatable and leaves storage alone", prop.ForAll(
		func(durations []int64, desc bool) bool {
			m, _ := buildMerged(durations, 3)
			before := snapshotRows(m)
			col, ok := m.ColumnIndex("duration")
			if !ok && len(durations) > 0 {
				return false
			}
			if !ok {
				return true
			}
			if err := m.SortByColumn("duration", desc); err != nil {
				return false
			}
			first := append([]int(nil), m.sorted...)
			for i := 0; i+1 < m.RowCount(); i++ {
				a := m.Cell(m.SortedIndex(i), col).I
				b := m.Cell(m.SortedIndex(i+1), col).I
				if (!desc && a > b) || (desc && a < b) {
					return false
				}
			}
			if err := m.SortByColumn("duration", desc); err != nil {
				return false
			}
			for i := range first {
				if first[i] != m.sorted[i] {
					return false
				}
			}
			after := snapshotRows(m)
			for i := range before {
				if !bytes.Equal(before[i], after[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-500, 500)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestProperty_RemoveRowsForSetOfTracks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("removal keeps exactly the rows of the remaining tracks", prop.ForAll(
		func(durations []int64, numTracks int, mask uint8) bool {
			m, perTrack := buildMerged(durations, numTracks)
			var remove []uint32
			expectRemoved := 0
			for tr := 0; tr < numTracks; tr++ {
				if mask&(1<<uint(tr)) != 0 {
					remove = append(remove, uint32(tr))
					expectRemoved += perTrack[uint32(tr)]
				}
			}
			total := m.RowCount()
			removed := m.RemoveRowsForSetOfTracks(remove, false)
			if removed != expectRemoved || m.RowCount() != total-expectRemoved {
				return false
			}
			dropped := make(map[uint32]bool)
			for _, tr := range remove {
				dropped[tr] = true
			}
			for i := 0; i < m.RowCount(); i++ {
				if dropped[m.TrackOf(m.SortedIndex(i))] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 100)),
		gen.IntRange(1, 6),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
