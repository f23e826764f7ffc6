package table

import (
	"sort"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/track"
)

// MergedColumn is one public column of a merged table. Each contributing
// layout resolves it to its own physical column, or to none.
type MergedColumn struct {
	Name string
	// Schema is the role of the column in the first layout defining it.
	Schema Schema
}

// Hidden reports whether the column is internal and not emitted.
func (c MergedColumn) Hidden() bool { return c.Schema == SchemaOperation }

type rowRef struct {
	data   []byte
	layout *Layout
	track  uint32
}

// MergedTable is the union of the packed tables of the active track set.
// Rows are never moved by sorting: the sort order array maps logical
// positions to physical rows. A merged table is not safe for concurrent
// mutation; concurrent reads are fine.
type MergedTable struct {
	strings *StringTable

	columns []MergedColumn
	byName  map[string]int
	layouts []*Layout
	// resolve maps a layout to the physical index of every merged column,
	// -1 where the layout lacks the column.
	resolve map[*Layout][]int

	rows   []rowRef
	sorted []int
}

// NewMergedTable creates an empty merged table reading strings from strs.
func NewMergedTable(strs *StringTable) *MergedTable {
	if strs == nil {
		strs = NewStringTable()
	}
	m := &MergedTable{strings: strs}
	m.resetSchema()
	return m
}

func (m *MergedTable) resetSchema() {
	m.columns = nil
	m.byName = make(map[string]int)
	m.layouts = nil
	m.resolve = make(map[*Layout][]int)
}

// Reset drops every row and column.
func (m *MergedTable) Reset() {
	m.resetSchema()
	m.rows = nil
	m.sorted = nil
}

// Strings returns the shared string table.
func (m *MergedTable) Strings() *StringTable { return m.strings }

func (m *MergedTable) registerLayout(l *Layout) {
	if _, ok := m.resolve[l]; ok {
		return
	}
	m.layouts = append(m.layouts, l)
	m.resolve[l] = nil
	for _, c := range l.columns {
		if _, ok := m.byName[c.Name]; !ok {
			m.byName[c.Name] = len(m.columns)
			m.columns = append(m.columns, MergedColumn{Name: c.Name, Schema: c.Schema})
		}
	}
}

func (m *MergedTable) rebuildResolve() {
	for _, l := range m.layouts {
		idx := make([]int, len(m.columns))
		for i, c := range m.columns {
			if j, ok := l.byName[c.Name]; ok {
				idx[i] = j
			} else {
				idx[i] = -1
			}
		}
		m.resolve[l] = idx
	}
}

// Merge moves the rows of tables into the merged table, reconciles the
// column list and rebuilds the identity sort order. Every row is kept: split
// buckets of a track never overlap, and tracks of different instances may
// share record ids. The tables are left empty. It returns the number of
// rows added.
func (m *MergedTable) Merge(tables []*PackedTable) int {
	before := len(m.rows)
	for _, t := range tables {
		if t == nil || len(t.rows) == 0 {
			continue
		}
		m.registerLayout(t.layout)
		for _, data := range t.rows {
			m.rows = append(m.rows, rowRef{data: data, layout: t.layout, track: t.TrackID})
		}
		t.rows = nil
	}
	m.rebuildResolve()
	m.CreateSortOrderArray()
	return len(m.rows) - before
}

// ManageColumns rebuilds the column list from tables and the layouts of
// rows already held, without touching rows.
func (m *MergedTable) ManageColumns(tables []*PackedTable) {
	m.resetSchema()
	for _, t := range tables {
		if t != nil {
			m.registerLayout(t.layout)
		}
	}
	for _, r := range m.rows {
		m.registerLayout(r.layout)
	}
	m.rebuildResolve()
}

// RemoveRowsForSetOfTracks drops the rows that originate from tracks.
// With fullRebuild every row is dropped regardless of origin. Columns only
// defined by removed rows disappear. It returns the number of removed rows.
func (m *MergedTable) RemoveRowsForSetOfTracks(tracks []uint32, fullRebuild bool) int {
	if fullRebuild {
		n := len(m.rows)
		m.Reset()
		return n
	}
	if len(tracks) == 0 {
		return 0
	}
	drop := make(map[uint32]struct{}, len(tracks))
	for _, t := range tracks {
		drop[t] = struct{}{}
	}

	used := make(map[*Layout]bool)
	out := m.rows[:0]
	for _, r := range m.rows {
		if _, ok := drop[r.track]; ok {
			continue
		}
		used[r.layout] = true
		out = append(out, r)
	}
	removed := len(m.rows) - len(out)
	for i := len(out); i < len(m.rows); i++ {
		m.rows[i] = rowRef{}
	}
	m.rows = out

	if removed > 0 {
		layouts := m.layouts
		m.resetSchema()
		for _, l := range layouts {
			if used[l] {
				m.registerLayout(l)
			}
		}
		m.rebuildResolve()
	}
	m.CreateSortOrderArray()
	return removed
}

// CreateSortOrderArray resets the sort order to the identity permutation.
func (m *MergedTable) CreateSortOrderArray() {
	if cap(m.sorted) >= len(m.rows) {
		m.sorted = m.sorted[:len(m.rows)]
	} else {
		m.sorted = make([]int, len(m.rows))
	}
	for i := range m.sorted {
		m.sorted[i] = i
	}
}

// SortByColumn reorders the sort order array by the named column. Rows
// lacking the column sort last in either direction. Ties keep physical
// order, so sorting twice yields the same permutation.
func (m *MergedTable) SortByColumn(name string, desc bool) error {
	col, ok := m.byName[name]
	if !ok {
		return terrors.Newf(terrors.ErrCategoryValidation, terrors.CodeUnknownColumn,
			"unknown sort column %q", name)
	}
	keys := make([]Cell, len(m.rows))
	for i := range m.rows {
		keys[i] = m.Cell(i, col)
	}
	m.CreateSortOrderArray()
	sort.SliceStable(m.sorted, func(i, j int) bool {
		a, b := keys[m.sorted[i]], keys[m.sorted[j]]
		switch am, bm := a.Missing(), b.Missing(); {
		case am:
			return false
		case bm:
			return true
		}
		c := CompareCells(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return nil
}

// RowCount returns the number of rows.
func (m *MergedTable) RowCount() int { return len(m.rows) }

// SortedIndex maps a logical row position to its physical row.
func (m *MergedTable) SortedIndex(logical int) int { return m.sorted[logical] }

// Columns returns the reconciled public columns.
func (m *MergedTable) Columns() []MergedColumn { return m.columns }

// ColumnIndex returns the index of the named column.
func (m *MergedTable) ColumnIndex(name string) (int, bool) {
	i, ok := m.byName[name]
	return i, ok
}

// Operation returns the operation code of a physical row.
func (m *MergedTable) Operation(phys int) track.Operation {
	return track.Operation(m.rows[phys].data[0])
}

// TrackOf returns the originating track of a physical row.
func (m *MergedTable) TrackOf(phys int) uint32 { return m.rows[phys].track }

func (m *MergedTable) def(phys, col int) (ColumnDef, bool) {
	r := m.rows[phys]
	idx := m.resolve[r.layout]
	if col < 0 || col >= len(idx) || idx[col] < 0 {
		return ColumnDef{}, false
	}
	return r.layout.columns[idx[col]], true
}

// Cell decodes merged column col of a physical row. Columns the row's
// layout lacks decode as CellAbsent.
func (m *MergedTable) Cell(phys, col int) Cell {
	d, ok := m.def(phys, col)
	if !ok {
		return Cell{Kind: CellAbsent}
	}
	return decode(m.rows[phys].data, d, m.strings)
}

// DisplayCell formats a cell for emission and reports whether the text is
// numeric. Stream track ids only apply to dispatch, allocation and copy
// events and read "-1" elsewhere.
func (m *MergedTable) DisplayCell(phys, col int) (string, bool) {
	d, ok := m.def(phys, col)
	if !ok {
		return "", true
	}
	switch d.Schema {
	case SchemaNull:
		return "", true
	case SchemaStreamTrackID:
		if !m.Operation(phys).HasStreamTrack() {
			return "-1", true
		}
	case SchemaStringRef:
		return m.strings.ConvertStringReference(readUint(m.rows[phys].data, d))
	}
	c := decode(m.rows[phys].data, d, m.strings)
	return c.Text(), c.IsNumeric()
}

// Row returns a filter row view over a physical row.
func (m *MergedTable) Row(phys int) filter.Row {
	return rowView{m: m, phys: phys}
}

type rowView struct {
	m    *MergedTable
	phys int
}

// Lookup reads a column of the row. Columns the merged table knows but the
// row lacks, and NULL cells, read as the empty string. Only names unknown to
// the merged table are missing.
func (v rowView) Lookup(column string) (filter.Value, bool) {
	col, ok := v.m.byName[column]
	if !ok {
		return filter.Value{}, false
	}
	if val, ok := v.m.Cell(v.phys, col).Value(); ok {
		return val, true
	}
	return filter.Str(""), true
}

// TrackIDs returns the distinct originating tracks in physical order.
func (m *MergedTable) TrackIDs() []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, r := range m.rows {
		if _, ok := seen[r.track]; !ok {
			seen[r.track] = struct{}{}
			out = append(out, r.track)
		}
	}
	return out
}
