package table

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/track"
)

// fakeRow is a RowSource over Go values: nil, int64, float64 or string.
type fakeRow struct {
	names []string
	decl  []string
	vals  []interface{}
}

func (r fakeRow) ColumnCount() int        { return len(r.names) }
func (r fakeRow) ColumnName(i int) string { return r.names[i] }

func (r fakeRow) DeclType(i int) string {
	if i < len(r.decl) {
		return r.decl[i]
	}
	return ""
}

func (r fakeRow) Kind(i int) ValueKind {
	switch r.vals[i].(type) {
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindText
	}
	return KindNull
}

func (r fakeRow) Int(i int) int64 {
	switch v := r.vals[i].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (r fakeRow) Float(i int) float64 {
	switch v := r.vals[i].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func (r fakeRow) Text(i int) string {
	switch v := r.vals[i].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strconv.FormatInt(r.Int(i), 10)
	}
}

func TestAddColumnAndPlaceValue(t *testing.T) {
	p := NewPackedTable(3, nil)

	b, err := p.AddColumn("flags", TypeByte, 0, SchemaData)
	require.NoError(t, err)
	w, err := p.AddColumn("lane", TypeWord, 1, SchemaData)
	require.NoError(t, err)
	d, err := p.AddColumn("queue", TypeDword, 2, SchemaData)
	require.NoError(t, err)
	q, err := p.AddColumn("startTs", TypeQword, 3, SchemaData)
	require.NoError(t, err)
	f, err := p.AddColumn("ratio", TypeDouble, 4, SchemaData)
	require.NoError(t, err)

	again, err := p.AddColumn("queue", TypeDword, 2, SchemaData)
	require.NoError(t, err)
	assert.Equal(t, d, again, "redeclaring a column is idempotent")
	assert.Equal(t, 1+1+2+4+8+8, p.Layout().RowSize())

	require.Error(t, p.PlaceValue(b, 1), "PlaceValue before AddRow")

	p.AddRow(track.OpDispatch)
	require.NoError(t, p.PlaceValue(b, 0x1ff))
	require.NoError(t, p.PlaceValue(w, 0x1ffff))
	require.NoError(t, p.PlaceValue(d, 7))
	require.NoError(t, p.PlaceDouble(q, -42))
	require.NoError(t, p.PlaceDouble(f, 0.25))

	cell := func(col int) Cell {
		c, err := p.Cell(0, col)
		require.NoError(t, err)
		return c
	}
	assert.Equal(t, uint64(0xff), cell(b).U, "byte truncates")
	assert.Equal(t, uint64(0xffff), cell(w).U, "word truncates")
	assert.Equal(t, uint64(7), cell(d).U)
	assert.Equal(t, int64(-42), cell(q).I, "qword data is signed")
	assert.Equal(t, 0.25, cell(f).F)

	op, err := p.Operation(0)
	require.NoError(t, err)
	assert.Equal(t, track.OpDispatch, op)

	_, err = p.AddColumn("late", TypeQword, 5, SchemaData)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeSchemaMismatch, terrors.GetCode(err))

	_, err = p.AddColumn("queue", TypeQword, 2, SchemaData)
	assert.Error(t, err, "conflicting redeclaration")

	assert.Error(t, p.PlaceValue(99, 1))
	_, err = p.Cell(5, 0)
	assert.Error(t, err)
	_, err = p.Operation(-1)
	assert.Error(t, err)
}

func TestBuildFromRowInfersSchema(t *testing.T) {
	strs := NewStringTable()
	p := NewPackedTable(1, strs)
	names := []string{"op", "id", "__trackId", "__streamTrackId", "name", "duration", "counterValue", "note", "pending"}

	require.NoError(t, p.BuildFromRow(fakeRow{
		names: names,
		decl:  []string{"", "", "", "", "TEXT", "INTEGER", "", "", "VARCHAR(16)"},
		vals:  []interface{}{int64(2), int64(77), int64(1), int64(9), "gemm_kernel", int64(1500), 3.5, nil, nil},
	}, track.OpNone))
	require.NoError(t, p.BuildFromRow(fakeRow{
		names: names,
		vals:  []interface{}{int64(2), int64(78), int64(1), int64(9), "conv", int64(10), 1.0, "x", "later"},
	}, track.OpNone))

	cols := p.Layout().Columns()
	require.Len(t, cols, len(names))
	assert.Equal(t, SchemaOperation, cols[0].Schema)
	assert.Equal(t, SchemaEventID, cols[1].Schema)
	assert.Equal(t, SchemaTrackID, cols[2].Schema)
	assert.Equal(t, SchemaStreamTrackID, cols[3].Schema)
	assert.Equal(t, SchemaStringRef, cols[4].Schema)
	assert.Equal(t, TypeQword, cols[5].Type)
	assert.Equal(t, SchemaCounterValue, cols[6].Schema)
	assert.Equal(t, SchemaNull, cols[7].Schema, "NULL without a declared type has no storage")
	assert.Equal(t, SchemaStringRef, cols[8].Schema, "NULL falls back to the declared type")

	op, _ := p.Operation(1)
	assert.Equal(t, track.OpDispatch, op)
	id, _ := p.Cell(1, 1)
	assert.Equal(t, uint64(78), id.U)
	name, _ := p.Cell(1, 4)
	assert.Equal(t, "conv", name.S)
	pending, _ := p.Cell(0, 8)
	assert.Equal(t, "", pending.S)
	pending, _ = p.Cell(1, 8)
	assert.Equal(t, "later", pending.S)
	note, _ := p.Cell(1, 7)
	assert.Equal(t, CellNull, note.Kind)
}

func TestBuildFromRowErrors(t *testing.T) {
	p := NewPackedTable(1, nil)
	require.NoError(t, p.BuildFromRow(fakeRow{names: []string{"a"}, vals: []interface{}{int64(1)}}, track.OpNone))

	err := p.BuildFromRow(fakeRow{names: []string{"a", "b"}, vals: []interface{}{int64(1), int64(2)}}, track.OpNone)
	require.Error(t, err)
	assert.Equal(t, terrors.ErrCategoryStructural, terrors.GetCategory(err))

	q := NewPackedTable(1, nil)
	err = q.BuildFromRow(fakeRow{names: []string{"op"}, vals: []interface{}{int64(12)}}, track.OpNone)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeOutOfRange, terrors.GetCode(err))
}

func TestEventID(t *testing.T) {
	v := PackEventID(12345, track.OpMemoryCopy)
	id, op := UnpackEventID(v)
	assert.Equal(t, uint64(12345), id)
	assert.Equal(t, track.OpMemoryCopy, op)
	assert.NotEqual(t, PackEventID(12345, track.OpDispatch), v)
}

func TestStringTable(t *testing.T) {
	s := NewStringTable()
	a := s.Intern("gemm")
	b := s.Intern("conv")
	assert.Equal(t, a, s.Intern("gemm"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, uint32(0), s.Intern(""))

	text, ok := s.Lookup(uint64(b))
	require.True(t, ok)
	assert.Equal(t, "conv", text)

	_, ok = s.Lookup(1000)
	assert.False(t, ok)

	num := s.Intern("1024")
	text, numeric := s.ConvertStringReference(uint64(num))
	assert.Equal(t, "1024", text)
	assert.True(t, numeric)
	_, numeric = s.ConvertStringReference(uint64(a))
	assert.False(t, numeric)
}

func TestIsNumericText(t *testing.T) {
	for text, want := range map[string]bool{
		"12": true, "-3.5": true, "1e9": true, "": false, "NaN": false, "Inf": false,
		" 1": false, "0x10": false, "12abc": false, "1.2.3": false,
	} {
		assert.Equal(t, want, IsNumericText(text), text)
	}
}
