package table

import (
	"encoding/binary"
	"math"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/track"
)

// eventOpShift places the operation above the record id in event ids.
const eventOpShift = 60

const eventIDMask = uint64(1)<<eventOpShift - 1

// PackEventID combines a record id and an operation into one event id.
func PackEventID(id uint64, op track.Operation) uint64 {
	return id&eventIDMask | uint64(op)<<eventOpShift
}

// UnpackEventID splits an event id into record id and operation.
func UnpackEventID(v uint64) (uint64, track.Operation) {
	return v & eventIDMask, track.Operation(v >> eventOpShift)
}

// Layout is the column schema shared by every row of one packed table.
// Byte 0 of each row holds the operation code.
type Layout struct {
	columns []ColumnDef
	byName  map[string]int
	rowSize int
}

func newLayout() *Layout {
	return &Layout{byName: make(map[string]int), rowSize: 1}
}

// Columns returns the column definitions in order.
func (l *Layout) Columns() []ColumnDef { return l.columns }

// RowSize returns the packed row width in bytes.
func (l *Layout) RowSize() int { return l.rowSize }

// Column returns the index of the named column.
func (l *Layout) Column(name string) (int, bool) {
	i, ok := l.byName[name]
	return i, ok
}

// PackedTable is the result of one per-track query. The first row fixes
// the schema. A table is written by a single goroutine.
type PackedTable struct {
	TrackID uint32

	layout  *Layout
	rows    [][]byte
	strings *StringTable
}

// NewPackedTable creates an empty table whose strings intern into strs.
func NewPackedTable(trackID uint32, strs *StringTable) *PackedTable {
	if strs == nil {
		strs = NewStringTable()
	}
	return &PackedTable{TrackID: trackID, layout: newLayout(), strings: strs}
}

// Layout returns the table schema.
func (p *PackedTable) Layout() *Layout { return p.layout }

// Strings returns the string table cells resolve through.
func (p *PackedTable) Strings() *StringTable { return p.strings }

// RowCount returns the number of rows.
func (p *PackedTable) RowCount() int { return len(p.rows) }

// ColumnCount returns the number of columns.
func (p *PackedTable) ColumnCount() int { return len(p.layout.columns) }

// AddColumn declares a column. Declaring an existing name with the same
// type and schema returns its index. The schema is fixed once a row exists.
func (p *PackedTable) AddColumn(name string, typ ColumnType, source int, schema Schema) (int, error) {
	if i, ok := p.layout.byName[name]; ok {
		c := p.layout.columns[i]
		if c.Type != typ || c.Schema != schema {
			return 0, terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeSchemaMismatch,
				"column %q redeclared as %s/%s, was %s/%s", name, typ, schema, c.Type, c.Schema)
		}
		return i, nil
	}
	if len(p.rows) > 0 {
		return 0, terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeSchemaMismatch,
			"cannot add column %q after the first row", name)
	}
	p.layout.columns = append(p.layout.columns, ColumnDef{
		Name:   name,
		Type:   typ,
		Source: source,
		Schema: schema,
		Offset: p.layout.rowSize,
	})
	p.layout.byName[name] = len(p.layout.columns) - 1
	p.layout.rowSize += typ.Size()
	return len(p.layout.columns) - 1, nil
}

// AddRow appends a zeroed row tagged with op.
func (p *PackedTable) AddRow(op track.Operation) {
	row := make([]byte, p.layout.rowSize)
	row[0] = byte(op)
	p.rows = append(p.rows, row)
}

func (p *PackedTable) current(col int) ([]byte, ColumnDef, error) {
	if len(p.rows) == 0 {
		return nil, ColumnDef{}, terrors.New(terrors.ErrCategoryStructural, terrors.CodeOutOfRange,
			"AddRow must be called before PlaceValue")
	}
	if col < 0 || col >= len(p.layout.columns) {
		return nil, ColumnDef{}, terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeOutOfRange,
			"column %d out of range", col)
	}
	return p.rows[len(p.rows)-1], p.layout.columns[col], nil
}

// PlaceValue writes an integer into column col of the last row,
// truncating to the column width.
func (p *PackedTable) PlaceValue(col int, v uint64) error {
	row, c, err := p.current(col)
	if err != nil {
		return err
	}
	if c.Type == TypeDouble {
		putDouble(row, c.Offset, float64(v))
		return nil
	}
	putUint(row, c, v)
	return nil
}

// PlaceDouble writes a float into column col of the last row.
func (p *PackedTable) PlaceDouble(col int, v float64) error {
	row, c, err := p.current(col)
	if err != nil {
		return err
	}
	if c.Type == TypeDouble {
		putDouble(row, c.Offset, v)
		return nil
	}
	if c.Schema == SchemaData && c.Type == TypeQword {
		putUint(row, c, uint64(int64(v)))
		return nil
	}
	putUint(row, c, uint64(v))
	return nil
}

// Operation returns the operation code of row.
func (p *PackedTable) Operation(row int) (track.Operation, error) {
	if row < 0 || row >= len(p.rows) {
		return 0, terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeOutOfRange, "row %d out of range", row)
	}
	return track.Operation(p.rows[row][0]), nil
}

// Cell decodes column col of row.
func (p *PackedTable) Cell(row, col int) (Cell, error) {
	if row < 0 || row >= len(p.rows) || col < 0 || col >= len(p.layout.columns) {
		return Cell{}, terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeOutOfRange,
			"cell (%d, %d) out of range", row, col)
	}
	return decode(p.rows[row], p.layout.columns[col], p.strings), nil
}

func putUint(row []byte, c ColumnDef, v uint64) {
	switch c.Type {
	case TypeByte:
		row[c.Offset] = byte(v)
	case TypeWord:
		binary.LittleEndian.PutUint16(row[c.Offset:], uint16(v))
	case TypeDword:
		binary.LittleEndian.PutUint32(row[c.Offset:], uint32(v))
	case TypeQword:
		binary.LittleEndian.PutUint64(row[c.Offset:], v)
	}
}

func putDouble(row []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(row[off:], math.Float64bits(v))
}

func readUint(row []byte, c ColumnDef) uint64 {
	switch c.Type {
	case TypeByte:
		return uint64(row[c.Offset])
	case TypeWord:
		return uint64(binary.LittleEndian.Uint16(row[c.Offset:]))
	case TypeDword:
		return uint64(binary.LittleEndian.Uint32(row[c.Offset:]))
	case TypeQword, TypeDouble:
		return binary.LittleEndian.Uint64(row[c.Offset:])
	}
	return 0
}

// decode interprets one packed column of row according to its schema.
func decode(row []byte, c ColumnDef, strs *StringTable) Cell {
	if c.Type == TypeNull || c.Schema == SchemaNull {
		return Cell{Kind: CellNull}
	}
	if c.Type == TypeDouble {
		return Cell{Kind: CellDouble, F: math.Float64frombits(readUint(row, c))}
	}
	v := readUint(row, c)
	switch c.Schema {
	case SchemaStringRef:
		s, _ := strs.Lookup(v)
		return Cell{Kind: CellString, S: s, U: v}
	case SchemaEventID:
		id, _ := UnpackEventID(v)
		return Cell{Kind: CellUint, U: id}
	case SchemaData:
		if c.Type == TypeQword {
			return Cell{Kind: CellInt, I: int64(v)}
		}
	}
	return Cell{Kind: CellUint, U: v}
}
