package table

import (
	"strings"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/track"
)

// ValueKind is the storage class of one result cell.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindText
)

// RowSource is one result row as delivered by the relational backend.
type RowSource interface {
	ColumnCount() int
	ColumnName(i int) string
	// DeclType is the declared SQL type of the column, or "" for
	// expressions.
	DeclType(i int) string
	Kind(i int) ValueKind
	Int(i int) int64
	Float(i int) float64
	Text(i int) string
}

// BuildFromRow appends src as a new row. The first row defines the schema
// from column names, declared types and value kinds. Later rows must have
// the same column count. The operation comes from the "op" column when the
// row has one, otherwise defaultOp is used.
func (p *PackedTable) BuildFromRow(src RowSource, defaultOp track.Operation) error {
	n := src.ColumnCount()
	if len(p.rows) == 0 && len(p.layout.columns) == 0 {
		for i := 0; i < n; i++ {
			typ, schema := inferColumn(src, i)
			if _, err := p.AddColumn(src.ColumnName(i), typ, i, schema); err != nil {
				return err
			}
		}
	}
	if n != len(p.layout.columns) {
		return terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeSchemaMismatch,
			"row has %d columns, table has %d", n, len(p.layout.columns))
	}

	op := defaultOp
	if i, ok := p.layout.byName[track.ColumnOperation]; ok && src.Kind(i) == KindInt {
		v := src.Int(i)
		if v < 0 || v >= int64(track.NumOperations) {
			return terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeOutOfRange,
				"operation code %d out of range", v)
		}
		op = track.Operation(v)
	}

	p.AddRow(op)
	for col, c := range p.layout.columns {
		if err := p.placeFrom(src, col, c, op); err != nil {
			return err
		}
	}
	return nil
}

func (p *PackedTable) placeFrom(src RowSource, col int, c ColumnDef, op track.Operation) error {
	i := c.Source
	kind := src.Kind(i)
	if kind == KindNull || c.Type == TypeNull {
		return nil
	}
	switch c.Schema {
	case SchemaStringRef:
		return p.PlaceValue(col, uint64(p.strings.Intern(src.Text(i))))
	case SchemaEventID:
		return p.PlaceValue(col, PackEventID(uint64(src.Int(i)), op))
	case SchemaOperation:
		return p.PlaceValue(col, uint64(op))
	}
	if kind == KindText {
		// A text value in a numeric column keeps its numeric reading.
		if c.Type == TypeDouble {
			return p.PlaceDouble(col, src.Float(i))
		}
		return p.PlaceValue(col, uint64(src.Int(i)))
	}
	if c.Type == TypeDouble || kind == KindFloat {
		return p.PlaceDouble(col, src.Float(i))
	}
	return p.PlaceValue(col, uint64(src.Int(i)))
}

// inferColumn picks the packed type and schema for column i of the first
// row. Service columns have fixed types. Everything else follows the value
// kind, falling back to the declared type for NULL values.
func inferColumn(src RowSource, i int) (ColumnType, Schema) {
	switch src.ColumnName(i) {
	case track.ColumnOperation:
		return TypeByte, SchemaOperation
	case track.ColumnEventID:
		return TypeQword, SchemaEventID
	case track.ColumnCounterValue:
		return TypeDouble, SchemaCounterValue
	case track.ColumnTrackID:
		return TypeDword, SchemaTrackID
	case track.ColumnStreamTrackID:
		return TypeDword, SchemaStreamTrackID
	}

	kind := src.Kind(i)
	if kind == KindNull {
		kind = kindFromDecl(src.DeclType(i))
	}
	switch kind {
	case KindInt:
		return TypeQword, SchemaData
	case KindFloat:
		return TypeDouble, SchemaData
	case KindText:
		return TypeQword, SchemaStringRef
	}
	return TypeNull, SchemaNull
}

// kindFromDecl applies SQLite's type affinity rules to a declared type.
func kindFromDecl(decl string) ValueKind {
	d := strings.ToUpper(decl)
	switch {
	case d == "":
		return KindNull
	case strings.Contains(d, "INT"):
		return KindInt
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return KindText
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return KindFloat
	}
	return KindNull
}
