package executor

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

// RowView is the current row of a running statement. It is only valid for
// the duration of one callback.
type RowView struct {
	names []string
	decl  []string
	vals  []interface{}
	ptrs  []interface{}
}

var _ table.RowSource = (*RowView)(nil)

func newRowView(rows *sql.Rows) (*RowView, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	v := &RowView{
		names: names,
		decl:  make([]string, len(names)),
		vals:  make([]interface{}, len(names)),
		ptrs:  make([]interface{}, len(names)),
	}
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			v.decl[i] = ct.DatabaseTypeName()
		}
	}
	for i := range v.vals {
		v.ptrs[i] = &v.vals[i]
	}
	return v, nil
}

func (v *RowView) scan(rows *sql.Rows) error {
	for i := range v.vals {
		v.vals[i] = nil
	}
	return rows.Scan(v.ptrs...)
}

// ColumnCount returns the number of result columns.
func (v *RowView) ColumnCount() int { return len(v.names) }

// ColumnName returns the name of column i.
func (v *RowView) ColumnName(i int) string { return v.names[i] }

// DeclType returns the declared type of column i, empty for expressions.
func (v *RowView) DeclType(i int) string { return v.decl[i] }

// Value returns the raw driver value of column i.
func (v *RowView) Value(i int) interface{} { return v.vals[i] }

// Kind classifies the value of column i.
func (v *RowView) Kind(i int) table.ValueKind {
	switch v.vals[i].(type) {
	case nil:
		return table.KindNull
	case int64, bool:
		return table.KindInt
	case float64:
		return table.KindFloat
	}
	return table.KindText
}

// Int returns column i as an integer.
func (v *RowView) Int(i int) int64 {
	switch x := v.vals[i].(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case []byte:
		n, _ := strconv.ParseInt(string(x), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case time.Time:
		return x.UnixNano()
	}
	return 0
}

// Float returns column i as a float.
func (v *RowView) Float(i int) float64 {
	switch x := v.vals[i].(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case []byte:
		f, _ := strconv.ParseFloat(string(x), 64)
		return f
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return float64(v.Int(i))
}

// Text returns column i as text.
func (v *RowView) Text(i int) string {
	switch x := v.vals[i].(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return table.FormatDouble(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return strconv.FormatInt(v.Int(i), 10)
}

// RowCallback consumes the rows of one statement. Returning an error stops
// the statement and fails its future.
type RowCallback interface {
	OnRow(row *RowView) error
}

// RowCallbackFunc adapts a function to RowCallback.
type RowCallbackFunc func(row *RowView) error

// OnRow calls f.
func (f RowCallbackFunc) OnRow(row *RowView) error { return f(row) }

// TableCallback builds rows into p. Rows without an operation column get op.
func TableCallback(p *table.PackedTable, op track.Operation) RowCallback {
	return RowCallbackFunc(func(row *RowView) error {
		return p.BuildFromRow(row, op)
	})
}
