package filter

import (
	"strconv"
)

// Value is a tagged number-or-string cell value.
type Value struct {
	num   float64
	str   string
	isStr bool
}

// Num returns a numeric Value.
func Num(v float64) Value {
	return Value{num: v}
}

// Str returns a string Value.
func Str(s string) Value {
	return Value{str: s, isStr: true}
}

// IsString reports whether the value holds a string.
func (v Value) IsString() bool { return v.isStr }

// Float returns the numeric payload. It is zero for string values.
func (v Value) Float() float64 { return v.num }

// Text returns the string payload. It is empty for numeric values.
func (v Value) Text() string { return v.str }

func (v Value) String() string {
	if v.isStr {
		return strconv.Quote(v.str)
	}
	return strconv.FormatFloat(v.num, 'g', -1, 64)
}

// Row is a read-only view of one row, addressed by column name.
type Row interface {
	Lookup(column string) (Value, bool)
}

// MapRow is a Row backed by a map.
type MapRow map[string]Value

// Lookup implements Row.
func (m MapRow) Lookup(column string) (Value, bool) {
	v, ok := m[column]
	return v, ok
}
