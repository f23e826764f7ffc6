package table

import (
	"math"
	"strconv"
	"strings"

	"github.com/arkilian/tracequery/internal/filter"
)

// CellKind describes how a decoded cell is interpreted.
type CellKind uint8

const (
	// CellAbsent marks a column the row's layout does not define.
	CellAbsent CellKind = iota
	CellNull
	CellUint
	CellInt
	CellDouble
	CellString
)

// Cell is one decoded value of a packed row.
type Cell struct {
	Kind CellKind
	U    uint64
	I    int64
	F    float64
	S    string
}

// IsNumeric reports whether the cell holds a number.
func (c Cell) IsNumeric() bool {
	return c.Kind == CellUint || c.Kind == CellInt || c.Kind == CellDouble
}

// Missing reports whether the cell has no value.
func (c Cell) Missing() bool {
	return c.Kind == CellAbsent || c.Kind == CellNull
}

// Float returns the numeric value of the cell, 0 for non-numbers.
func (c Cell) Float() float64 {
	switch c.Kind {
	case CellUint:
		return float64(c.U)
	case CellInt:
		return float64(c.I)
	case CellDouble:
		return c.F
	}
	return 0
}

// Text formats the cell for display.
func (c Cell) Text() string {
	switch c.Kind {
	case CellUint:
		return strconv.FormatUint(c.U, 10)
	case CellInt:
		return strconv.FormatInt(c.I, 10)
	case CellDouble:
		return FormatDouble(c.F)
	case CellString:
		return c.S
	}
	return ""
}

// Value converts the cell for filter evaluation.
func (c Cell) Value() (filter.Value, bool) {
	switch c.Kind {
	case CellString:
		return filter.Str(c.S), true
	case CellUint, CellInt, CellDouble:
		return filter.Num(c.Float()), true
	}
	return filter.Value{}, false
}

// FormatDouble renders a float without trailing zeros.
func FormatDouble(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// CompareCells orders two present cells: numbers before strings, numbers
// by value, strings lexically.
func CompareCells(a, b Cell) int {
	an, bn := a.IsNumeric(), b.IsNumeric()
	switch {
	case an && bn:
		if a.Kind == CellUint && b.Kind == CellUint {
			return cmpOrdered(a.U, b.U)
		}
		if a.Kind == CellInt && b.Kind == CellInt {
			return cmpOrdered(a.I, b.I)
		}
		return cmpOrdered(a.Float(), b.Float())
	case an:
		return -1
	case bn:
		return 1
	}
	return strings.Compare(a.S, b.S)
}

func cmpOrdered[T uint64 | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
