// Package aggregator computes GROUP results over merged table rows with
// per-worker accumulator slots merged once after all workers finish.
package aggregator

import (
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/table"
)

// NumericType tags how a result cell is rendered.
type NumericType int

const (
	NotNumeric NumericType = iota
	NumericUInt64
	NumericDouble
)

// Result is one finalized cell. NotNumeric cells hold an id into the
// aggregator's string table in U.
type Result struct {
	Type NumericType
	U    uint64
	F    float64
}

func uintResult(v uint64) Result { return Result{Type: NumericUInt64, U: v} }
func doubleResult(v float64) Result { return Result{Type: NumericDouble, F: v} }

// Float returns the numeric value of a result, 0 for strings.
func (r Result) Float() float64 {
	switch r.Type {
	case NumericUInt64:
		return float64(r.U)
	case NumericDouble:
		return r.F
	}
	return 0
}

// Partial holds the running state of one aggregation item for one group.
// Sums and extremes stay unsigned integers while every value seen is a
// non-negative integer, and switch to doubles otherwise.
type Partial struct {
	Func  filter.AggregateFunc
	Count uint64
	Sum   float64
	USum  uint64
	FMin  float64
	FMax  float64
	UMin  uint64
	UMax  uint64
	// Integral is true while every accumulated value was unsigned.
	Integral bool
	IsSet    bool
}

// NewPartial creates an empty partial for fn.
func NewPartial(fn filter.AggregateFunc) *Partial {
	return &Partial{Func: fn}
}

func unsignedOf(c table.Cell) (uint64, bool) {
	switch c.Kind {
	case table.CellUint:
		return c.U, true
	case table.CellInt:
		if c.I >= 0 {
			return uint64(c.I), true
		}
	}
	return 0, false
}

// Accumulate folds one cell. Missing cells are ignored by every function,
// non-numeric cells by all but COUNT.
func (p *Partial) Accumulate(c table.Cell) {
	if c.Missing() {
		return
	}
	if p.Func == filter.AggCount {
		p.Count++
		p.IsSet = true
		return
	}
	if !c.IsNumeric() {
		return
	}

	u, isU := unsignedOf(c)
	f := c.Float()
	if !p.IsSet {
		p.Integral = isU
		p.FMin, p.FMax = f, f
		p.UMin, p.UMax = u, u
		p.IsSet = true
	} else {
		p.Integral = p.Integral && isU
		if f < p.FMin {
			p.FMin = f
		}
		if f > p.FMax {
			p.FMax = f
		}
		if isU {
			if u < p.UMin {
				p.UMin = u
			}
			if u > p.UMax {
				p.UMax = u
			}
		}
	}
	p.Sum += f
	if isU {
		p.USum += u
	}
	p.Count++
}

// Result returns the final value of the partial.
func (p *Partial) Result() Result {
	if p.Func == filter.AggCount {
		return uintResult(p.Count)
	}
	if !p.IsSet {
		return Result{Type: NotNumeric}
	}
	switch p.Func {
	case filter.AggSum:
		if p.Integral {
			return uintResult(p.USum)
		}
		return doubleResult(p.Sum)
	case filter.AggAvg:
		return doubleResult(p.Sum / float64(p.Count))
	case filter.AggMin:
		if p.Integral {
			return uintResult(p.UMin)
		}
		return doubleResult(p.FMin)
	case filter.AggMax:
		if p.Integral {
			return uintResult(p.UMax)
		}
		return doubleResult(p.FMax)
	}
	return Result{Type: NotNumeric}
}

// mergeInto merges src into dest.
func mergeInto(dest, src *Partial) {
	if !src.IsSet {
		return
	}
	if !dest.IsSet {
		*dest = *src
		return
	}
	dest.Count += src.Count
	dest.Sum += src.Sum
	dest.USum += src.USum
	dest.Integral = dest.Integral && src.Integral
	if src.FMin < dest.FMin {
		dest.FMin = src.FMin
	}
	if src.FMax > dest.FMax {
		dest.FMax = src.FMax
	}
	if src.UMin < dest.UMin {
		dest.UMin = src.UMin
	}
	if src.UMax > dest.UMax {
		dest.UMax = src.UMax
	}
}
