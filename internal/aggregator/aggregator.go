package aggregator

import (
	"sort"
	"strconv"
	"strings"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

// Default result column names used when a GROUP command names no aggregate.
const (
	DefaultCountName = "Count"
	DefaultMinName   = "Min"
	DefaultMaxName   = "Max"
	DefaultAvgName   = "Avg"
)

// Source is the row store an aggregator reads. *table.MergedTable
// satisfies it.
type Source interface {
	ColumnIndex(name string) (int, bool)
	Cell(phys, col int) table.Cell
}

// Aggregator groups rows of a Source. Setup fixes the items and the number
// of worker slots; AggregateRow may then be called concurrently as long as
// each slot is used by one goroutine at a time. Finalize merges the slots,
// after which results can be sorted and read.
type Aggregator struct {
	src     Source
	strings *table.StringTable

	spec    string
	items   []filter.AggregationItem
	cols    []int // source column per item, -1 for COUNT(*)
	groupAt []int // item positions of group columns
	aggAt   []int // item positions of aggregates

	slots     []slot
	results   []*group
	order     []int
	finalized bool
}

// New creates an aggregator over src.
func New(src Source) *Aggregator {
	return &Aggregator{src: src, strings: table.NewStringTable()}
}

// Setup parses a GROUP parameter and prepares threads accumulator slots.
func (a *Aggregator) Setup(spec string, threads int) error {
	items, err := filter.ParseAggregationSpec(spec)
	if err != nil {
		return err
	}
	if err := a.SetupItems(items, threads); err != nil {
		return err
	}
	a.spec = spec
	return nil
}

// SetupItems prepares the aggregator for already parsed items. A list with
// only group columns gets the default Count, and Min, Max and Avg of the
// duration column when the source has one.
func (a *Aggregator) SetupItems(items []filter.AggregationItem, threads int) error {
	items = withDefaults(items, a.src)

	cols := make([]int, len(items))
	var groupAt, aggAt []int
	for i, it := range items {
		if it.Func == filter.AggCount && it.Column == "*" {
			cols[i] = -1
			aggAt = append(aggAt, i)
			continue
		}
		col, ok := a.src.ColumnIndex(it.Column)
		if !ok {
			return terrors.Newf(terrors.ErrCategoryValidation, terrors.CodeUnknownColumn,
				"unknown aggregation column %q", it.Column).WithDetail("item", it.PublicName)
		}
		cols[i] = col
		if it.Func == filter.AggGroup {
			groupAt = append(groupAt, i)
		} else {
			aggAt = append(aggAt, i)
		}
	}
	if threads < 1 {
		threads = 1
	}

	a.items = items
	a.cols = cols
	a.groupAt = groupAt
	a.aggAt = aggAt
	a.spec = ""
	a.slots = make([]slot, threads)
	for i := range a.slots {
		a.slots[i] = make(slot)
	}
	a.results = nil
	a.order = nil
	a.finalized = false
	return nil
}

func withDefaults(items []filter.AggregationItem, src Source) []filter.AggregationItem {
	for _, it := range items {
		if it.Func != filter.AggGroup {
			return items
		}
	}
	out := append([]filter.AggregationItem(nil), items...)
	out = append(out, filter.AggregationItem{Column: "*", Func: filter.AggCount, PublicName: DefaultCountName})
	if _, ok := src.ColumnIndex(track.ColumnDuration); ok {
		out = append(out,
			filter.AggregationItem{Column: track.ColumnDuration, Func: filter.AggMin, PublicName: DefaultMinName},
			filter.AggregationItem{Column: track.ColumnDuration, Func: filter.AggMax, PublicName: DefaultMaxName},
			filter.AggregationItem{Column: track.ColumnDuration, Func: filter.AggAvg, PublicName: DefaultAvgName},
		)
	}
	return out
}

// Spec returns the GROUP parameter given to Setup.
func (a *Aggregator) Spec() string { return a.spec }

// Threads returns the number of accumulator slots.
func (a *Aggregator) Threads() int { return len(a.slots) }

// Items returns the effective items, defaults included.
func (a *Aggregator) Items() []filter.AggregationItem { return a.items }

// AggregateRow folds physical row phys into slot. Calls after Finalize are
// ignored.
func (a *Aggregator) AggregateRow(phys, slotIdx int) {
	if a.finalized {
		return
	}
	s := a.slots[slotIdx]

	cells := make([]table.Cell, len(a.groupAt))
	for i, at := range a.groupAt {
		cells[i] = a.src.Cell(phys, a.cols[at])
	}
	key, values := groupKey(make([]byte, 0, 9*len(cells)), cells, a.strings)
	hash := hashKey(key)

	g := s.find(hash, key)
	if g == nil {
		g = &group{hash: hash, key: key, values: values, partials: make([]*Partial, len(a.aggAt))}
		for i, at := range a.aggAt {
			g.partials[i] = NewPartial(a.items[at].Func)
		}
		s.insert(g)
	}
	for i, at := range a.aggAt {
		if a.cols[at] < 0 {
			g.partials[i].Accumulate(table.Cell{Kind: table.CellUint, U: 1})
			continue
		}
		g.partials[i].Accumulate(a.src.Cell(phys, a.cols[at]))
	}
}

// Finalize merges all slots into the result rows and resets the sort
// order to group key order. A second call does nothing.
func (a *Aggregator) Finalize() {
	if a.finalized {
		return
	}
	merged := make(slot)
	var results []*group
	for _, s := range a.slots {
		for _, bucket := range s {
			for _, g := range bucket {
				dst := merged.find(g.hash, g.key)
				if dst == nil {
					merged.insert(g)
					results = append(results, g)
					continue
				}
				for i, p := range g.partials {
					mergeInto(dst.partials[i], p)
				}
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		for k := range results[i].values {
			if c := a.compareResults(results[i].values[k], results[j].values[k]); c != 0 {
				return c < 0
			}
		}
		return string(results[i].key) < string(results[j].key)
	})

	a.results = results
	a.slots = nil
	a.order = make([]int, len(results))
	for i := range a.order {
		a.order[i] = i
	}
	a.finalized = true
}

// Finalized reports whether Finalize has run.
func (a *Aggregator) Finalized() bool { return a.finalized }

// RowCount returns the number of result groups.
func (a *Aggregator) RowCount() int { return len(a.results) }

// Columns returns the public names of the result columns.
func (a *Aggregator) Columns() []string {
	names := make([]string, len(a.items))
	for i, it := range a.items {
		names[i] = it.PublicName
	}
	return names
}

// ColumnIndex finds a result column by public name, falling back to a case
// insensitive match.
func (a *Aggregator) ColumnIndex(name string) (int, bool) {
	for i, it := range a.items {
		if it.PublicName == name {
			return i, true
		}
	}
	for i, it := range a.items {
		if strings.EqualFold(it.PublicName, name) {
			return i, true
		}
	}
	return 0, false
}

// Row returns the result cells of the group at logical position i, one per
// item in item order.
func (a *Aggregator) Row(i int) []Result {
	g := a.results[a.order[i]]
	out := make([]Result, len(a.items))
	for k, at := range a.groupAt {
		out[at] = g.values[k]
	}
	for k, at := range a.aggAt {
		out[at] = g.partials[k].Result()
	}
	return out
}

// SortByColumn stably reorders the results by a result column. It must be
// called after Finalize.
func (a *Aggregator) SortByColumn(name string, desc bool) error {
	if !a.finalized {
		return terrors.New(terrors.ErrCategoryInternal, terrors.CodeUnexpected,
			"aggregation results sorted before finalize")
	}
	col, ok := a.ColumnIndex(name)
	if !ok {
		return terrors.Newf(terrors.ErrCategoryValidation, terrors.CodeUnknownColumn,
			"unknown aggregation column %q", name)
	}
	keys := make([]Result, len(a.results))
	for i := range a.results {
		a.order[i] = i
	}
	for i := range a.results {
		keys[i] = a.Row(i)[col]
	}
	sort.SliceStable(a.order, func(i, j int) bool {
		c := a.compareResults(keys[a.order[i]], keys[a.order[j]])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return nil
}

// ResetOrder restores group key order.
func (a *Aggregator) ResetOrder() {
	for i := range a.order {
		a.order[i] = i
	}
}

// compareResults orders numbers before strings, numbers by value and
// strings lexically.
func (a *Aggregator) compareResults(x, y Result) int {
	xs, ys := x.Type == NotNumeric, y.Type == NotNumeric
	switch {
	case xs && ys:
		tx, _ := a.strings.Lookup(x.U)
		ty, _ := a.strings.Lookup(y.U)
		return strings.Compare(tx, ty)
	case xs:
		return 1
	case ys:
		return -1
	}
	if x.Type == NumericUInt64 && y.Type == NumericUInt64 {
		switch {
		case x.U < y.U:
			return -1
		case x.U > y.U:
			return 1
		}
		return 0
	}
	fx, fy := x.Float(), y.Float()
	switch {
	case fx < fy:
		return -1
	case fx > fy:
		return 1
	}
	return 0
}

// Text formats a result cell and reports whether the text is numeric.
func (a *Aggregator) Text(r Result) (string, bool) {
	switch r.Type {
	case NumericUInt64:
		return strconv.FormatUint(r.U, 10), true
	case NumericDouble:
		return table.FormatDouble(r.F), true
	}
	return a.strings.ConvertStringReference(r.U)
}
