package processor

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/errgroup"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/table"
)

// DefaultRowsPerWorker is the row count that justifies one more filter or
// aggregation worker.
const DefaultRowsPerWorker = 10000

// workerCount returns min(cpus-1, rows/perWorker), at least 1.
func workerCount(rows, perWorker, cpus int) int {
	if perWorker <= 0 {
		perWorker = DefaultRowsPerWorker
	}
	n := min(cpus-1, rows/perWorker)
	if n < 1 {
		return 1
	}
	return n
}

// partitions splits [0, n) into threads ranges of n/threads rows, plus one
// range with the remainder.
func partitions(n, threads int) [][2]int {
	if n <= 0 {
		return nil
	}
	threads = max(1, min(threads, n))
	size := n / threads
	out := make([][2]int, 0, threads+1)
	for i := 0; i < threads; i++ {
		out = append(out, [2]int{i * size, (i + 1) * size})
	}
	if end := size * threads; end < n {
		out = append(out, [2]int{end, n})
	}
	return out
}

// columnsOf collects the column names an expression reads.
func columnsOf(n filter.Node, out map[string]struct{}) {
	switch x := n.(type) {
	case *filter.AndNode:
		columnsOf(x.Left, out)
		columnsOf(x.Right, out)
	case *filter.OrNode:
		columnsOf(x.Left, out)
		columnsOf(x.Right, out)
	case *filter.NotNode:
		columnsOf(x.Operand, out)
	case *filter.Condition:
		operandColumns(x.Left, out)
		operandColumns(x.Right, out)
	}
}

func operandColumns(o filter.Operand, out map[string]struct{}) {
	switch x := o.(type) {
	case *filter.ColumnRef:
		out[x.Name] = struct{}{}
	case *filter.Arithmetic:
		operandColumns(x.Left, out)
		operandColumns(x.Right, out)
	}
}

// computeFilter evaluates expr over every physical row of m using workers
// goroutines and returns the matching physical row indices. A column the
// merged table lacks fails the pass up front. Columns a row's operation
// lacks read as the empty string. Any evaluation error fails the whole
// pass; the remaining rows of the failing worker are not evaluated.
func computeFilter(m *table.MergedTable, expr *filter.Expression, workers int) (*roaring.Bitmap, error) {
	cols := make(map[string]struct{})
	columnsOf(expr.Root(), cols)
	for c := range cols {
		if _, ok := m.ColumnIndex(c); !ok {
			return nil, terrors.Newf(terrors.ErrCategoryExecution, terrors.CodeUnknownColumn,
				"filter references unknown column %q", c)
		}
	}

	var (
		mu  sync.Mutex
		out = roaring.New()
		g   errgroup.Group
	)
	for _, part := range partitions(m.RowCount(), workers) {
		part := part
		local := expr.Clone()
		g.Go(func() error {
			matches := roaring.New()
			for phys := part[0]; phys < part[1]; phys++ {
				ok, err := local.Evaluate(m.Row(phys))
				if err != nil {
					if terrors.GetCode(err) == terrors.CodeUnknownColumn {
						continue
					}
					return err
				}
				if ok {
					matches.Add(uint32(phys))
				}
			}
			mu.Lock()
			out.Or(matches)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
