package processor

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/arkilian/tracequery/internal/aggregator"
	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/executor"
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

// DefaultLimit is the page size when no LIMIT command is given.
const DefaultLimit = 100

// CountColumn heads the row count of a COUNT result.
const CountColumn = "NumRecords"

// Outcome summarizes one compound query call.
type Outcome struct {
	Bucket  string `json:"bucket"`
	Fetched bool   `json:"fetched"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	// Skipped lists bound tracks unknown to the registry. Their statements
	// were not run.
	Skipped []uint32 `json:"skipped,omitempty"`
	// Unbound counts statements without a track binding, which are ignored.
	Unbound int `json:"unbound,omitempty"`
	// Total is the number of matching rows, or of groups when grouped.
	Total   int  `json:"total"`
	Emitted int  `json:"emitted"`
	Grouped bool `json:"grouped"`
	// Filtered is set when a filter restricted the rows.
	Filtered bool `json:"filtered"`
	// Warnings report stages disabled for this call.
	Warnings []string `json:"warnings,omitempty"`
}

func (o *Outcome) warn(stage string, err error) {
	o.Warnings = append(o.Warnings, stage+": "+err.Error())
}

// Stats are counters of one table processor.
type Stats struct {
	Executions   uint64 `json:"executions"`
	Fetches      uint64 `json:"fetches"`
	FilterHits   uint64 `json:"filter_hits"`
	GroupHits    uint64 `json:"group_hits"`
	FilterPasses uint64 `json:"filter_passes"`
	RowsEmitted  uint64 `json:"rows_emitted"`
	Resets       uint64 `json:"resets"`
}

type statCounters struct {
	executions, fetches, filterHits, groupHits, filterPasses, rowsEmitted, resets atomic.Uint64
}

// TableProcessor caches the merged table of one bucket together with its
// filter, aggregation and sort state. Calls are serialized by an internal
// mutex; a call blocks while another call on the same bucket runs.
type TableProcessor struct {
	bucket  Bucket
	cfg     Config
	exec    *executor.Executor
	reg     *track.Registry
	filters *filterCache
	usage   *observability.QueryStats
	logger  log.Logger
	metrics *observability.Metrics
	stats   statCounters

	mu     sync.Mutex
	merged *table.MergedTable
	tracks *roaring.Bitmap

	filterText  string
	filterValid bool
	filterSet   *roaring.Bitmap

	groupText  string
	groupValid bool
	agg        *aggregator.Aggregator

	rowSort string
	aggSort string

	lastUsed time.Time
	idle     *time.Timer
	closed   bool
}

func newTableProcessor(b Bucket, cfg Config, exec *executor.Executor, reg *track.Registry, filters *filterCache,
	usage *observability.QueryStats, logger log.Logger, metrics *observability.Metrics) *TableProcessor {
	return &TableProcessor{
		bucket:  b,
		cfg:     cfg,
		exec:    exec,
		reg:     reg,
		filters: filters,
		usage:   usage,
		logger:  log.With(logger, "bucket", b.String()),
		metrics: metrics,
		merged:  table.NewMergedTable(nil),
		tracks:  roaring.New(),
	}
}

// Bucket returns the bucket the processor serves.
func (p *TableProcessor) Bucket() Bucket { return p.bucket }

// Stats returns a snapshot of the processor counters.
func (p *TableProcessor) Stats() Stats {
	return Stats{
		Executions:   p.stats.executions.Load(),
		Fetches:      p.stats.fetches.Load(),
		FilterHits:   p.stats.filterHits.Load(),
		GroupHits:    p.stats.groupHits.Load(),
		FilterPasses: p.stats.filterPasses.Load(),
		RowsEmitted:  p.stats.rowsEmitted.Load(),
		Resets:       p.stats.resets.Load(),
	}
}

// Tracks returns the loaded track ids in ascending order.
func (p *TableProcessor) Tracks() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks.ToArray()
}

// RowCount returns the number of merged rows held.
func (p *TableProcessor) RowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.merged.RowCount()
}

// ExecuteCompoundQuery brings the cached state in line with c and emits the
// selected page through rb. Only statements of tracks that were not loaded
// before are executed. When the track set is unchanged and queryUpdated is
// set, every track is fetched again. A failed fetch returns an error and
// keeps the previous state.
func (p *TableProcessor) ExecuteCompoundQuery(ctx context.Context, c track.Compound, queryUpdated bool, rb RowBuilder) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.touch()
	p.stats.executions.Inc()

	out := Outcome{Bucket: p.bucket.String()}
	if err := p.reconcile(ctx, c, queryUpdated, &out); err != nil {
		p.metrics.ObserveCompound(p.bucket.String(), "error", p.merged.RowCount())
		return out, err
	}
	if p.merged.RowCount() == 0 {
		p.metrics.ObserveCompound(p.bucket.String(), "not_loaded", 0)
		return out, terrors.New(terrors.ErrCategoryExecution, terrors.CodeNotLoaded, "no rows loaded for the requested tracks")
	}

	p.applyFilter(c.Param(track.CmdFilter), &out)
	p.applyGroup(c.Param(track.CmdGroup), &out)
	p.applySort(c.Param(track.CmdSort), &out)

	out.Grouped = p.agg != nil
	out.Filtered = p.filterSet != nil
	out.Total = p.total()

	var err error
	if c.Has(track.CmdCount) {
		out.Emitted, err = p.emitCount(rb)
	} else {
		offset := parseCount(c.Param(track.CmdOffset), 0)
		limit := parseCount(c.Param(track.CmdLimit), p.cfg.DefaultLimit)
		out.Emitted, err = p.emitPage(rb, offset, limit)
	}
	if err != nil {
		p.metrics.ObserveCompound(p.bucket.String(), "error", p.merged.RowCount())
		return out, terrors.NewStructuralError(terrors.CodeOutOfRange, "row builder rejected a result").
			WithDetail("cause", err.Error())
	}
	p.stats.rowsEmitted.Add(uint64(out.Emitted))
	p.metrics.Emitted(out.Emitted)
	p.metrics.ObserveCompound(p.bucket.String(), "ok", p.merged.RowCount())
	return out, nil
}

// reconcile diffs the requested track set against the loaded one, fetches
// the added tracks and commits the new rows. Nothing changes on failure.
func (p *TableProcessor) reconcile(ctx context.Context, c track.Compound, queryUpdated bool, out *Outcome) error {
	requested := roaring.New()
	for _, s := range c.Statements {
		switch {
		case !s.Bound:
			out.Unbound++
		case p.reg != nil && !p.known(s.TrackID):
			if !contains(out.Skipped, s.TrackID) {
				out.Skipped = append(out.Skipped, s.TrackID)
			}
		default:
			requested.Add(s.TrackID)
		}
	}
	if len(out.Skipped) > 0 {
		level.Warn(p.logger).Log("msg", "unknown tracks skipped", "tracks", len(out.Skipped))
	}

	removed := roaring.AndNot(p.tracks, requested)
	added := roaring.AndNot(requested, p.tracks)
	full := false
	if removed.IsEmpty() && added.IsEmpty() && queryUpdated && !requested.IsEmpty() {
		removed, added, full = p.tracks.Clone(), requested.Clone(), true
	}
	if removed.IsEmpty() && added.IsEmpty() {
		return nil
	}

	strs := p.merged.Strings()
	if full {
		strs = table.NewStringTable()
	}
	tables, queries := p.plan(c.Statements, added, strs)
	if len(queries) > 0 {
		p.stats.fetches.Inc()
		futures := p.exec.ExecuteQueriesAsync(ctx, queries)
		if err := executor.WaitAll(ctx, futures, p.cfg.WaitTimeout); err != nil {
			level.Warn(p.logger).Log("msg", "compound query fetch failed", "added", added.GetCardinality(), "err", err)
			return err
		}
	}

	if full {
		p.merged = table.NewMergedTable(strs)
	} else {
		p.merged.RemoveRowsForSetOfTracks(removed.ToArray(), false)
	}
	p.merged.Merge(tables)
	p.tracks = requested
	p.invalidate()

	out.Fetched = len(queries) > 0
	out.Added = int(added.GetCardinality())
	out.Removed = int(removed.GetCardinality())
	level.Debug(p.logger).Log("msg", "merged tables", "added", out.Added, "removed", out.Removed,
		"statements", len(queries), "rows", p.merged.RowCount())
	return nil
}

func (p *TableProcessor) known(id uint32) bool {
	_, err := p.reg.Track(id)
	return err == nil
}

func contains(ids []uint32, id uint32) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// plan creates one packed table and query per statement of an added track.
func (p *TableProcessor) plan(stmts []track.Statement, added *roaring.Bitmap, strs *table.StringTable) ([]*table.PackedTable, []executor.Query) {
	var tables []*table.PackedTable
	var queries []executor.Query
	for _, s := range stmts {
		if !s.Bound || !added.Contains(s.TrackID) {
			continue
		}
		op := track.OpNone
		if p.reg != nil {
			if t, err := p.reg.Track(s.TrackID); err == nil {
				op = t.Operation
			}
		}
		pt := table.NewPackedTable(s.TrackID, strs)
		tables = append(tables, pt)
		queries = append(queries, executor.Query{
			SQL:      s.SQL,
			Instance: s.Instance,
			Callback: executor.TableCallback(pt, op),
		})
	}
	return tables, queries
}

// invalidate drops every cache derived from the merged rows.
func (p *TableProcessor) invalidate() {
	p.filterValid = false
	p.filterSet = nil
	p.groupValid = false
	p.agg = nil
	p.rowSort = ""
	p.aggSort = ""
}

func (p *TableProcessor) workers(rows int) int {
	if p.cfg.Workers > 0 {
		return p.cfg.Workers
	}
	return workerCount(rows, p.cfg.RowsPerWorker, runtime.NumCPU())
}

// applyFilter recomputes the filter set when the text or the rows changed.
// A parse or evaluation failure leaves the rows unfiltered for this call.
func (p *TableProcessor) applyFilter(text string, out *Outcome) {
	text = strings.TrimSpace(text)
	if p.filterValid && text == p.filterText {
		if text != "" {
			p.stats.filterHits.Inc()
			p.metrics.CacheHit("filter")
		}
		return
	}

	p.filterText = text
	p.filterValid = true
	p.filterSet = nil
	p.groupValid = false
	if text == "" {
		return
	}

	expr, err := p.filters.get(text)
	if err != nil {
		level.Warn(p.logger).Log("msg", "filter parse failed", "filter", text, "err", err)
		p.metrics.FilterFailure("parse")
		p.filterValid = false
		out.warn("filter", err)
		return
	}
	p.recordColumns(expr, observability.UsageFilter)

	p.stats.filterPasses.Inc()
	set, err := computeFilter(p.merged, expr, p.workers(p.merged.RowCount()))
	if err != nil {
		level.Warn(p.logger).Log("msg", "filter evaluation failed, rows left unfiltered", "filter", text, "err", err)
		p.metrics.FilterFailure("evaluate")
		p.filterValid = false
		out.warn("filter", err)
		return
	}
	p.filterSet = set
}

func (p *TableProcessor) recordColumns(expr *filter.Expression, usage string) {
	if p.usage == nil {
		return
	}
	cols := make(map[string]struct{})
	columnsOf(expr.Root(), cols)
	for c := range cols {
		p.usage.RecordColumn(c, usage)
	}
}

// activeRows returns the physical rows passing the filter in ascending
// order.
func (p *TableProcessor) activeRows() []int {
	if p.filterSet == nil {
		rows := make([]int, p.merged.RowCount())
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	rows := make([]int, 0, p.filterSet.GetCardinality())
	it := p.filterSet.Iterator()
	for it.HasNext() {
		rows = append(rows, int(it.Next()))
	}
	return rows
}

// applyGroup aggregates the filtered rows when the GROUP text or its input
// changed. A malformed spec leaves the view ungrouped for this call.
func (p *TableProcessor) applyGroup(text string, out *Outcome) {
	text = strings.TrimSpace(text)
	if text == "" {
		p.groupText, p.groupValid, p.agg = "", true, nil
		return
	}
	if p.groupValid && p.agg != nil && text == p.groupText {
		p.stats.groupHits.Inc()
		p.metrics.CacheHit("group")
		return
	}

	rows := p.activeRows()
	parts := partitions(len(rows), p.workers(len(rows)))
	agg := aggregator.New(p.merged)
	if err := agg.Setup(text, max(1, len(parts))); err != nil {
		level.Warn(p.logger).Log("msg", "group spec rejected", "group", text, "err", err)
		p.metrics.FilterFailure("group")
		p.groupText, p.groupValid, p.agg = "", false, nil
		out.warn("group", err)
		return
	}
	if p.usage != nil {
		for _, it := range agg.Items() {
			if it.Column != "*" {
				p.usage.RecordColumn(it.Column, observability.UsageGroup)
			}
		}
	}

	var g errgroup.Group
	for slot, part := range parts {
		slot, part := slot, part
		g.Go(func() error {
			for i := part[0]; i < part[1]; i++ {
				agg.AggregateRow(rows[i], slot)
			}
			return nil
		})
	}
	_ = g.Wait()
	agg.Finalize()

	p.agg = agg
	p.groupText = text
	p.groupValid = true
	p.aggSort = ""
}

// applySort reorders the grouped or ungrouped view when the SORT text
// differs from the order currently applied.
func (p *TableProcessor) applySort(param string, out *Outcome) {
	param = strings.Join(strings.Fields(param), " ")
	col, desc := track.SortOrder(param)

	applied := &p.rowSort
	if p.agg != nil {
		applied = &p.aggSort
	}
	if *applied == param {
		return
	}

	var err error
	switch {
	case param == "" && p.agg != nil:
		p.agg.ResetOrder()
	case param == "":
		p.merged.CreateSortOrderArray()
	case p.agg != nil:
		err = p.agg.SortByColumn(col, desc)
	default:
		err = p.merged.SortByColumn(col, desc)
	}
	if err != nil {
		level.Warn(p.logger).Log("msg", "sort rejected", "sort", param, "err", err)
		out.warn("sort", err)
		param = ""
		if p.agg != nil {
			p.agg.ResetOrder()
		} else {
			p.merged.CreateSortOrderArray()
		}
	} else if p.usage != nil && col != "" {
		p.usage.RecordColumn(col, observability.UsageSort)
	}
	*applied = param
}

func (p *TableProcessor) total() int {
	switch {
	case p.agg != nil:
		return p.agg.RowCount()
	case p.filterSet != nil:
		return int(p.filterSet.GetCardinality())
	}
	return p.merged.RowCount()
}

// visibleColumns returns the merged columns that are emitted.
func (p *TableProcessor) visibleColumns() ([]int, []string) {
	var idx []int
	var names []string
	for i, c := range p.merged.Columns() {
		if c.Hidden() {
			continue
		}
		idx = append(idx, i)
		names = append(names, c.Name)
	}
	return idx, names
}

// eachRow visits the selected rows in view order until fn returns false.
// Grouped views yield aggregate rows, other views merged rows passing the
// filter. Every cell comes with a flag telling whether its text is numeric.
func (p *TableProcessor) eachRow(fn func(texts []string, numeric []bool) bool) {
	if p.agg != nil {
		n := len(p.agg.Columns())
		texts, numeric := make([]string, n), make([]bool, n)
		for i := 0; i < p.agg.RowCount(); i++ {
			for k, r := range p.agg.Row(i) {
				texts[k], numeric[k] = p.agg.Text(r)
			}
			if !fn(texts, numeric) {
				return
			}
		}
		return
	}

	cols, _ := p.visibleColumns()
	texts, numeric := make([]string, len(cols)), make([]bool, len(cols))
	for i := 0; i < p.merged.RowCount(); i++ {
		phys := p.merged.SortedIndex(i)
		if p.filterSet != nil && !p.filterSet.Contains(uint32(phys)) {
			continue
		}
		for k, c := range cols {
			texts[k], numeric[k] = p.merged.DisplayCell(phys, c)
		}
		if !fn(texts, numeric) {
			return
		}
	}
}

func (p *TableProcessor) columnNames() []string {
	if p.agg != nil {
		return p.agg.Columns()
	}
	_, names := p.visibleColumns()
	return names
}

func (p *TableProcessor) emitPage(rb RowBuilder, offset, limit uint64) (int, error) {
	em, err := newEmitter(rb, p.columnNames())
	if err != nil {
		return 0, err
	}
	var pos uint64
	p.eachRow(func(texts []string, _ []bool) bool {
		if pos >= offset+limit {
			return false
		}
		if pos >= offset {
			if err = em.row(texts); err != nil {
				return false
			}
		}
		pos++
		return true
	})
	return em.rows, err
}

// emitCount emits one row holding the number of matching rows or groups
// followed by the first of them.
func (p *TableProcessor) emitCount(rb RowBuilder) (int, error) {
	names := append([]string{CountColumn}, p.columnNames()...)
	em, err := newEmitter(rb, names)
	if err != nil {
		return 0, err
	}
	cells := make([]string, len(names))
	cells[0] = strconv.Itoa(p.total())
	p.eachRow(func(texts []string, _ []bool) bool {
		copy(cells[1:], texts)
		return false
	})
	return 1, em.row(cells)
}

// parseCount reads a LIMIT or OFFSET parameter, falling back to def when
// it is absent or malformed.
func parseCount(param string, def uint64) uint64 {
	param = strings.TrimSpace(param)
	if param == "" {
		return def
	}
	n, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Reset drops the cached tables and every derived state.
func (p *TableProcessor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *TableProcessor) resetLocked() {
	p.merged = table.NewMergedTable(nil)
	p.tracks = roaring.New()
	p.filterText, p.groupText = "", ""
	p.invalidate()
	p.stats.resets.Inc()
	p.metrics.ObserveCompound(p.bucket.String(), "reset", 0)
}

// touch restarts the idle timer. Called with p.mu held.
func (p *TableProcessor) touch() {
	p.lastUsed = time.Now()
	if p.cfg.IdleReset <= 0 || p.closed {
		return
	}
	if p.idle == nil {
		p.idle = time.AfterFunc(p.cfg.IdleReset, p.expire)
		return
	}
	p.idle.Reset(p.cfg.IdleReset)
}

func (p *TableProcessor) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || time.Since(p.lastUsed) < p.cfg.IdleReset || p.merged.RowCount() == 0 {
		return
	}
	level.Info(p.logger).Log("msg", "idle table processor reset", "rows", p.merged.RowCount())
	p.resetLocked()
}

// Close stops the idle timer.
func (p *TableProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.idle != nil {
		p.idle.Stop()
	}
}
