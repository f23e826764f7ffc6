package processor

import (
	"context"
	"sort"

	"github.com/go-kit/log/level"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/executor"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

// PlanRequest selects the tracks and commands of a planned compound query.
type PlanRequest struct {
	// Tracks lists the track ids to load. Listed counter and stream tracks
	// are always planned.
	Tracks []uint32 `json:"tracks"`
	// Category restricts an empty track list to one category such as
	// "kernel-dispatch". Without either, every track the configured plan
	// flags admit is planned.
	Category string          `json:"category"`
	Commands []track.Command `json:"commands"`
	// NoSplit plans one statement per track.
	NoSplit bool `json:"no_split"`
}

// Plan builds compound query text over the selected tracks with the
// configured plan flags. It also returns the ids that could not be planned.
func (p *Processor) Plan(req PlanRequest) (track.Compound, []uint32, error) {
	if p.builder == nil {
		return track.Compound{}, nil, terrors.NewValidationError(terrors.CodeNotLoaded, "no tracks are registered")
	}
	flags := p.cfg.PlanFlags
	if req.NoSplit {
		flags &^= track.TrySplit
	}

	ids := req.Tracks
	switch {
	case len(ids) > 0:
		flags |= track.IncludePMC | track.IncludeStreams
	case req.Category != "":
		c, err := track.ParseCategory(req.Category)
		if err != nil {
			return track.Compound{}, nil, terrors.NewValidationError(terrors.CodeInvalidRequest, err.Error())
		}
		switch c {
		case track.PMC:
			flags |= track.IncludePMC
		case track.Stream:
			flags |= track.IncludeStreams
		}
		for _, t := range p.reg.Tracks() {
			if t.Category == c {
				ids = append(ids, t.ID)
			}
		}
		if len(ids) == 0 {
			return track.Compound{}, nil, terrors.Newf(terrors.ErrCategoryValidation, terrors.CodeUnknownTrack,
				"no %s tracks are registered", c)
		}
	}

	c, skipped, err := p.builder.BuildCompoundQuery(track.PlanOptions{
		Flags:     flags,
		QueryType: track.QueryTable,
		Prefix:    "SELECT *, ",
		Tracks:    ids,
	}, req.Commands...)
	if err != nil {
		return c, skipped, err
	}
	if len(c.Statements) == 0 {
		return c, skipped, terrors.NewValidationError(terrors.CodeEmptyQuery, "no tracks selected")
	}
	return c, skipped, nil
}

// SliceRequest selects the records of tracks that overlap [Start, End].
type SliceRequest struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	// Tracks lists the track ids. Empty selects every track.
	Tracks []uint32 `json:"tracks"`
}

// DirectOutcome summarizes a slice or table query.
type DirectOutcome struct {
	// Statements is the number of statements run, one per instance and
	// category. Each produced one result table.
	Statements int      `json:"statements"`
	Rows       int      `json:"rows"`
	Skipped    []uint32 `json:"skipped,omitempty"`
}

// Slice runs the slice statements of the selected tracks and emits one
// table per instance and category, rows ordered by level and start time.
func (p *Processor) Slice(ctx context.Context, req SliceRequest, rb RowBuilder) (DirectOutcome, error) {
	if req.End < req.Start {
		return DirectOutcome{}, terrors.Newf(terrors.ErrCategoryValidation, terrors.CodeInvalidRequest,
			"slice end %d is before start %d", req.End, req.Start)
	}
	return p.runGrouped(ctx, "slice", req.Tracks, rb, func(ids []uint32) (track.BuildResult, error) {
		return p.builder.BuildSliceQuery(req.Start, req.End, ids)
	})
}

// Table runs q with grouping, filtering, ordering and pagination pushed
// into SQL. Unlike compound queries nothing is cached. One table is
// emitted per instance and category.
func (p *Processor) Table(ctx context.Context, q track.TableQuery, rb RowBuilder) (DirectOutcome, error) {
	if q.End == 0 {
		_, q.End = p.traceRange()
		q.End++
	}
	return p.runGrouped(ctx, "table", q.Tracks, rb, func(ids []uint32) (track.BuildResult, error) {
		sub := q
		sub.Tracks = ids
		return p.builder.BuildTableQuery(sub)
	})
}

func (p *Processor) traceRange() (int64, int64) {
	if p.reg == nil {
		return 0, 0
	}
	return p.reg.TraceRange()
}

// trackGroup is the tracks of one category within one instance. Their
// fragments share a column layout, so one statement can union them.
type trackGroup struct {
	instance string
	category track.Category
	ids      []uint32
}

func (p *Processor) groupTracks(ids []uint32) ([]*trackGroup, []uint32) {
	var tracks []*track.Track
	var skipped []uint32
	if len(ids) == 0 {
		tracks = p.reg.Tracks()
	} else {
		for _, id := range ids {
			t, err := p.reg.Track(id)
			if err != nil {
				skipped = append(skipped, id)
				continue
			}
			tracks = append(tracks, t)
		}
	}

	type key struct {
		instance string
		category track.Category
	}
	byKey := make(map[key]*trackGroup)
	var groups []*trackGroup
	for _, t := range tracks {
		k := key{t.Instance, t.Category}
		g, ok := byKey[k]
		if !ok {
			g = &trackGroup{instance: t.Instance, category: t.Category}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.ids = append(g.ids, t.ID)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].instance != groups[j].instance {
			return groups[i].instance < groups[j].instance
		}
		return groups[i].category < groups[j].category
	})
	return groups, skipped
}

// collector buffers the rows of one statement as text.
type collector struct {
	columns []string
	rows    [][]string
}

func (c *collector) OnRow(row *executor.RowView) error {
	if c.columns == nil {
		c.columns = make([]string, row.ColumnCount())
		for i := range c.columns {
			c.columns[i] = row.ColumnName(i)
		}
	}
	cells := make([]string, row.ColumnCount())
	for i := range cells {
		cells[i] = row.Text(i)
	}
	c.rows = append(c.rows, cells)
	return nil
}

// runGrouped builds one statement per track group, runs them all at once
// and emits their results in group order. Groups without a statement for
// the query type are reported as skipped.
func (p *Processor) runGrouped(ctx context.Context, kind string, ids []uint32, rb RowBuilder,
	build func([]uint32) (track.BuildResult, error)) (DirectOutcome, error) {
	var out DirectOutcome
	if p.builder == nil {
		return out, terrors.NewValidationError(terrors.CodeNotLoaded, "no tracks are registered")
	}
	groups, skipped := p.groupTracks(ids)
	out.Skipped = skipped

	var queries []executor.Query
	var results []*collector
	for _, g := range groups {
		res, err := build(g.ids)
		out.Skipped = append(out.Skipped, res.Skipped...)
		if err != nil {
			if terrors.GetCode(err) == terrors.CodeEmptyQuery {
				out.Skipped = append(out.Skipped, g.ids...)
				continue
			}
			return out, err
		}
		c := &collector{}
		results = append(results, c)
		queries = append(queries, executor.Query{SQL: res.SQL, Instance: g.instance, Callback: c})
	}
	if len(queries) == 0 {
		return out, terrors.NewValidationError(terrors.CodeEmptyQuery, "no "+kind+" statements for the requested tracks")
	}

	futures := p.exec.ExecuteQueriesAsync(ctx, queries)
	if err := executor.WaitAll(ctx, futures, p.cfg.WaitTimeout); err != nil {
		level.Warn(p.logger).Log("msg", kind+" query failed", "statements", len(queries), "err", err)
		return out, err
	}
	for _, c := range results {
		em, err := newEmitter(rb, c.columns)
		if err != nil {
			return out, err
		}
		for _, cells := range c.rows {
			if err := em.row(cells); err != nil {
				return out, err
			}
		}
		out.Rows += em.rows
	}
	out.Statements = len(queries)
	p.metrics.Emitted(out.Rows)
	level.Debug(p.logger).Log("msg", kind+" query served", "statements", out.Statements, "rows", out.Rows,
		"skipped", len(out.Skipped))
	return out, nil
}

// recountPrefix turns a table statement into one row holding the record
// count and time range of its track or bucket.
const recountPrefix = "SELECT COUNT(*) AS count, MIN(" + track.ColumnStartTS + ") AS min_ts, MAX(" +
	track.ColumnEndTS + ") AS max_ts, "

// RecountOutcome summarizes RecountTracks.
type RecountOutcome struct {
	Tracks     int      `json:"tracks"`
	Statements int      `json:"statements"`
	Records    uint64   `json:"records"`
	Skipped    []uint32 `json:"skipped,omitempty"`
}

// RecountTracks reruns the table statements of the selected tracks, split
// like any all-track fetch, as count and time range aggregates and stores
// the totals in the registry. Counter tracks keep their discovered figures
// since samples have no end time. Empty ids recounts every track.
func (p *Processor) RecountTracks(ctx context.Context, ids []uint32) (RecountOutcome, error) {
	var out RecountOutcome
	if p.builder == nil {
		return out, terrors.NewValidationError(terrors.CodeNotLoaded, "no tracks are registered")
	}
	batch, err := p.exec.ExecuteQueryForAllTracksAsync(ctx, p.builder, track.PlanOptions{
		Flags:     p.cfg.PlanFlags &^ track.IncludePMC,
		QueryType: track.QueryTable,
		Prefix:    recountPrefix,
		Tracks:    ids,
	}, table.NewStringTable(), nil)
	if err != nil {
		return out, err
	}
	out.Skipped = batch.Skipped
	out.Statements = len(batch.Planned)
	if err := batch.Wait(ctx, p.cfg.WaitTimeout); err != nil {
		level.Warn(p.logger).Log("msg", "recount failed", "statements", out.Statements, "err", err)
		return out, err
	}

	stats := make(map[uint32]*track.Stats)
	var order []uint32
	for i, pq := range batch.Planned {
		s, ok := stats[pq.TrackID]
		if !ok {
			s = &track.Stats{}
			stats[pq.TrackID] = s
			order = append(order, pq.TrackID)
		}
		t := batch.Tables[i]
		if t.RowCount() == 0 {
			continue
		}
		n := packedInt(t, "count")
		if n <= 0 {
			continue
		}
		lo, hi := packedInt(t, "min_ts"), packedInt(t, "max_ts")
		if s.Records == 0 || lo < s.MinTS {
			s.MinTS = lo
		}
		if s.Records == 0 || hi > s.MaxTS {
			s.MaxTS = hi
		}
		s.Records += uint64(n)
	}
	for _, id := range order {
		if err := p.reg.SetStats(id, *stats[id]); err != nil {
			return out, err
		}
		out.Records += stats[id].Records
	}
	out.Tracks = len(order)
	level.Info(p.logger).Log("msg", "tracks recounted", "tracks", out.Tracks, "statements", out.Statements,
		"records", out.Records)
	return out, nil
}

// packedInt reads column name of the first row, 0 when absent or NULL.
func packedInt(t *table.PackedTable, name string) int64 {
	col, ok := t.Layout().Column(name)
	if !ok {
		return 0
	}
	c, err := t.Cell(0, col)
	if err != nil {
		return 0
	}
	switch c.Kind {
	case table.CellInt:
		return c.I
	case table.CellUint:
		return int64(c.U)
	case table.CellDouble:
		return int64(c.F)
	}
	return 0
}
