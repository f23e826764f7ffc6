package track

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// Service column names shared by query text and packed tables.
const (
	ColumnStartTS       = "startTs"
	ColumnEndTS         = "endTs"
	ColumnLevel         = "level"
	ColumnDuration      = "duration"
	ColumnOperation     = "op"
	ColumnEventID       = "id"
	ColumnCounterValue  = "counterValue"
	ColumnTrackID       = "__trackId"
	ColumnStreamTrackID = "__streamTrackId"
)

// DefaultSplitThreshold is the record count above which a track is split.
const DefaultSplitThreshold = 50000

// BuildOptions tunes query building.
type BuildOptions struct {
	// SplitThreshold is the record count above which a track's history is
	// partitioned into time buckets.
	SplitThreshold uint64
	// Concurrency is the worker budget shared by all planned tracks.
	Concurrency int
}

// Builder produces SQL text for tracks held by a Registry.
type Builder struct {
	reg  *Registry
	opts BuildOptions
}

// NewBuilder creates a builder. Zero options take the defaults.
func NewBuilder(reg *Registry, opts BuildOptions) *Builder {
	if opts.SplitThreshold == 0 {
		opts.SplitThreshold = DefaultSplitThreshold
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	return &Builder{reg: reg, opts: opts}
}

// Registry returns the registry the builder reads.
func (b *Builder) Registry() *Registry { return b.reg }

// Split selects one time bucket out of Count.
type Split struct {
	Count uint32
	Index uint32
}

// BuildTrackQuery completes prefix with "FROM (" and the track's fragments
// for qt, each restricted to the track and, when split, to one time bucket.
func (b *Builder) BuildTrackQuery(trackID uint32, qt QueryType, prefix string, split Split) (string, error) {
	b.reg.mu.RLock()
	defer b.reg.mu.RUnlock()

	t, err := b.reg.trackLocked(trackID)
	if err != nil {
		return "", err
	}
	frags := t.Queries[qt]
	if len(frags) == 0 {
		return "", terrors.Newf(terrors.ErrCategoryStructural, terrors.CodeEmptyQuery,
			"track %d has no %s query", trackID, qt)
	}

	var bounds string
	if split.Count > 1 {
		if lo, hi, ok := b.splitBoundsLocked(split); ok {
			upper := "<"
			if split.Index+1 >= split.Count {
				upper = "<="
			}
			bounds = fmt.Sprintf(" and %s >= %d and %s %s %d", ColumnStartTS, lo, ColumnStartTS, upper, hi)
		}
	}

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(" FROM (")
	for i, frag := range frags {
		if i > 0 {
			sb.WriteString(" UNION ALL ")
		}
		sb.WriteString(frag)
		sb.WriteString(" where ")
		if t.Category == RegionMain {
			sb.WriteString("SAMPLE.id IS NULL and ")
		}
		sb.WriteString(t.equalityClause())
		sb.WriteString(bounds)
	}
	sb.WriteString(") ")
	return sb.String(), nil
}

// splitBoundsLocked returns the start-time range [lo, hi) of one bucket.
// The last bucket is closed and ends at the trace end so integer division
// loses no rows.
func (b *Builder) splitBoundsLocked(split Split) (int64, int64, bool) {
	start, end := b.reg.traceStart, b.reg.traceEnd
	if end <= start {
		return 0, 0, false
	}
	bucket := (end - start) / int64(split.Count)
	lo := start + bucket*int64(split.Index)
	hi := start + bucket*int64(split.Index+1)
	if split.Index+1 >= split.Count {
		hi = end
	}
	return lo, hi, true
}

// groupedFragmentsLocked maps "<fragment> where <tags> IN (" to the value tuples of
// every track sharing that text. Unknown ids are returned in skipped.
func (b *Builder) groupedFragmentsLocked(ids []uint32, qtFor func(*Track) QueryType,
	visit func(*Track)) (map[string][]string, []uint32) {
	groups := make(map[string][]string)
	var skipped []uint32
	for _, id := range ids {
		t, err := b.reg.trackLocked(id)
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		tags, vals := t.tagTuple()
		for _, frag := range t.Queries[qtFor(t)] {
			key := frag + " where "
			if t.Category == RegionMain {
				key += "SAMPLE.id IS NULL and "
			}
			key += tags + " IN ("
			groups[key] = append(groups[key], vals)
		}
		if visit != nil {
			visit(t)
		}
	}
	return groups, skipped
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildResult is SQL text plus the tracks that could not contribute.
type BuildResult struct {
	SQL     string
	Skipped []uint32
}

// Partial reports whether some requested tracks were skipped.
func (r BuildResult) Partial() bool { return len(r.Skipped) > 0 }

// BuildSliceQuery builds one statement selecting every record of the given
// tracks inside [start, end], ordered by level and start time. The time
// predicate is only added when the window cuts into some track's range.
func (b *Builder) BuildSliceQuery(start, end int64, ids []uint32) (BuildResult, error) {
	b.reg.mu.RLock()
	defer b.reg.mu.RUnlock()

	timed := false
	groups, skipped := b.groupedFragmentsLocked(ids, (*Track).SliceQueryType, func(t *Track) {
		if start > t.MinTS || end < t.MaxTS {
			timed = true
		}
	})
	if len(groups) == 0 {
		return BuildResult{Skipped: skipped}, terrors.New(terrors.ErrCategoryStructural,
			terrors.CodeEmptyQuery, "no slice query fragments for the requested tracks")
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ( ")
	for i, key := range sortedKeys(groups) {
		if i > 0 {
			sb.WriteString(" UNION ALL ")
		}
		sb.WriteString(key)
		sb.WriteString(strings.Join(groups[key], ", "))
		sb.WriteString(")")
		if timed {
			fmt.Fprintf(&sb, " and %s < %d and %s > %d", ColumnStartTS, end, ColumnEndTS, start)
		}
	}
	sb.WriteString(") ORDER BY ")
	sb.WriteString(ColumnLevel)
	sb.WriteString(", ")
	sb.WriteString(ColumnStartTS)
	sb.WriteString(";")
	return BuildResult{SQL: sb.String(), Skipped: skipped}, nil
}

// TableQuery parameterizes BuildTableQuery.
type TableQuery struct {
	Tracks       []uint32
	Start        int64
	End          int64
	Filter       string
	Group        string
	GroupColumns string
	SortColumn   string
	SortDesc     bool
	Limit        uint64
	Offset       uint64
	CountOnly    bool
}

// BuildTableQuery builds a tabular statement over the given tracks with
// optional grouping, filtering, ordering and pagination pushed into SQL.
func (b *Builder) BuildTableQuery(q TableQuery) (BuildResult, error) {
	b.reg.mu.RLock()
	defer b.reg.mu.RUnlock()

	groups, skipped := b.groupedFragmentsLocked(q.Tracks, func(*Track) QueryType { return QueryTable }, nil)
	if len(groups) == 0 {
		return BuildResult{Skipped: skipped}, terrors.New(terrors.ErrCategoryStructural,
			terrors.CodeEmptyQuery, "no table query fragments for the requested tracks")
	}

	var sb strings.Builder
	sb.WriteString("WITH all_rows AS (")
	if q.Group != "" {
		sb.WriteString("SELECT ")
		if q.GroupColumns != "" {
			sb.WriteString(q.GroupColumns)
		} else {
			sb.WriteString(q.Group)
			sb.WriteString(", COUNT(*) as num_invocations, AVG(duration) as avg_duration, " +
				"MIN(duration) as min_duration, MAX(duration) as max_duration")
		}
		sb.WriteString(" FROM ( ")
	}
	for i, key := range sortedKeys(groups) {
		if i > 0 {
			sb.WriteString(" UNION ALL ")
		}
		sb.WriteString(key)
		sb.WriteString(strings.Join(groups[key], ", "))
		fmt.Fprintf(&sb, ") and %s >= %d and %s < %d", ColumnStartTS, q.Start, ColumnEndTS, q.End)
	}
	if q.Group != "" {
		sb.WriteString(") GROUP BY ")
		sb.WriteString(q.Group)
	}
	sb.WriteString(")")

	source := "all_rows"
	if q.Filter != "" {
		sb.WriteString(", filtered_rows AS (SELECT * FROM all_rows WHERE (")
		sb.WriteString(q.Filter)
		sb.WriteString("))")
		source = "filtered_rows"
	}
	if q.CountOnly {
		fmt.Fprintf(&sb, " SELECT (SELECT COUNT(*) FROM %s) AS [NumRecords], * FROM %s ", source, source)
	} else {
		fmt.Fprintf(&sb, " SELECT * FROM %s ", source)
	}

	if q.SortColumn != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.SortColumn)
		if q.SortDesc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}
	if q.CountOnly {
		sb.WriteString(" LIMIT 1")
	} else {
		if q.Limit > 0 {
			sb.WriteString(" LIMIT ")
			sb.WriteString(strconv.FormatUint(q.Limit, 10))
		}
		if q.Offset > 0 {
			sb.WriteString(" OFFSET ")
			sb.WriteString(strconv.FormatUint(q.Offset, 10))
		}
	}
	sb.WriteString(";")
	return BuildResult{SQL: sb.String(), Skipped: skipped}, nil
}

// PlanFlags selects which tracks PlanTrackQueries covers.
type PlanFlags uint32

const (
	IncludePMC PlanFlags = 1 << iota
	IncludeStreams
	TrySplit
)

// PlanOptions parameterizes PlanTrackQueries.
type PlanOptions struct {
	Flags     PlanFlags
	QueryType QueryType
	// Prefix starts every statement. It is followed by the track id literal
	// aliased as the track id service column, e.g. "SELECT *, ".
	Prefix string
	Suffix string
	// Tracks restricts planning to these ids. Empty plans every track.
	Tracks []uint32
}

// PlannedQuery is one independently executable unit of work.
type PlannedQuery struct {
	TrackID  uint32
	Instance string
	Split    Split
	SQL      string
}

// PlanTrackQueries builds one statement per (track, time bucket). Tracks
// with more than the split threshold records are partitioned into
// max(2, concurrency/numTracks) buckets unless they hold single allocation
// or copy events. Unknown ids are reported in the skipped list.
func (b *Builder) PlanTrackQueries(opts PlanOptions) ([]PlannedQuery, []uint32, error) {
	b.reg.mu.RLock()
	ids := opts.Tracks
	if len(ids) == 0 {
		ids = make([]uint32, len(b.reg.tracks))
		for i := range ids {
			ids[i] = uint32(i)
		}
	}
	var selected []*Track
	var skipped []uint32
	for _, id := range ids {
		t, err := b.reg.trackLocked(id)
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		if t.Category == PMC && opts.Flags&IncludePMC == 0 {
			continue
		}
		if t.Category == Stream && opts.Flags&IncludeStreams == 0 {
			continue
		}
		selected = append(selected, t)
	}
	b.reg.mu.RUnlock()

	var planned []PlannedQuery
	for _, t := range selected {
		qt := opts.QueryType
		if qt == QuerySlice {
			qt = t.SliceQueryType()
		}
		count := b.splitCount(t, opts.Flags, len(selected))
		for i := uint32(0); i < count; i++ {
			split := Split{Count: count, Index: i}
			prefix := fmt.Sprintf("%s%d AS %s", opts.Prefix, t.ID, ColumnTrackID)
			sql, err := b.BuildTrackQuery(t.ID, qt, prefix, split)
			if err != nil {
				if terrors.GetCode(err) == terrors.CodeEmptyQuery {
					skipped = append(skipped, t.ID)
					break
				}
				return nil, skipped, err
			}
			planned = append(planned, PlannedQuery{
				TrackID:  t.ID,
				Instance: t.Instance,
				Split:    split,
				SQL:      sql + opts.Suffix,
			})
		}
	}
	return planned, skipped, nil
}

func (b *Builder) splitCount(t *Track, flags PlanFlags, numTracks int) uint32 {
	if flags&TrySplit == 0 || !t.Splittable() || t.RecordCount <= b.opts.SplitThreshold {
		return 1
	}
	start, end := b.reg.TraceRange()
	if end <= start {
		return 1
	}
	if numTracks < 1 {
		numTracks = 1
	}
	parts := b.opts.Concurrency / numTracks
	if parts < 2 {
		parts = 2
	}
	return uint32(parts)
}
