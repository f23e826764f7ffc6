// Package processor runs compound queries: it keeps one cached merged
// table per bucket, refetches only the tracks that changed, and applies
// filtering, grouping, sorting and pagination on top.
package processor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/executor"
	"github.com/arkilian/tracequery/internal/filter"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/track"
)

// Config tunes the table processors.
type Config struct {
	// WaitTimeout bounds the wait for fetch statements; 0 waits forever.
	WaitTimeout time.Duration
	// RowsPerWorker is the row count per extra filter or aggregation worker.
	RowsPerWorker int
	// Workers fixes the filter and aggregation worker count. 0 derives it
	// from the row count and the number of CPUs.
	Workers int
	// DefaultLimit is the page size without a LIMIT command.
	DefaultLimit uint64
	// IdleReset drops a bucket's tables after this long without calls.
	IdleReset time.Duration
	// FilterCacheSize bounds the number of parsed filters kept.
	FilterCacheSize int
	// DefaultInstance runs pass-through statements that carry no binding.
	DefaultInstance string
	// StatsWindow is how long column usage statistics are kept.
	StatsWindow time.Duration
	// Build tunes the statements Plan, Slice, Table and RecountTracks build.
	Build track.BuildOptions
	// PlanFlags selects the tracks and splitting of all-track plans.
	PlanFlags track.PlanFlags
}

func (c *Config) applyDefaults() {
	if c.RowsPerWorker <= 0 {
		c.RowsPerWorker = DefaultRowsPerWorker
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.FilterCacheSize <= 0 {
		c.FilterCacheSize = 128
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = time.Hour
	}
}

// filterCache keeps parsed filter expressions by text.
type filterCache struct {
	c *lru.Cache[string, *filter.Expression]
}

func newFilterCache(size int) (*filterCache, error) {
	c, err := lru.New[string, *filter.Expression](size)
	if err != nil {
		return nil, err
	}
	return &filterCache{c: c}, nil
}

// get returns the parsed filter. Parse failures are not cached.
func (f *filterCache) get(text string) (*filter.Expression, error) {
	if e, ok := f.c.Get(text); ok {
		return e, nil
	}
	e, err := filter.Parse(text)
	if err != nil {
		return nil, err
	}
	f.c.Add(text, e)
	return e, nil
}

// Processor routes query text to the table processor of its bucket.
type Processor struct {
	cfg     Config
	exec    *executor.Executor
	reg     *track.Registry
	builder *track.Builder
	buckets [numBuckets]*TableProcessor
	usage   *observability.QueryStats
	logger  log.Logger
	metrics *observability.Metrics
}

// New creates a processor. reg may be nil, in which case bound tracks are
// never reported as unknown.
func New(cfg Config, exec *executor.Executor, reg *track.Registry, logger log.Logger, metrics *observability.Metrics) (*Processor, error) {
	cfg.applyDefaults()
	logger = log.With(observability.OrNop(logger), "component", "processor")
	filters, err := newFilterCache(cfg.FilterCacheSize)
	if err != nil {
		return nil, terrors.NewInternalError("failed to create filter cache", err)
	}
	p := &Processor{
		cfg:     cfg,
		exec:    exec,
		reg:     reg,
		usage:   observability.NewQueryStats(cfg.StatsWindow),
		logger:  logger,
		metrics: metrics,
	}
	if reg != nil {
		p.builder = track.NewBuilder(reg, cfg.Build)
	}
	for b := Bucket(0); b < numBuckets; b++ {
		p.buckets[b] = newTableProcessor(b, cfg, exec, reg, filters, p.usage, logger, metrics)
	}
	return p, nil
}

// Bucket returns the table processor of b.
func (p *Processor) Bucket(b Bucket) *TableProcessor { return p.buckets[b] }

// Registry returns the track registry, which may be nil.
func (p *Processor) Registry() *track.Registry { return p.reg }

// Usage returns the column usage statistics of filters, groups and sorts.
func (p *Processor) Usage() *observability.QueryStats { return p.usage }

// Stats returns the counters of every bucket keyed by bucket name.
func (p *Processor) Stats() map[string]Stats {
	out := make(map[string]Stats, numBuckets)
	for _, tp := range p.buckets {
		out[tp.bucket.String()] = tp.Stats()
	}
	return out
}

// Execute runs query text. Compound text goes to the bucket named by its
// TYPE command; any other text runs once as a plain statement and all of
// its rows are emitted.
func (p *Processor) Execute(ctx context.Context, text string, queryUpdated bool, rb RowBuilder) (Outcome, error) {
	c, compound := track.ParseCompound(text)
	if !compound {
		return p.passThrough(ctx, c, rb)
	}
	return p.ExecuteCompound(ctx, c, queryUpdated, rb)
}

// ExecuteCompound runs a parsed compound query.
func (p *Processor) ExecuteCompound(ctx context.Context, c track.Compound, queryUpdated bool, rb RowBuilder) (Outcome, error) {
	b, err := ParseBucket(c.Param(track.CmdType))
	if err != nil {
		return Outcome{}, err
	}
	return p.buckets[b].ExecuteCompoundQuery(ctx, c, queryUpdated, rb)
}

func (p *Processor) passThrough(ctx context.Context, c track.Compound, rb RowBuilder) (Outcome, error) {
	out := Outcome{Bucket: "passthrough"}
	if len(c.Statements) == 0 {
		return out, terrors.NewValidationError(terrors.CodeEmptyQuery, "empty query")
	}
	s := c.Statements[0]
	instance := s.Instance
	if !s.Bound {
		instance = p.cfg.DefaultInstance
	}
	if instance == "" {
		return out, terrors.NewValidationError(terrors.CodeInvalidRequest, "statement names no trace instance")
	}

	var em *emitter
	cb := executor.RowCallbackFunc(func(row *executor.RowView) error {
		if em == nil {
			names := make([]string, row.ColumnCount())
			for i := range names {
				names[i] = row.ColumnName(i)
			}
			var err error
			if em, err = newEmitter(rb, names); err != nil {
				return err
			}
		}
		cells := make([]string, row.ColumnCount())
		for i := range cells {
			cells[i] = row.Text(i)
		}
		return em.row(cells)
	})
	if err := p.exec.Execute(ctx, executor.Query{SQL: s.SQL, Instance: instance, Callback: cb}, p.cfg.WaitTimeout); err != nil {
		level.Warn(p.logger).Log("msg", "pass-through query failed", "instance", instance, "err", err)
		return out, err
	}
	if em == nil {
		em, _ = newEmitter(rb, nil)
	}
	out.Fetched = true
	out.Total, out.Emitted = em.rows, em.rows
	p.metrics.Emitted(em.rows)
	return out, nil
}

// Reset drops the cached state of every bucket.
func (p *Processor) Reset() {
	for _, tp := range p.buckets {
		tp.Reset()
	}
}

// Close stops the idle timers of every bucket.
func (p *Processor) Close() {
	for _, tp := range p.buckets {
		tp.Close()
	}
}
