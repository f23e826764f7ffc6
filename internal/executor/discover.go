package executor

import (
	"context"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

// Identify query result columns besides the tag columns.
const (
	identifyCount    = "count"
	identifyMinTS    = "min_ts"
	identifyMaxTS    = "max_ts"
	identifyMinValue = "min_value"
	identifyMaxValue = "max_value"
)

// DiscoverTracks runs the identify query of every template against every
// instance and registers the tracks found. Queries run concurrently; tracks
// are registered in instance, template and row order so ids are stable.
// It returns the number of tracks in the registry.
func (e *Executor) DiscoverTracks(ctx context.Context, instances []string, templates *track.Templates,
	reg *track.Registry) (int, error) {
	if templates == nil || len(templates.Tracks) == 0 {
		return reg.Len(), nil
	}

	type job struct {
		instance string
		tmpl     *track.Template
		obs      []track.Observation
	}
	jobs := make([]*job, 0, len(instances)*len(templates.Tracks))
	for _, inst := range instances {
		for i := range templates.Tracks {
			jobs = append(jobs, &job{instance: inst, tmpl: &templates.Tracks[i]})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			obs, err := e.identify(gctx, j.instance, j.tmpl)
			if err != nil {
				return err
			}
			j.obs = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reg.Len(), err
	}

	for _, j := range jobs {
		for _, o := range j.obs {
			reg.Observe(o, j.tmpl)
		}
	}
	level.Info(e.logger).Log("msg", "tracks discovered", "instances", len(instances), "tracks", reg.Len())
	return reg.Len(), nil
}

func (e *Executor) identify(ctx context.Context, instance string, tmpl *track.Template) ([]track.Observation, error) {
	var (
		obs      []track.Observation
		resolved bool
		tagCols  [track.NumIdentifiers]int
		countCol int
		minTS    int
		maxTS    int
		minVal   int
		maxVal   int
	)
	cb := RowCallbackFunc(func(row *RowView) error {
		if !resolved {
			byName := make(map[string]int, row.ColumnCount())
			for i := 0; i < row.ColumnCount(); i++ {
				byName[row.ColumnName(i)] = i
			}
			for i := range tagCols {
				tagCols[i] = -1
				if i < len(tmpl.Tags) && tmpl.Tags[i] != track.ConstTag {
					col, ok := byName[tmpl.Tags[i]]
					if !ok {
						return terrors.NewStructuralError(terrors.CodeSchemaMismatch,
							"identify query lacks tag column "+tmpl.Tags[i]).WithDetail("template", tmpl.Name)
					}
					tagCols[i] = col
				}
			}
			lookup := func(name string) int {
				if col, ok := byName[name]; ok {
					return col
				}
				return -1
			}
			countCol, minTS, maxTS = lookup(identifyCount), lookup(identifyMinTS), lookup(identifyMaxTS)
			minVal, maxVal = lookup(identifyMinValue), lookup(identifyMaxValue)
			if countCol < 0 || minTS < 0 || maxTS < 0 {
				return terrors.NewStructuralError(terrors.CodeSchemaMismatch,
					"identify query must return count, min_ts and max_ts").WithDetail("template", tmpl.Name)
			}
			resolved = true
		}

		var values [track.NumIdentifiers]interface{}
		for i, col := range tagCols {
			if col >= 0 {
				values[i] = row.Value(col)
			}
		}
		o := track.Observation{
			Category:    tmpl.Category,
			Operation:   tmpl.Operation,
			Identifiers: tmpl.Identifiers(values),
			Instance:    instance,
			Start:       row.Int(minTS),
			End:         row.Int(maxTS),
			Count:       uint64(row.Int(countCol)),
		}
		if o.Count == 0 {
			return nil
		}
		if minVal >= 0 && row.Kind(minVal) != table.KindNull {
			o.Value = row.Float(minVal)
			o.PeakValue = o.Value
			o.HasValue = true
			if maxVal >= 0 {
				o.PeakValue = row.Float(maxVal)
			}
		}
		obs = append(obs, o)
		return nil
	})

	if err := e.Execute(ctx, Query{SQL: tmpl.Identify, Instance: instance, Callback: cb}, 0); err != nil {
		return nil, err
	}
	return obs, nil
}
