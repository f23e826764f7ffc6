package track

import (
	"sort"
	"sync"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// Registry owns the tracks of a trace and answers identity lookups.
// Track ids are dense indexes assigned in registration order.
type Registry struct {
	mu         sync.RWMutex
	tracks     []*Track
	byCategory map[Category][]uint32

	traceStart int64
	traceEnd   int64
	hasRange   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byCategory: make(map[Category][]uint32)}
}

// Add registers a track and returns its assigned id.
func (r *Registry) Add(t *Track) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(t.clone())
}

func (r *Registry) addLocked(t *Track) uint32 {
	t.ID = uint32(len(r.tracks))
	if t.Queries == nil {
		t.Queries = make(map[QueryType][]string)
	}
	r.tracks = append(r.tracks, t)
	r.byCategory[t.Category] = append(r.byCategory[t.Category], t.ID)
	if t.RecordCount > 0 {
		r.extendRangeLocked(t.MinTS, t.MaxTS)
	}
	return t.ID
}

// FindTrack returns the id of the track of the given category whose
// non-const identifiers equal ids and which lives in instance.
func (r *Registry) FindTrack(category Category, ids [NumIdentifiers]Identifier, instance string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(category, ids, instance)
}

func (r *Registry) findLocked(category Category, ids [NumIdentifiers]Identifier, instance string) (uint32, bool) {
	for _, idx := range r.byCategory[category] {
		t := r.tracks[idx]
		if t.Instance != instance {
			continue
		}
		if identifiersMatch(t.Identifiers, ids) {
			return idx, true
		}
	}
	return 0, false
}

func identifiersMatch(have, want [NumIdentifiers]Identifier) bool {
	for i := 0; i < NumIdentifiers; i++ {
		if have[i].IsConst() || want[i].IsConst() {
			continue
		}
		if !have[i].Matches(want[i]) {
			return false
		}
	}
	return true
}

// Observation is one record, or a summary of Count records, seen while
// discovering tracks. For a summary Value is the smallest value and
// PeakValue the largest.
type Observation struct {
	Category    Category
	Operation   Operation
	Identifiers [NumIdentifiers]Identifier
	Instance    string
	Start       int64
	End         int64
	Value       float64
	PeakValue   float64
	HasValue    bool
	Count       uint64
}

func (o Observation) peak() float64 {
	if o.Count > 1 && o.PeakValue > o.Value {
		return o.PeakValue
	}
	return o.Value
}

// Observe folds a record into the matching track, registering the track
// from tmpl when it is not known yet. It returns the track id.
func (r *Registry) Observe(obs Observation, tmpl *Template) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.findLocked(obs.Category, obs.Identifiers, obs.Instance)
	if !ok {
		t := &Track{
			Category:    obs.Category,
			Operation:   obs.Operation,
			Identifiers: obs.Identifiers,
			Instance:    obs.Instance,
			MinTS:       obs.Start,
			MaxTS:       obs.End,
			MinValue:    obs.Value,
			MaxValue:    obs.peak(),
		}
		if tmpl != nil {
			t.Queries = tmpl.queryMap()
		}
		idx = r.addLocked(t)
	}

	t := r.tracks[idx]
	if t.RecordCount == 0 || obs.Start < t.MinTS {
		t.MinTS = obs.Start
	}
	if t.RecordCount == 0 || obs.End > t.MaxTS {
		t.MaxTS = obs.End
	}
	if obs.HasValue {
		if t.RecordCount == 0 || obs.Value < t.MinValue {
			t.MinValue = obs.Value
		}
		if t.RecordCount == 0 || obs.peak() > t.MaxValue {
			t.MaxValue = obs.peak()
		}
	}
	if obs.Count > 0 {
		t.RecordCount += obs.Count
	} else {
		t.RecordCount++
	}
	r.extendRangeLocked(obs.Start, obs.End)
	return idx
}

func (r *Registry) extendRangeLocked(start, end int64) {
	if !r.hasRange {
		r.traceStart, r.traceEnd, r.hasRange = start, end, true
		return
	}
	if start < r.traceStart {
		r.traceStart = start
	}
	if end > r.traceEnd {
		r.traceEnd = end
	}
}

// Stats are the record count and time range of a track.
type Stats struct {
	Records uint64
	MinTS   int64
	MaxTS   int64
}

// SetStats replaces the record count of track id. The time range is only
// replaced, and the trace range widened to cover it, when s has records.
func (r *Registry) SetStats(id uint32, s Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.trackLocked(id)
	if err != nil {
		return err
	}
	t.RecordCount = s.Records
	if s.Records > 0 {
		t.MinTS, t.MaxTS = s.MinTS, s.MaxTS
		r.extendRangeLocked(s.MinTS, s.MaxTS)
	}
	return nil
}

// SetTraceRange overrides the trace time range used to split queries.
func (r *Registry) SetTraceRange(start, end int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traceStart, r.traceEnd, r.hasRange = start, end, true
}

// TraceRange returns the earliest start and latest end over all tracks.
func (r *Registry) TraceRange() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.traceStart, r.traceEnd
}

// Track returns a copy of the track with the given id.
func (r *Registry) Track(id uint32) (*Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.trackLocked(id)
	if err != nil {
		return nil, err
	}
	return t.clone(), nil
}

func (r *Registry) trackLocked(id uint32) (*Track, error) {
	if int(id) >= len(r.tracks) {
		return nil, terrors.Newf(terrors.ErrCategoryPartial, terrors.CodeUnknownTrack,
			"track %d is not registered", id).WithDetail("track_id", id)
	}
	return r.tracks[id], nil
}

// Len returns the number of registered tracks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

// Tracks returns copies of all tracks ordered by id.
func (r *Registry) Tracks() []*Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Track, len(r.tracks))
	for i, t := range r.tracks {
		out[i] = t.clone()
	}
	return out
}

// Categories returns the categories that have at least one track.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
