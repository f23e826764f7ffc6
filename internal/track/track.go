// Package track models trace tracks, identifies them from partial identifier
// tuples and builds the SQL text that selects their records.
package track

import (
	"fmt"
	"strings"
)

// Category classifies a track by the kind of records it holds.
type Category int

const (
	CategoryUnknown Category = iota
	KernelDispatch
	MemoryAllocation
	MemoryCopy
	Region
	RegionMain
	RegionSample
	PMC
	Stream
)

var categoryNames = map[Category]string{
	CategoryUnknown:  "unknown",
	KernelDispatch:   "kernel-dispatch",
	MemoryAllocation: "memory-allocation",
	MemoryCopy:       "memory-copy",
	Region:           "region",
	RegionMain:       "region-main",
	RegionSample:     "region-sample",
	PMC:              "pmc",
	Stream:           "stream",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory parses a category name such as "kernel-dispatch".
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == s && c != CategoryUnknown {
			return c, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("unknown track category %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Operation is the event operation code stored in byte 0 of packed rows.
type Operation uint8

const (
	OpNone Operation = iota
	OpLaunch
	OpDispatch
	OpMemoryAllocate
	OpMemoryCopy

	NumOperations = int(OpMemoryCopy) + 1
)

var operationNames = [...]string{"none", "launch", "dispatch", "memory-allocate", "memory-copy"}

func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// HasStreamTrack reports whether events of this operation carry a stream
// track id.
func (o Operation) HasStreamTrack() bool {
	return o == OpDispatch || o == OpMemoryAllocate || o == OpMemoryCopy
}

// QueryType selects which per-track SQL fragments a query uses.
type QueryType int

const (
	QuerySlice QueryType = iota
	QuerySliceByStream
	QueryTable
	QueryIdentify
)

var queryTypeNames = map[QueryType]string{
	QuerySlice:         "slice",
	QuerySliceByStream: "slice_by_stream",
	QueryTable:         "table",
	QueryIdentify:      "identify",
}

func (q QueryType) String() string {
	if s, ok := queryTypeNames[q]; ok {
		return s
	}
	return fmt.Sprintf("query(%d)", int(q))
}

// ParseQueryType parses a query type name such as "table".
func ParseQueryType(s string) (QueryType, error) {
	for q, name := range queryTypeNames {
		if name == s {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown query type %q", s)
}

// NumIdentifiers is the number of identifying dimensions of a track.
const NumIdentifiers = 3

// ConstTag marks a dimension that is not part of the track identity.
const ConstTag = "const"

// Identifier is one identifying dimension of a track.
type Identifier struct {
	// Tag is the SQL column the dimension is matched against.
	Tag     string
	ID      uint64
	Name    string
	Numeric bool
}

// IsConst reports whether the dimension is a wildcard.
func (id Identifier) IsConst() bool { return id.Tag == ConstTag }

// Matches compares the value of two identifiers of the same dimension.
func (id Identifier) Matches(other Identifier) bool {
	if id.Numeric != other.Numeric {
		return false
	}
	if id.Numeric {
		return id.ID == other.ID
	}
	return id.Name == other.Name
}

// SQLValue renders the identifier value for a WHERE clause.
func (id Identifier) SQLValue() string {
	if id.Numeric {
		return fmt.Sprintf("%d", id.ID)
	}
	return "'" + strings.ReplaceAll(id.Name, "'", "''") + "'"
}

// NumericID returns a numeric identifier for tag.
func NumericID(tag string, v uint64) Identifier {
	return Identifier{Tag: tag, ID: v, Numeric: true}
}

// NamedID returns a string identifier for tag.
func NamedID(tag, name string) Identifier {
	return Identifier{Tag: tag, Name: name}
}

// ConstID returns a wildcard identifier.
func ConstID() Identifier {
	return Identifier{Tag: ConstTag}
}

// Track is a logical timeline of homogeneous records.
type Track struct {
	ID          uint32
	Category    Category
	Operation   Operation
	Identifiers [NumIdentifiers]Identifier
	// Instance names the trace database the track was discovered in.
	Instance string

	RecordCount uint64
	MinTS       int64
	MaxTS       int64
	MinValue    float64
	MaxValue    float64

	// Queries holds the SQL fragments per query type. Each fragment is
	// completed with a WHERE clause selecting this track.
	Queries map[QueryType][]string

	// LoadIDs lists the additional instances that contributed records.
	LoadIDs []string
}

// SliceQueryType returns the slice query type that applies to this track.
func (t *Track) SliceQueryType() QueryType {
	if t.Category == Stream {
		return QuerySliceByStream
	}
	return QuerySlice
}

// Splittable reports whether the track's history may be partitioned by time.
// Single allocation and copy events are cheap and never split.
func (t *Track) Splittable() bool {
	return t.Category != MemoryAllocation && t.Category != MemoryCopy
}

// tagTuple returns "(tag, tag)" and "(value, value)" over non-const dimensions.
func (t *Track) tagTuple() (string, string) {
	var tags, vals []string
	for _, id := range t.Identifiers {
		if id.IsConst() {
			continue
		}
		tags = append(tags, id.Tag)
		vals = append(vals, id.SQLValue())
	}
	return "(" + strings.Join(tags, ",") + ")", "(" + strings.Join(vals, ",") + ")"
}

// equalityClause returns "tag==value and tag==value" over non-const dimensions.
func (t *Track) equalityClause() string {
	var parts []string
	for _, id := range t.Identifiers {
		if id.IsConst() {
			continue
		}
		parts = append(parts, id.Tag+"=="+id.SQLValue())
	}
	return strings.Join(parts, " and ")
}

func (t *Track) clone() *Track {
	cp := *t
	cp.Queries = make(map[QueryType][]string, len(t.Queries))
	for k, v := range t.Queries {
		cp.Queries[k] = append([]string(nil), v...)
	}
	cp.LoadIDs = append([]string(nil), t.LoadIDs...)
	return &cp
}

// Info describes a track for listings.
type Info struct {
	ID          uint32   `json:"id"`
	Category    string   `json:"category"`
	Operation   string   `json:"operation"`
	Identifiers []string `json:"identifiers"`
	Instance    string   `json:"instance"`
	Records     uint64   `json:"records"`
	MinTS       int64    `json:"min_ts"`
	MaxTS       int64    `json:"max_ts"`
}

// Info returns the listing view of the track. Wildcard dimensions are left
// out.
func (t *Track) Info() Info {
	info := Info{
		ID:          t.ID,
		Category:    t.Category.String(),
		Operation:   t.Operation.String(),
		Identifiers: []string{},
		Instance:    t.Instance,
		Records:     t.RecordCount,
		MinTS:       t.MinTS,
		MaxTS:       t.MaxTS,
	}
	for _, id := range t.Identifiers {
		if id.IsConst() {
			continue
		}
		v := id.Name
		if id.Numeric {
			v = fmt.Sprintf("%d", id.ID)
		}
		info.Identifiers = append(info.Identifiers, id.Tag+"="+v)
	}
	return info
}
