package aggregator

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/tracequery/internal/table"
)

// group is one distinct combination of group column values together with
// the partials of every aggregate item.
type group struct {
	hash     uint64
	key      []byte
	values   []Result
	partials []*Partial
}

// slot is the private accumulator state of one worker, keyed by the hash
// of the serialized group key. Colliding keys share a bucket.
type slot map[uint64][]*group

func (s slot) find(hash uint64, key []byte) *group {
	for _, g := range s[hash] {
		if bytes.Equal(g.key, key) {
			return g
		}
	}
	return nil
}

func (s slot) insert(g *group) {
	s[g.hash] = append(s[g.hash], g)
}

// groupKey serializes the group cells of one row into buf and returns the
// result values they resolve to. Strings are interned so the key holds a
// fixed-width id.
func groupKey(buf []byte, cells []table.Cell, strs *table.StringTable) ([]byte, []Result) {
	values := make([]Result, len(cells))
	var word [8]byte
	for i, c := range cells {
		r := resultOf(c, strs)
		values[i] = r
		buf = append(buf, byte(r.Type))
		switch r.Type {
		case NumericDouble:
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(r.F))
		default:
			binary.LittleEndian.PutUint64(word[:], r.U)
		}
		buf = append(buf, word[:]...)
	}
	return buf, values
}

func hashKey(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// resultOf converts a group cell to its output value. Negative integers
// are carried as doubles.
func resultOf(c table.Cell, strs *table.StringTable) Result {
	switch c.Kind {
	case table.CellUint:
		return uintResult(c.U)
	case table.CellInt:
		if c.I >= 0 {
			return uintResult(uint64(c.I))
		}
		return doubleResult(float64(c.I))
	case table.CellDouble:
		return doubleResult(c.F)
	case table.CellString:
		return Result{Type: NotNumeric, U: uint64(strs.Intern(c.S))}
	}
	return Result{Type: NotNumeric}
}
