// Package table holds packed per-track query results and the merged,
// indirectly sorted view built from them.
package table

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ColumnType is the physical width of a packed column.
type ColumnType uint8

const (
	TypeNull ColumnType = iota
	TypeByte
	TypeWord
	TypeDword
	TypeQword
	TypeDouble
)

// Size returns the number of bytes a column of this type occupies.
func (t ColumnType) Size() int {
	switch t {
	case TypeByte:
		return 1
	case TypeWord:
		return 2
	case TypeDword:
		return 4
	case TypeQword, TypeDouble:
		return 8
	}
	return 0
}

func (t ColumnType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeByte:
		return "byte"
	case TypeWord:
		return "word"
	case TypeDword:
		return "dword"
	case TypeQword:
		return "qword"
	case TypeDouble:
		return "double"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Schema tags the semantic role of a column.
type Schema uint8

const (
	// SchemaData is an ordinary value. Qword data is a signed integer.
	SchemaData Schema = iota
	SchemaTrackID
	SchemaStreamTrackID
	SchemaCounterValue
	SchemaNull
	SchemaOperation
	SchemaEventID
	// SchemaStringRef cells hold ids into the shared StringTable.
	SchemaStringRef
)

var schemaNames = [...]string{"data", "track-id", "stream-track-id", "counter-value", "null", "operation", "event-id", "string-ref"}

func (s Schema) String() string {
	if int(s) < len(schemaNames) {
		return schemaNames[s]
	}
	return fmt.Sprintf("schema(%d)", uint8(s))
}

// ColumnDef is one column of a packed layout.
type ColumnDef struct {
	Name string
	Type ColumnType
	// Source is the column index in the originating result set.
	Source int
	Schema Schema
	Offset int
}

// StringTable interns strings so packed rows can store them by id.
// It is shared by all tables of a processor and safe for concurrent use.
type StringTable struct {
	mu   sync.RWMutex
	ids  map[string]uint32
	strs []string
}

// NewStringTable creates a string table. Id 0 is the empty string, which
// is also what a NULL text cell reads back as.
func NewStringTable() *StringTable {
	return &StringTable{ids: map[string]uint32{"": 0}, strs: []string{""}}
}

// Intern returns the id of s, adding it when new.
func (s *StringTable) Intern(str string) uint32 {
	s.mu.RLock()
	id, ok := s.ids[str]
	s.mu.RUnlock()
	if ok {
		return id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[str]; ok {
		return id
	}
	id = uint32(len(s.strs))
	s.strs = append(s.strs, str)
	s.ids[str] = id
	return id
}

// Lookup returns the string with the given id.
func (s *StringTable) Lookup(id uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id >= uint64(len(s.strs)) {
		return "", false
	}
	return s.strs[id], true
}

// ConvertStringReference resolves a string reference and reports whether
// the text is itself a number. Unknown ids resolve to "".
func (s *StringTable) ConvertStringReference(id uint64) (string, bool) {
	text, ok := s.Lookup(id)
	if !ok {
		return "", false
	}
	return text, IsNumericText(text)
}

// Len returns the number of interned strings.
func (s *StringTable) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.strs)
}

// IsNumericText reports whether text parses as a decimal number.
func IsNumericText(text string) bool {
	if text == "" || strings.Trim(text, "0123456789+-.eE") != "" {
		return false
	}
	_, err := strconv.ParseFloat(text, 64)
	return err == nil
}
