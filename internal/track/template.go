package track

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template describes how tracks of one category are discovered and queried.
// Tags name the identifying columns, "const" marks an unused dimension.
// Identify is a grouping query returning one row per track: a column named
// after each tag, then count, min_ts, max_ts and optionally min_value and
// max_value.
type Template struct {
	Name      string    `yaml:"name"`
	Category  Category  `yaml:"category"`
	Operation Operation `yaml:"operation"`
	Tags      []string  `yaml:"tags"`
	Numeric   []bool    `yaml:"numeric"`
	Identify  string    `yaml:"identify"`
	Slice     []string  `yaml:"slice"`
	Stream    []string  `yaml:"slice_by_stream"`
	Table     []string  `yaml:"table"`
}

// Templates is the parsed track template file.
type Templates struct {
	Tracks []Template `yaml:"tracks"`
}

//go:embed default_templates.yaml
var defaultTemplates []byte

// DefaultTemplates returns the templates for rocpd trace databases.
func DefaultTemplates() *Templates {
	t, err := ParseTemplates(defaultTemplates)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTemplates reads a YAML template file.
func LoadTemplates(path string) (*Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read track templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates parses YAML template text and validates every entry.
func ParseTemplates(data []byte) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse track templates: %w", err)
	}
	for i := range t.Tracks {
		if err := t.Tracks[i].validate(); err != nil {
			return nil, fmt.Errorf("track template %d (%s): %w", i, t.Tracks[i].Name, err)
		}
	}
	return &t, nil
}

func (t *Template) validate() error {
	if t.Category == CategoryUnknown {
		return fmt.Errorf("category is required")
	}
	if t.Identify == "" {
		return fmt.Errorf("identify query is required")
	}
	if len(t.Tags) > NumIdentifiers {
		return fmt.Errorf("at most %d tags are supported", NumIdentifiers)
	}
	for len(t.Tags) < NumIdentifiers {
		t.Tags = append(t.Tags, ConstTag)
	}
	for len(t.Numeric) < NumIdentifiers {
		t.Numeric = append(t.Numeric, false)
	}
	for i, tag := range t.Tags {
		if tag == "" {
			t.Tags[i] = ConstTag
		}
	}
	return nil
}

// Identifiers builds the identifier tuple for raw values read by the
// identify query, one per non-const tag.
func (t *Template) Identifiers(values [NumIdentifiers]interface{}) [NumIdentifiers]Identifier {
	var ids [NumIdentifiers]Identifier
	for i := range ids {
		tag := ConstTag
		if i < len(t.Tags) && t.Tags[i] != "" {
			tag = t.Tags[i]
		}
		if tag == ConstTag {
			ids[i] = ConstID()
			continue
		}
		switch v := values[i].(type) {
		case int64:
			ids[i] = NumericID(tag, uint64(v))
		case uint64:
			ids[i] = NumericID(tag, v)
		case float64:
			ids[i] = NumericID(tag, uint64(v))
		case []byte:
			ids[i] = NamedID(tag, string(v))
		case string:
			ids[i] = NamedID(tag, v)
		case nil:
			if i < len(t.Numeric) && t.Numeric[i] {
				ids[i] = NumericID(tag, 0)
			} else {
				ids[i] = NamedID(tag, "")
			}
		default:
			ids[i] = NamedID(tag, fmt.Sprint(v))
		}
	}
	return ids
}

func (t *Template) queryMap() map[QueryType][]string {
	m := make(map[QueryType][]string, 3)
	if len(t.Slice) > 0 {
		m[QuerySlice] = append([]string(nil), t.Slice...)
	}
	if len(t.Stream) > 0 {
		m[QuerySliceByStream] = append([]string(nil), t.Stream...)
	}
	if len(t.Table) > 0 {
		m[QueryTable] = append([]string(nil), t.Table...)
	}
	return m
}
