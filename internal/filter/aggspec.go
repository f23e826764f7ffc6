package filter

import (
	"strings"

	"github.com/grafana/regexp"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// AggregateFunc is the command of one aggregation item.
type AggregateFunc int

const (
	AggGroup AggregateFunc = iota
	AggCount
	AggAvg
	AggMin
	AggMax
	AggSum
)

var aggregateFuncNames = [...]string{"GROUP", "COUNT", "AVG", "MIN", "MAX", "SUM"}

func (f AggregateFunc) String() string {
	if int(f) < len(aggregateFuncNames) {
		return aggregateFuncNames[f]
	}
	return "UNKNOWN"
}

// AggregationItem is one comma separated entry of a GROUP command.
type AggregationItem struct {
	Column     string
	Func       AggregateFunc
	PublicName string
}

var aggregationItemRe = regexp.MustCompile(
	`(?i)^([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*([^)]+?)\s*\)\s*(?:AS\s+([A-Za-z_][A-Za-z0-9_]*))?$`)

// ParseAggregationSpec parses "col, FUNC(col) [AS alias], ..." into items.
// Bare names group by that column. A function call without an alias is
// published as FUNC_column. Unknown function names group by the argument.
func ParseAggregationSpec(line string) ([]AggregationItem, error) {
	var items []AggregationItem
	for _, raw := range splitTopLevel(line) {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		m := aggregationItemRe.FindStringSubmatch(tok)
		if m == nil {
			if !isBareColumn(tok) {
				return nil, terrors.Newf(terrors.ErrCategoryParse, terrors.CodeParseError,
					"invalid aggregation item %q", tok)
			}
			items = append(items, AggregationItem{Column: tok, Func: AggGroup, PublicName: tok})
			continue
		}

		fn := strings.ToUpper(m[1])
		item := AggregationItem{Column: m[2], PublicName: m[3]}
		switch fn {
		case "COUNT":
			item.Func = AggCount
		case "AVG":
			item.Func = AggAvg
		case "MIN":
			item.Func = AggMin
		case "MAX":
			item.Func = AggMax
		case "SUM":
			item.Func = AggSum
		default:
			item.Func = AggGroup
		}
		if item.PublicName == "" {
			if item.Func == AggGroup {
				item.PublicName = item.Column
			} else {
				item.PublicName = fn + "_" + item.Column
			}
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, terrors.New(terrors.ErrCategoryParse, terrors.CodeParseError, "empty aggregation spec")
	}
	return items, nil
}

// splitTopLevel splits on commas that are not inside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func isBareColumn(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(isLetter(c) || c == '_' || c == '.' || (i > 0 && isDigit(c))) {
			return false
		}
	}
	return len(s) > 0
}
