package track

import (
	"strconv"
	"strings"
)

// Command names recognized in compound query text.
const (
	CmdType   = "TYPE"
	CmdGroup  = "GROUP"
	CmdFilter = "FILTER"
	CmdSort   = "SORT"
	CmdCount  = "COUNT"
	CmdLimit  = "LIMIT"
	CmdOffset = "OFFSET"
)

const commandPrefix = "-- CMD:"

// Command is one "-- CMD: NAME parameter" directive.
type Command struct {
	Name      string
	Parameter string
}

// Statement is one per-track SQL statement of a compound query.
type Statement struct {
	SQL string
	// Bound is set when a ";<track_id>;<instance>" line followed the
	// statement.
	Bound    bool
	TrackID  uint32
	Instance string
}

// Compound is parsed compound query text.
type Compound struct {
	Statements []Statement
	Commands   []Command
}

// ParseCompound splits text into statements, track bindings and commands.
// The second result reports whether the text is a compound query, that is
// it holds more than one statement or at least one command.
func ParseCompound(text string) (Compound, bool) {
	var c Compound
	var pending strings.Builder

	flush := func() {
		sql := strings.TrimSpace(pending.String())
		pending.Reset()
		if sql != "" {
			c.Statements = append(c.Statements, Statement{SQL: sql})
		}
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, commandPrefix):
			flush()
			if cmd, ok := parseCommand(line); ok {
				c.Commands = append(c.Commands, cmd)
			}
		case strings.HasPrefix(line, ";"):
			flush()
			id, instance, ok := parseBinding(line)
			if !ok || len(c.Statements) == 0 {
				continue
			}
			last := &c.Statements[len(c.Statements)-1]
			if !last.Bound {
				last.Bound, last.TrackID, last.Instance = true, id, instance
			}
		default:
			parts := strings.Split(line, ";")
			for i, part := range parts {
				pending.WriteString(part)
				pending.WriteString(" ")
				if i < len(parts)-1 {
					flush()
				}
			}
		}
	}
	flush()

	return c, len(c.Statements) > 1 || len(c.Commands) > 0
}

func parseCommand(line string) (Command, bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, commandPrefix))
	if body == "" {
		return Command{}, false
	}
	name, param, _ := strings.Cut(body, " ")
	return Command{Name: strings.ToUpper(name), Parameter: strings.TrimSpace(param)}, true
}

func parseBinding(line string) (uint32, string, bool) {
	fields := strings.Split(strings.TrimPrefix(line, ";"), ";")
	if len(fields) < 2 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(id), strings.TrimSpace(fields[1]), true
}

// Command returns the first command with the given name.
func (c Compound) Command(name string) (Command, bool) {
	for _, cmd := range c.Commands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return Command{}, false
}

// Param returns the parameter of the named command, or "" when absent.
func (c Compound) Param(name string) string {
	cmd, _ := c.Command(name)
	return cmd.Parameter
}

// Has reports whether the named command is present.
func (c Compound) Has(name string) bool {
	_, ok := c.Command(name)
	return ok
}

// TrackIDs returns the ids of bound statements in order.
func (c Compound) TrackIDs() []uint32 {
	var ids []uint32
	for _, s := range c.Statements {
		if s.Bound {
			ids = append(ids, s.TrackID)
		}
	}
	return ids
}

// String renders the compound query back to text that ParseCompound
// accepts.
func (c Compound) String() string {
	var sb strings.Builder
	for _, s := range c.Statements {
		sb.WriteString(s.SQL)
		sb.WriteString("\n")
		if s.Bound {
			sb.WriteString(";")
			sb.WriteString(strconv.FormatUint(uint64(s.TrackID), 10))
			sb.WriteString(";")
			sb.WriteString(s.Instance)
			sb.WriteString("\n")
		}
	}
	for _, cmd := range c.Commands {
		sb.WriteString(commandPrefix)
		sb.WriteString(" ")
		sb.WriteString(cmd.Name)
		if cmd.Parameter != "" {
			sb.WriteString(" ")
			sb.WriteString(cmd.Parameter)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// SortOrder parses a SORT parameter "ASC col" or "DESC col". A bare column
// sorts ascending.
func SortOrder(param string) (column string, desc bool) {
	dir, rest, found := strings.Cut(strings.TrimSpace(param), " ")
	switch strings.ToUpper(dir) {
	case "ASC":
		return strings.TrimSpace(rest), false
	case "DESC":
		return strings.TrimSpace(rest), true
	}
	if !found {
		return dir, false
	}
	return strings.TrimSpace(param), false
}

// BuildCompoundQuery plans statements with PlanTrackQueries and binds each
// one to its track and instance, followed by cmds. Split tracks contribute
// one statement per time bucket, all bound to the same track.
func (b *Builder) BuildCompoundQuery(opts PlanOptions, cmds ...Command) (Compound, []uint32, error) {
	planned, skipped, err := b.PlanTrackQueries(opts)
	if err != nil {
		return Compound{}, skipped, err
	}
	c := Compound{Commands: cmds}
	for _, pq := range planned {
		c.Statements = append(c.Statements, Statement{
			SQL:      strings.TrimSuffix(strings.TrimSpace(pq.SQL), ";"),
			Bound:    true,
			TrackID:  pq.TrackID,
			Instance: pq.Instance,
		})
	}
	return c, skipped, nil
}
