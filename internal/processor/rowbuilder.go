package processor

// RowBuilder receives query results. All cells cross this boundary as
// text; numeric formatting happens before the call.
type RowBuilder interface {
	AddTable() Table
}

// Table is one result table under construction.
type Table interface {
	AddColumn(name string) error
	AddRow() Row
}

// Row is one result row under construction.
type Row interface {
	AddCell(text string) error
}

// ResultSet is an in-memory RowBuilder.
type ResultSet struct {
	Tables []*ResultTable `json:"tables"`
}

var _ RowBuilder = (*ResultSet)(nil)

// AddTable appends an empty table.
func (r *ResultSet) AddTable() Table {
	t := &ResultTable{}
	r.Tables = append(r.Tables, t)
	return t
}

// ResultTable is a table of text cells.
type ResultTable struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// AddColumn appends a column name.
func (t *ResultTable) AddColumn(name string) error {
	t.Columns = append(t.Columns, name)
	return nil
}

// AddRow appends an empty row.
func (t *ResultTable) AddRow() Row {
	t.Rows = append(t.Rows, nil)
	return &resultRow{t: t, i: len(t.Rows) - 1}
}

type resultRow struct {
	t *ResultTable
	i int
}

func (r *resultRow) AddCell(text string) error {
	r.t.Rows[r.i] = append(r.t.Rows[r.i], text)
	return nil
}

// emitter writes one table through a RowBuilder.
type emitter struct {
	t    Table
	rows int
}

func newEmitter(rb RowBuilder, columns []string) (*emitter, error) {
	t := rb.AddTable()
	for _, c := range columns {
		if err := t.AddColumn(c); err != nil {
			return nil, err
		}
	}
	return &emitter{t: t}, nil
}

func (e *emitter) row(cells []string) error {
	r := e.t.AddRow()
	for _, c := range cells {
		if err := r.AddCell(c); err != nil {
			return err
		}
	}
	e.rows++
	return nil
}
