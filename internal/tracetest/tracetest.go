// Package tracetest builds small SQLite trace databases and matching track
// templates for tests.
package tracetest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/tracequery/internal/track"
)

// Kernel is one kernel dispatch record.
type Kernel struct {
	ID    int64
	Agent int64
	Queue int64
	Name  string
	Start int64
	End   int64
}

// Copy is one memory copy record.
type Copy struct {
	ID    int64
	Agent int64
	Bytes int64
	Start int64
	End   int64
}

// Sample is one counter sample.
type Sample struct {
	ID    int64
	Agent int64
	Value float64
	Start int64
}

// Templates describes kernel tracks per (node, agent, queue) and copy
// tracks per (node, agent) over the schema written by WriteDB.
const Templates = `
tracks:
  - name: kernels
    category: kernel-dispatch
    operation: 2
    tags: [nodeId, agentId, queueId]
    numeric: [true, true, true]
    identify: >-
      SELECT nodeId, agentId, queueId, COUNT(*) AS count, MIN(startTs) AS min_ts, MAX(endTs) AS max_ts
      FROM kernels GROUP BY nodeId, agentId, queueId
    slice:
      - SELECT id, startTs, endTs, 0 AS level, nodeId, agentId, queueId FROM kernels
    table:
      - >-
        SELECT id, 2 AS op, nodeId, agentId, queueId, queueId AS __streamTrackId, name AS kernel_name,
        startTs, endTs, endTs - startTs AS duration FROM kernels
  - name: copies
    category: memory-copy
    operation: 4
    tags: [nodeId, agentId]
    numeric: [true, true]
    identify: >-
      SELECT nodeId, agentId, COUNT(*) AS count, MIN(startTs) AS min_ts, MAX(endTs) AS max_ts
      FROM copies GROUP BY nodeId, agentId
    slice:
      - SELECT id, startTs, endTs, 0 AS level, nodeId, agentId FROM copies
    table:
      - >-
        SELECT id, 4 AS op, nodeId, agentId, 'copy' AS kernel_name, bytes, startTs, endTs,
        endTs - startTs AS duration FROM copies
`

// SampleTemplates describes counter tracks per (node, agent) over the
// samples table written by WriteSamples.
const SampleTemplates = `
tracks:
  - name: counters
    category: pmc
    operation: 0
    tags: [nodeId, agentId]
    numeric: [true, true]
    identify: >-
      SELECT nodeId, agentId, COUNT(*) AS count, MIN(startTs) AS min_ts, MAX(startTs) AS max_ts
      FROM samples GROUP BY nodeId, agentId
    slice:
      - SELECT id, startTs, startTs AS endTs, 0 AS level, nodeId, agentId FROM samples
    table:
      - SELECT id, nodeId, agentId, value AS counterValue, startTs FROM samples
`

// LoadTemplates parses Templates.
func LoadTemplates(t testing.TB) *track.Templates {
	t.Helper()
	tmpl, err := track.ParseTemplates([]byte(Templates))
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}
	return tmpl
}

// WriteDB creates a trace database named name in a temporary directory and
// returns its path. All records belong to node 0.
func WriteDB(t testing.TB, name string, kernels []Kernel, copies []Copy) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE kernels (id INTEGER, nodeId INTEGER, agentId INTEGER, queueId INTEGER,
			name TEXT, startTs INTEGER, endTs INTEGER)`,
		`CREATE TABLE copies (id INTEGER, nodeId INTEGER, agentId INTEGER, bytes INTEGER,
			startTs INTEGER, endTs INTEGER)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, k := range kernels {
		if _, err := tx.Exec(`INSERT INTO kernels VALUES (?, 0, ?, ?, ?, ?, ?)`,
			k.ID, k.Agent, k.Queue, k.Name, k.Start, k.End); err != nil {
			t.Fatalf("insert kernel: %v", err)
		}
	}
	for _, c := range copies {
		if _, err := tx.Exec(`INSERT INTO copies VALUES (?, 0, ?, ?, ?, ?)`,
			c.ID, c.Agent, c.Bytes, c.Start, c.End); err != nil {
			t.Fatalf("insert copy: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return path
}

// WriteSamples adds a samples table holding samples to the database at
// path. All samples belong to node 0.
func WriteSamples(t testing.TB, path string, samples []Sample) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE samples (id INTEGER, nodeId INTEGER, agentId INTEGER,
		value REAL, startTs INTEGER)`); err != nil {
		t.Fatalf("create samples: %v", err)
	}
	for _, s := range samples {
		if _, err := db.Exec(`INSERT INTO samples VALUES (?, 0, ?, ?, ?)`,
			s.ID, s.Agent, s.Value, s.Start); err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}
}

// Kernels generates n kernels on one queue with ids from firstID, cycling
// through names. Kernel i lasts duration(i) and starts at 10*i.
func Kernels(firstID int64, n int, agent, queue int64, names []string, duration func(i int) int64) []Kernel {
	out := make([]Kernel, n)
	for i := range out {
		start := int64(i) * 10
		out[i] = Kernel{
			ID:    firstID + int64(i),
			Agent: agent,
			Queue: queue,
			Name:  names[i%len(names)],
			Start: start,
			End:   start + duration(i),
		}
	}
	return out
}
