// Package observability provides logging, metrics and column usage
// statistics for the query engine.
package observability

import (
	"sort"
	"sync"
	"time"
)

// Column usages recorded by the table processor.
const (
	UsageFilter = "FILTER"
	UsageGroup  = "GROUP"
	UsageSort   = "SORT"
)

// QueryStats tracks how often columns are filtered, grouped and sorted by.
type QueryStats struct {
	mu      sync.RWMutex
	columns map[string]*ColumnStats
	window  time.Duration
}

// ColumnStats holds usage statistics for one column.
type ColumnStats struct {
	Column    string
	Frequency int64
	LastSeen  time.Time
	Usages    map[string]int // usage → count (e.g., "FILTER" → 5, "SORT" → 2)
}

// NewQueryStats creates a tracker. Entries unseen for longer than window
// are dropped by Prune.
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		columns: make(map[string]*ColumnStats),
		window:  window,
	}
}

// RecordColumn records one use of column. It is O(1) and thread-safe.
func (q *QueryStats) RecordColumn(column, usage string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.columns[column]
	if !exists {
		stats = &ColumnStats{
			Column: column,
			Usages: make(map[string]int),
		}
		q.columns[column] = stats
	}

	stats.Frequency++
	stats.LastSeen = time.Now()
	stats.Usages[usage]++
}

// TopColumns returns copies of the n most used columns, most used first.
func (q *QueryStats) TopColumns(n int) []ColumnStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(q.columns) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(q.columns))
	for _, s := range q.columns {
		c := ColumnStats{
			Column:    s.Column,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Usages:    make(map[string]int, len(s.Usages)),
		}
		for u, count := range s.Usages {
			c.Usages[u] = count
		}
		stats = append(stats, c)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)
	for col, stats := range q.columns {
		if stats.LastSeen.Before(threshold) {
			delete(q.columns, col)
		}
	}
}
