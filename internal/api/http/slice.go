package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/processor"
	"github.com/arkilian/tracequery/internal/track"
)

// Slicer runs slice statements over a time window.
type Slicer interface {
	Slice(ctx context.Context, req processor.SliceRequest, rb processor.RowBuilder) (processor.DirectOutcome, error)
}

// SliceResponse carries one table per instance and category.
type SliceResponse struct {
	Tables    []*processor.ResultTable `json:"tables"`
	Outcome   processor.DirectOutcome  `json:"outcome"`
	ElapsedMs int64                    `json:"elapsed_ms"`
	RequestID string                   `json:"request_id"`
}

// SliceHandler handles POST /v1/slice requests.
type SliceHandler struct {
	slicer Slicer
	logger log.Logger
}

// NewSliceHandler creates a new slice handler.
func NewSliceHandler(s Slicer, logger log.Logger) *SliceHandler {
	return &SliceHandler{
		slicer: s,
		logger: log.With(observability.OrNop(logger), "handler", "slice"),
	}
}

// ServeHTTP handles the slice HTTP request.
func (h *SliceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req processor.SliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	start := time.Now()
	rs := &processor.ResultSet{}
	out, err := h.slicer.Slice(r.Context(), req, rs)
	if err != nil {
		level.Warn(h.logger).Log("msg", "slice failed", "request_id", requestID, "err", err)
		writeTraceError(w, err, requestID)
		return
	}
	level.Debug(h.logger).Log("msg", "slice served", "request_id", requestID, "statements", out.Statements,
		"rows", out.Rows, "took", time.Since(start))

	writeJSON(w, http.StatusOK, SliceResponse{
		Tables:    nonNilTables(rs.Tables),
		Outcome:   out,
		ElapsedMs: time.Since(start).Milliseconds(),
		RequestID: requestID,
	})
}

// Planner builds compound queries over the registered tracks.
type Planner interface {
	Plan(req processor.PlanRequest) (track.Compound, []uint32, error)
}

// TableRequest selects tracks and commands for a planned compound query.
type TableRequest struct {
	processor.PlanRequest
	QueryUpdated bool `json:"query_updated"`
}

// TableHandler handles POST /v1/table requests: it plans the table
// statements of the selected tracks and runs them as a compound query.
type TableHandler struct {
	planner Planner
	querier Querier
	logger  log.Logger
}

// NewTableHandler creates a new planned table handler.
func NewTableHandler(p Planner, q Querier, logger log.Logger) *TableHandler {
	return &TableHandler{
		planner: p,
		querier: q,
		logger:  log.With(observability.OrNop(logger), "handler", "table"),
	}
}

// ServeHTTP handles the planned table HTTP request.
func (h *TableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req TableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}

	start := time.Now()
	c, skipped, err := h.planner.Plan(req.PlanRequest)
	if err != nil {
		level.Warn(h.logger).Log("msg", "planning failed", "request_id", requestID, "err", err)
		writeTraceError(w, err, requestID)
		return
	}
	rs := &processor.ResultSet{}
	out, err := h.querier.Execute(r.Context(), c.String(), req.QueryUpdated, rs)
	if err != nil {
		level.Warn(h.logger).Log("msg", "table query failed", "request_id", requestID, "err", err)
		writeTraceError(w, err, requestID)
		return
	}
	out.Skipped = append(out.Skipped, skipped...)
	level.Debug(h.logger).Log("msg", "table served", "request_id", requestID, "statements", len(c.Statements),
		"total", out.Total, "emitted", out.Emitted, "took", time.Since(start))

	writeJSON(w, http.StatusOK, QueryResponse{
		Tables:    nonNilTables(rs.Tables),
		Outcome:   out,
		ElapsedMs: time.Since(start).Milliseconds(),
		RequestID: requestID,
	})
}

// Recounter recounts the records of registered tracks.
type Recounter interface {
	RecountTracks(ctx context.Context, ids []uint32) (processor.RecountOutcome, error)
}

// RecountRequest lists the tracks to recount. Empty recounts every track.
type RecountRequest struct {
	Tracks []uint32 `json:"tracks"`
}

// RecountResponse reports a recount.
type RecountResponse struct {
	Outcome   processor.RecountOutcome `json:"outcome"`
	ElapsedMs int64                    `json:"elapsed_ms"`
	RequestID string                   `json:"request_id"`
}

// RecountHandler handles POST /v1/tracks/recount requests.
type RecountHandler struct {
	recounter Recounter
	logger    log.Logger
}

// NewRecountHandler creates a new recount handler.
func NewRecountHandler(rc Recounter, logger log.Logger) *RecountHandler {
	return &RecountHandler{
		recounter: rc,
		logger:    log.With(observability.OrNop(logger), "handler", "recount"),
	}
}

// ServeHTTP handles the recount HTTP request.
func (h *RecountHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req RecountRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
			return
		}
	}

	start := time.Now()
	out, err := h.recounter.RecountTracks(r.Context(), req.Tracks)
	if err != nil {
		level.Warn(h.logger).Log("msg", "recount failed", "request_id", requestID, "err", err)
		writeTraceError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, RecountResponse{
		Outcome:   out,
		ElapsedMs: time.Since(start).Milliseconds(),
		RequestID: requestID,
	})
}

// nonNilTables makes empty tables encode as empty lists.
func nonNilTables(tables []*processor.ResultTable) []*processor.ResultTable {
	if tables == nil {
		return []*processor.ResultTable{}
	}
	for _, t := range tables {
		if t.Columns == nil {
			t.Columns = []string{}
		}
		if t.Rows == nil {
			t.Rows = [][]string{}
		}
	}
	return tables
}
