package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/processor"
)

// Querier runs query text against the table processors.
type Querier interface {
	Execute(ctx context.Context, text string, queryUpdated bool, rb processor.RowBuilder) (processor.Outcome, error)
}

// QueryRequest represents a query request.
type QueryRequest struct {
	Query        string `json:"query"`
	QueryUpdated bool   `json:"query_updated"`
}

// QueryResponse represents the query response.
type QueryResponse struct {
	Tables    []*processor.ResultTable `json:"tables"`
	Outcome   processor.Outcome        `json:"outcome"`
	ElapsedMs int64                    `json:"elapsed_ms"`
	RequestID string                   `json:"request_id"`
}

// QueryHandler handles POST /v1/query requests.
type QueryHandler struct {
	querier Querier
	logger  log.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(q Querier, logger log.Logger) *QueryHandler {
	return &QueryHandler{
		querier: q,
		logger:  log.With(observability.OrNop(logger), "handler", "query"),
	}
}

// ServeHTTP handles the query HTTP request.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required", "", requestID)
		return
	}

	start := time.Now()
	rs := &processor.ResultSet{}
	out, err := h.querier.Execute(r.Context(), req.Query, req.QueryUpdated, rs)
	if err != nil {
		level.Warn(h.logger).Log("msg", "query failed", "request_id", requestID, "err", err)
		writeTraceError(w, err, requestID)
		return
	}

	resp := QueryResponse{
		Tables:    nonNilTables(rs.Tables),
		Outcome:   out,
		ElapsedMs: time.Since(start).Milliseconds(),
		RequestID: requestID,
	}
	level.Debug(h.logger).Log("msg", "query served", "request_id", requestID, "bucket", out.Bucket,
		"total", out.Total, "emitted", out.Emitted, "fetched", out.Fetched, "took", time.Since(start))

	writeJSON(w, http.StatusOK, resp)
}
