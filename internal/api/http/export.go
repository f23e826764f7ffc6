package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/processor"
)

// Exporter writes the current view of a table processor.
type Exporter interface {
	Export(ctx context.Context, tp *processor.TableProcessor) (processor.ExportResult, error)
}

// ExportRequest selects the view to export. Type takes the same values as
// the TYPE command of compound queries; empty selects the event view.
type ExportRequest struct {
	Type string `json:"type"`
}

// ExportResponse represents the export response.
type ExportResponse struct {
	processor.ExportResult
	RequestID string `json:"request_id"`
}

// ExportHandler handles POST /v1/export requests.
type ExportHandler struct {
	proc     *processor.Processor
	exporter Exporter
	logger   log.Logger
}

// NewExportHandler creates a new export handler.
func NewExportHandler(proc *processor.Processor, exporter Exporter, logger log.Logger) *ExportHandler {
	return &ExportHandler{
		proc:     proc,
		exporter: exporter,
		logger:   log.With(observability.OrNop(logger), "handler", "export"),
	}
}

// ServeHTTP handles the export HTTP request.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	b, err := processor.ParseBucket(req.Type)
	if err != nil {
		writeTraceError(w, err, requestID)
		return
	}

	res, err := h.exporter.Export(r.Context(), h.proc.Bucket(b))
	if err != nil {
		level.Warn(h.logger).Log("msg", "export failed", "request_id", requestID, "bucket", b, "err", err)
		writeTraceError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, ExportResponse{ExportResult: res, RequestID: requestID})
}
