package http

import (
	"net/http"
	"strings"

	"github.com/arkilian/tracequery/internal/track"
)

// TracksResponse lists the discovered tracks.
type TracksResponse struct {
	Tracks    []track.Info `json:"tracks"`
	StartTS   int64        `json:"start_ts"`
	EndTS     int64        `json:"end_ts"`
	RequestID string       `json:"request_id"`
}

// TracksHandler handles GET /v1/tracks requests. The optional category
// query parameter restricts the listing.
type TracksHandler struct {
	reg *track.Registry
}

// NewTracksHandler creates a new tracks handler.
func NewTracksHandler(reg *track.Registry) *TracksHandler {
	return &TracksHandler{reg: reg}
}

// ServeHTTP handles the tracks HTTP request.
func (h *TracksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var filter *track.Category
	if v := strings.TrimSpace(r.URL.Query().Get("category")); v != "" {
		c, err := track.ParseCategory(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
			return
		}
		filter = &c
	}

	resp := TracksResponse{Tracks: []track.Info{}, RequestID: requestID}
	for _, t := range h.reg.Tracks() {
		if filter != nil && t.Category != *filter {
			continue
		}
		resp.Tracks = append(resp.Tracks, t.Info())
	}
	resp.StartTS, resp.EndTS = h.reg.TraceRange()
	writeJSON(w, http.StatusOK, resp)
}

// SourceLister reports the configured and the locally cached trace
// instances.
type SourceLister interface {
	Instances() []string
	Cached() []string
}

// HealthResponse reports service readiness.
type HealthResponse struct {
	Status  string   `json:"status"`
	Tracks  int      `json:"tracks"`
	Sources []string `json:"sources"`
	Cached  []string `json:"cached"`
}

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	reg     *track.Registry
	sources SourceLister
}

// NewHealthHandler creates a health handler. sources may be nil.
func NewHealthHandler(reg *track.Registry, sources SourceLister) *HealthHandler {
	return &HealthHandler{reg: reg, sources: sources}
}

// ServeHTTP handles the health HTTP request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Sources: []string{}, Cached: []string{}}
	if h.reg != nil {
		resp.Tracks = h.reg.Len()
	}
	if h.sources != nil {
		resp.Sources = append(resp.Sources, h.sources.Instances()...)
		resp.Cached = append(resp.Cached, h.sources.Cached()...)
	}
	writeJSON(w, http.StatusOK, resp)
}
