package http

import (
	"net/http"

	"github.com/go-kit/log"
)

// Routes holds the handlers served by NewRouter. Nil handlers are not
// registered.
type Routes struct {
	Query   http.Handler
	Table   http.Handler
	Slice   http.Handler
	Export  http.Handler
	Tracks  http.Handler
	Recount http.Handler
	Health  http.Handler
	Metrics http.Handler
}

// NewRouter mounts the API under /v1 with the default middleware. gate,
// when not nil, wraps every route except /metrics.
func NewRouter(routes Routes, logger log.Logger, gate func(http.Handler) http.Handler) http.Handler {
	mw := DefaultMiddleware(logger)
	if gate != nil {
		mw = ChainMiddleware(gate, mw)
	}

	mux := http.NewServeMux()
	for path, h := range map[string]http.Handler{
		"/v1/query":          routes.Query,
		"/v1/table":          routes.Table,
		"/v1/slice":          routes.Slice,
		"/v1/export":         routes.Export,
		"/v1/tracks":         routes.Tracks,
		"/v1/tracks/recount": routes.Recount,
		"/health":            routes.Health,
	} {
		if h != nil {
			mux.Handle(path, mw(h))
		}
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}
	return mux
}
