package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the API routes.
func NewRouter(h *Handler, hub *Hub) *mux.Router {
	r := mux.NewRouter()
	// An explicit NotFoundHandler keeps unknown paths inside the
	// middleware chain, so they still land in the request metrics.
	r.NotFoundHandler = http.NotFoundHandler()
	r.Use(recordRequests)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/track", h.HandleTrack).Methods(http.MethodPost)
	api.HandleFunc("/assert", h.HandleAssert).Methods(http.MethodPost)
	api.HandleFunc("/beam", h.HandleBeam).Methods(http.MethodPost)
	api.HandleFunc("/values", h.HandleValues).Methods(http.MethodGet)
	api.HandleFunc("/scan", h.HandleScan).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)
	api.HandleFunc("/prune", h.HandlePrune).Methods(http.MethodPost)
	if hub != nil {
		api.HandleFunc("/live", hub.ServeWS)
	}

	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// The live feed hijacks the connection; a wrapped writer would
		// break the websocket upgrade.
		if req.URL.Path == "/api/v1/live" {
			next.ServeHTTP(w, req)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		// Label by route template, not the raw path: arbitrary request
		// paths would grow the metric without bound.
		endpoint := "unmatched"
		if route := mux.CurrentRoute(req); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		metricRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%dxx", rec.status/100)).Inc()
	})
}
