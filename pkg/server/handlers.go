// Package server exposes the aggregation core over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/config"
	"github.com/trifle-io/stats/pkg/httpx"
	"github.com/trifle-io/stats/pkg/payload"
	"github.com/trifle-io/stats/pkg/series"
	"github.com/trifle-io/stats/pkg/store"
)

var startTime = time.Now()

// Handler handles the tracking API
type Handler struct {
	tracker *store.Tracker
	backend store.Store
	hub     *Hub // optional live feed
	log     zerolog.Logger
}

// NewHandler creates a new API handler
func NewHandler(tracker *store.Tracker, backend store.Store, hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{tracker: tracker, backend: backend, hub: hub, log: log}
}

// WriteRequest is the payload for track, assert and beam calls.
type WriteRequest struct {
	Key    string         `json:"key"`
	At     time.Time      `json:"at"`
	Values map[string]any `json:"values"`
}

// WriteResponse reports an accepted write.
type WriteResponse struct {
	Status string    `json:"status"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
}

// PartialFanoutResponse lists which granularities took the write.
type PartialFanoutResponse struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// HandleTrack handles POST /api/v1/track (increment-merge).
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, "track", h.tracker.Track)
}

// HandleAssert handles POST /api/v1/assert (replace-merge).
func (h *Handler) HandleAssert(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, "assert", h.tracker.Assert)
}

// HandleBeam handles POST /api/v1/beam (latest-state snapshot).
func (h *Handler) HandleBeam(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, "beam", h.tracker.Beam)
}

type writeOp func(ctx context.Context, key string, at time.Time, values map[string]any) error

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, op string, write writeOp) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Key == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.WriteTimeout)
	defer cancel()

	if err := write(ctx, req.Key, req.At, req.Values); err != nil {
		h.respondWriteError(w, op, req.Key, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(Event{Op: op, Key: req.Key, At: req.At})
	}
	httpx.RespondJSON(w, http.StatusOK, WriteResponse{Status: "ok", Key: req.Key, At: req.At})
}

func (h *Handler) respondWriteError(w http.ResponseWriter, op, key string, err error) {
	var invalid *payload.InvalidPayloadError
	var partial *store.PartialFanoutError

	switch {
	case errors.As(err, &invalid):
		httpx.RespondError(w, http.StatusUnprocessableEntity, err)
	case errors.As(err, &partial):
		httpx.RespondJSON(w, http.StatusBadGateway, PartialFanoutResponse{
			Error:     http.StatusText(http.StatusBadGateway),
			Message:   err.Error(),
			Succeeded: granLabels(partial.Succeeded),
			Failed:    granLabels(partial.Failed),
		})
	case errors.Is(err, store.ErrUnavailable):
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
	default:
		h.log.Error().Err(err).Str("op", op).Str("key", key).Msg("write failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}

// ValuesResponse is the bucket sequence for one key and granularity.
type ValuesResponse struct {
	Key         string        `json:"key"`
	Granularity string        `json:"granularity"`
	Points      []ValuesPoint `json:"points"`
	Aggregate   *float64      `json:"aggregate,omitempty"`
}

// ValuesPoint is one bucket: start instant plus flattened document.
type ValuesPoint struct {
	Start  time.Time          `json:"start"`
	Values map[string]float64 `json:"values"`
}

// HandleValues handles GET /api/v1/values.
//
// Query params: key, from, to (RFC3339), granularity, skip_blanks, and
// optionally path + op (sum|mean|min|max|stddev) to include an aggregate
// scalar over the range. A zero-sample stddev aggregate is reported as
// JSON null, never NaN.
func (h *Handler) HandleValues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	key := q.Get("key")
	if key == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "key is required")
		return
	}

	g, err := bucket.Parse(q.Get("granularity"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err))
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err))
		return
	}
	if to.Before(from) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "to precedes from")
		return
	}
	skipBlanks := q.Get("skip_blanks") == "true"

	if n := h.tracker.Resolver().Count(from, to, g); n > config.MaxValuesBuckets {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("range covers %d buckets, limit is %d", n, config.MaxValuesBuckets))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ValuesTimeout)
	defer cancel()

	points, err := h.tracker.Values(ctx, key, from, to, g, skipBlanks)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}
		h.log.Error().Err(err).Str("key", key).Msg("values query failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := ValuesResponse{Key: key, Granularity: g.String(), Points: make([]ValuesPoint, 0, len(points))}
	for _, p := range points {
		resp.Points = append(resp.Points, ValuesPoint{Start: p.Start, Values: p.Data})
	}

	if path := q.Get("path"); path != "" && q.Get("op") != "" {
		agg, known := aggregateOver(points, path, q.Get("op"))
		if !known {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown op %q", q.Get("op")))
			return
		}
		resp.Aggregate = agg
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// aggregateOver computes the optional scalar. known is false only for an
// unknown operator; a defined-but-empty aggregate (stddev with zero
// count, min over no samples) comes back as a nil value.
func aggregateOver(points []store.Point, path, opName string) (value *float64, known bool) {
	s := series.New(points)

	if opName == "stddev" {
		if v, ok := s.StandardDeviation(path); ok {
			return &v, true
		}
		return nil, true
	}

	op, ok := series.ParseOp(opName)
	if !ok {
		return nil, false
	}
	if v, ok := s.Aggregate(path, op); ok {
		return &v, true
	}
	return nil, true
}

// ScanResponse is the latest beamed state for a key.
type ScanResponse struct {
	Key    string         `json:"key"`
	At     time.Time      `json:"at"`
	Values map[string]any `json:"values"`
}

// HandleScan handles GET /api/v1/scan.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "key is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ScanTimeout)
	defer cancel()

	at, values, err := h.tracker.Scan(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("key %q never beamed", key))
		case errors.Is(err, store.ErrUnavailable):
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
		default:
			h.log.Error().Err(err).Str("key", key).Msg("scan failed")
			httpx.RespondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	httpx.RespondJSON(w, http.StatusOK, ScanResponse{Key: key, At: at, Values: values})
}

// HandleStats handles GET /api/v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.backend.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// HandlePrune handles POST /api/v1/prune?before=RFC3339.
// Retention is a collaborator concern; this endpoint is that
// collaborator's hook into the backend. The core never prunes on its own.
func (h *Handler) HandlePrune(w http.ResponseWriter, r *http.Request) {
	before, err := time.Parse(time.RFC3339, r.URL.Query().Get("before"))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid before: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.PruneTimeout)
	defer cancel()

	if err := h.backend.DeleteBefore(ctx, before); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	Uptime        string   `json:"uptime"`
	Granularities []string `json:"granularities"`
}

// HandleHealth returns service health status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.ScanTimeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := h.backend.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:        status,
		Version:       "1.0.0",
		Uptime:        time.Since(startTime).String(),
		Granularities: granLabels(h.tracker.Granularities()),
	})
}

func granLabels(grans []bucket.Granularity) []string {
	labels := make([]string, len(grans))
	for i, g := range grans {
		labels[i] = g.String()
	}
	return labels
}
