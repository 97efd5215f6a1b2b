package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trifle-io/stats/pkg/bucket"
	"github.com/trifle-io/stats/pkg/store"
	"github.com/trifle-io/stats/pkg/store/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	backend := memory.New()
	t.Cleanup(func() { backend.Close() })

	tracker, err := store.NewTracker(backend, store.Config{
		Granularities: []bucket.Granularity{bucket.Hour, bucket.Day},
		Resolver:      bucket.Resolver{Location: time.UTC, WeekStart: time.Monday},
	})
	require.NoError(t, err)

	handler := NewHandler(tracker, backend, nil, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(srv.Close)
	return srv
}

// postJSON posts the body and returns status code plus the fully read
// response body, so no test leaves a connection open.
func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return resp.StatusCode
}

func TestTrackThenValues(t *testing.T) {
	srv := newTestServer(t)

	at := time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		status, body := postJSON(t, srv.URL+"/api/v1/track", WriteRequest{
			Key:    "orders",
			At:     at,
			Values: map[string]any{"count": 1, "revenue": map[string]any{"eur": 19.9}},
		})
		require.Equal(t, http.StatusOK, status, string(body))

		var wr WriteResponse
		require.NoError(t, json.Unmarshal(body, &wr))
		assert.Equal(t, "ok", wr.Status)
		assert.Equal(t, "orders", wr.Key)
	}

	url := fmt.Sprintf("%s/api/v1/values?key=orders&granularity=1h&from=%s&to=%s",
		srv.URL,
		at.Add(-time.Hour).Format(time.RFC3339),
		at.Format(time.RFC3339))

	var vr ValuesResponse
	require.Equal(t, http.StatusOK, getJSON(t, url, &vr))
	assert.Equal(t, "1h", vr.Granularity)
	require.Len(t, vr.Points, 2)

	// First bucket is a gap, second holds the merged writes
	assert.Empty(t, vr.Points[0].Values)
	assert.Equal(t, 3.0, vr.Points[1].Values["count"])
	assert.InDelta(t, 59.7, vr.Points[1].Values["revenue.eur"], 1e-9)
}

func TestValues_SkipBlanksAndAggregate(t *testing.T) {
	srv := newTestServer(t)

	at := time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)
	postJSON(t, srv.URL+"/api/v1/track", WriteRequest{Key: "orders", At: at, Values: map[string]any{"count": 2}})
	postJSON(t, srv.URL+"/api/v1/track", WriteRequest{Key: "orders", At: at.Add(2 * time.Hour), Values: map[string]any{"count": 4}})

	base := fmt.Sprintf("%s/api/v1/values?key=orders&granularity=1h&from=%s&to=%s",
		srv.URL,
		at.Format(time.RFC3339),
		at.Add(2*time.Hour).Format(time.RFC3339))

	var vr ValuesResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"&skip_blanks=true&path=count&op=sum", &vr))
	assert.Len(t, vr.Points, 2)
	require.NotNil(t, vr.Aggregate)
	assert.Equal(t, 6.0, *vr.Aggregate)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"&path=count&op=median", nil))
}

func TestTrack_InvalidPayload(t *testing.T) {
	srv := newTestServer(t)

	status, body := postJSON(t, srv.URL+"/api/v1/track", WriteRequest{
		Key:    "orders",
		Values: map[string]any{"count": 1, "note": "hello"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "note")
}

func TestTrack_MissingKey(t *testing.T) {
	srv := newTestServer(t)

	status, _ := postJSON(t, srv.URL+"/api/v1/track", WriteRequest{Values: map[string]any{"count": 1}})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAssert_ReplacesValue(t *testing.T) {
	srv := newTestServer(t)

	at := time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)
	postJSON(t, srv.URL+"/api/v1/assert", WriteRequest{Key: "orders", At: at, Values: map[string]any{"pending": 5}})
	status, _ := postJSON(t, srv.URL+"/api/v1/assert", WriteRequest{Key: "orders", At: at, Values: map[string]any{"pending": 9}})
	require.Equal(t, http.StatusOK, status)

	url := fmt.Sprintf("%s/api/v1/values?key=orders&granularity=1h&from=%s&to=%s",
		srv.URL, at.Format(time.RFC3339), at.Format(time.RFC3339))

	var vr ValuesResponse
	require.Equal(t, http.StatusOK, getJSON(t, url, &vr))
	require.Len(t, vr.Points, 1)
	assert.Equal(t, 9.0, vr.Points[0].Values["pending"])
}

func TestBeamThenScan(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/scan?key=job.daily", nil))

	at := time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)
	status, _ := postJSON(t, srv.URL+"/api/v1/beam", WriteRequest{
		Key:    "job.daily",
		At:     at,
		Values: map[string]any{"state": map[string]any{"pending": 5.0}},
	})
	require.Equal(t, http.StatusOK, status)

	var sr ScanResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/scan?key=job.daily", &sr))
	assert.Equal(t, "job.daily", sr.Key)
	assert.True(t, sr.At.Equal(at))

	state, ok := sr.Values["state"].(map[string]any)
	require.True(t, ok, "expected nested state map, got %v", sr.Values)
	assert.Equal(t, 5.0, state["pending"])
}

func TestValues_BadRequests(t *testing.T) {
	srv := newTestServer(t)

	for name, url := range map[string]string{
		"missing key":        "/api/v1/values?granularity=1h&from=2025-03-14T00:00:00Z&to=2025-03-14T01:00:00Z",
		"bad granularity":    "/api/v1/values?key=o&granularity=2h&from=2025-03-14T00:00:00Z&to=2025-03-14T01:00:00Z",
		"bad from":           "/api/v1/values?key=o&granularity=1h&from=yesterday&to=2025-03-14T01:00:00Z",
		"inverted range":     "/api/v1/values?key=o&granularity=1h&from=2025-03-14T02:00:00Z&to=2025-03-14T01:00:00Z",
		"range beyond limit": "/api/v1/values?key=o&granularity=1s&from=2020-01-01T00:00:00Z&to=2025-01-01T00:00:00Z",
	} {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+url, nil), name)
	}
}

func TestPrune(t *testing.T) {
	srv := newTestServer(t)

	old := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
	recent := time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)
	postJSON(t, srv.URL+"/api/v1/track", WriteRequest{Key: "orders", At: old, Values: map[string]any{"count": 1}})
	postJSON(t, srv.URL+"/api/v1/track", WriteRequest{Key: "orders", At: recent, Values: map[string]any{"count": 1}})

	status, _ := postJSON(t, srv.URL+"/api/v1/prune?before=2025-02-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, status)

	url := fmt.Sprintf("%s/api/v1/values?key=orders&granularity=1h&from=%s&to=%s&skip_blanks=true",
		srv.URL, old.Format(time.RFC3339), old.Format(time.RFC3339))

	var vr ValuesResponse
	require.Equal(t, http.StatusOK, getJSON(t, url, &vr))
	assert.Empty(t, vr.Points)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	var hr HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &hr))
	assert.Equal(t, "healthy", hr.Status)
	assert.Equal(t, []string{"1h", "1d"}, hr.Granularities)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)

	at := time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)
	postJSON(t, srv.URL+"/api/v1/track", WriteRequest{Key: "orders", At: at, Values: map[string]any{"count": 1}})

	var stats store.Stats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/stats", &stats))
	// One write fans out to the hour and day granularities
	assert.Equal(t, uint64(2), stats.TotalBuckets)
	assert.Equal(t, uint64(1), stats.TotalKeys)
}

func TestRequestMetrics_LabelsByRoute(t *testing.T) {
	srv := newTestServer(t)

	healthBefore := testutil.ToFloat64(metricRequestsTotal.WithLabelValues("/health", "2xx"))
	unmatchedBefore := testutil.ToFloat64(metricRequestsTotal.WithLabelValues("unmatched", "4xx"))

	var hr HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &hr))

	// Unknown paths collapse into a single label instead of minting a
	// new series per request path.
	resp, err := http.Get(srv.URL + "/no/such/route")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, healthBefore+1, testutil.ToFloat64(metricRequestsTotal.WithLabelValues("/health", "2xx")))
	assert.Equal(t, unmatchedBefore+1, testutil.ToFloat64(metricRequestsTotal.WithLabelValues("unmatched", "4xx")))
}
