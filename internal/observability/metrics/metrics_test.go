package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	rec := New()

	rec.ObserveConnectAttempt("accepted")
	rec.ObserveConnectAttempt("accepted")
	rec.ObserveConnectAttempt("Rate_Limited")
	rec.ObserveSweep(3, 1)
	rec.ObserveSweep(0, 0)
	rec.ObserveFanout("live", 4)
	rec.ObserveFanout("notification", 0)
	rec.SetOnline(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.connectAttempts.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.connectAttempts.WithLabelValues("rate_limited")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.reaperSweeps))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.reaperEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.reaperOrphans))
	assert.Equal(t, 4.0, testutil.ToFloat64(rec.fanout.WithLabelValues("live")))
	assert.Equal(t, 7.0, testutil.ToFloat64(rec.online))
}

func TestLiveSessionTransitionMovesGauge(t *testing.T) {
	rec := New()

	rec.LiveSessionTransition("", "scheduled")
	rec.LiveSessionTransition("scheduled", "live")

	assert.Equal(t, 0.0, testutil.ToFloat64(rec.liveSessions.WithLabelValues("scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.liveSessions.WithLabelValues("live")))
}

func TestHTTPMiddlewareNormalizesIdentifiers(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/live/6f1c2f0e-8a51-4b8e-9a4f-0d3c7b6e5a21/start", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requests.WithLabelValues("POST", "/api/live/:id/start", "201")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/healthz", "200", 5*time.Millisecond)

	resp := httptest.NewRecorder()
	rec.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	assert.True(t, strings.Contains(body, `pulse_http_requests_total{method="GET",path="/healthz",status="200"} 1`), body)
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"/":                   "/",
		"/healthz":            "/healthz",
		"/api/presence/u-123": "/api/presence/:id",
		"/api/live/":          "/api/live",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizePath(input), input)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.SetOnline(1)
		rec.ObserveSweep(1, 1)
		rec.ObserveFanout("live", 1)
		rec.LiveSessionTransition("", "live")
		rec.ObserveBusEvent("presence.changed", nil)
	})
}
