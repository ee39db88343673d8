package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private Prometheus registry with the collectors exported by
// the realtime coordinator: HTTP traffic, connection presence, reaper sweeps,
// fanout delivery paths and live-session lifecycle.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	online          prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	reaperSweeps    prometheus.Counter
	reaperEvictions prometheus.Counter
	reaperOrphans   prometheus.Counter
	fanout          *prometheus.CounterVec
	liveSessions    *prometheus.GaugeVec
	liveEvents      *prometheus.CounterVec
	busEvents       *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with every collector registered on a fresh
// registry, so tests can create isolated instances.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pulse_http_requests_total", Help: "HTTP requests by method, route and status."},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "pulse_http_request_duration_seconds", Help: "HTTP request latency.", Buckets: prometheus.DefBuckets},
			[]string{"method", "path"},
		),
		online: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "pulse_connections_online", Help: "Identities currently holding a realtime channel."},
		),
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pulse_connect_attempts_total", Help: "Realtime connection attempts by result."},
			[]string{"result"},
		),
		reaperSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "pulse_reaper_sweeps_total", Help: "Completed stale-connection sweeps."},
		),
		reaperEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "pulse_reaper_evictions_total", Help: "Registry entries evicted as stale."},
		),
		reaperOrphans: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "pulse_reaper_orphans_total", Help: "Orphaned channel mappings discarded."},
		),
		fanout: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pulse_fanout_deliveries_total", Help: "Fanout outcomes by path (live, notification, failed)."},
			[]string{"path"},
		),
		liveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pulse_live_sessions", Help: "Live sessions by status."},
			[]string{"status"},
		),
		liveEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pulse_live_events_total", Help: "Live-session events by type."},
			[]string{"event"},
		),
		busEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pulse_bus_events_total", Help: "Envelopes published to the event bus by type and result."},
			[]string{"type", "result"},
		),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.online,
		r.connectAttempts,
		r.reaperSweeps,
		r.reaperEvictions,
		r.reaperOrphans,
		r.fanout,
		r.liveSessions,
		r.liveEvents,
		r.busEvents,
	)
	return r
}

// Default returns the process-wide Recorder. Observation methods are no-ops
// on a nil Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveRequest(method, path, status string, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	r.requests.WithLabelValues(method, path, status).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetOnline records the number of identities with a live channel.
func (r *Recorder) SetOnline(count int) {
	if r == nil {
		return
	}
	r.online.Set(float64(count))
}

// ObserveConnectAttempt counts a connection attempt outcome such as
// "accepted", "rate_limited" or "unauthenticated".
func (r *Recorder) ObserveConnectAttempt(result string) {
	if r == nil {
		return
	}
	r.connectAttempts.WithLabelValues(normalizeName(result)).Inc()
}

// ObserveSweep records one reaper pass.
func (r *Recorder) ObserveSweep(evicted, orphans int) {
	if r == nil {
		return
	}
	r.reaperSweeps.Inc()
	if evicted > 0 {
		r.reaperEvictions.Add(float64(evicted))
	}
	if orphans > 0 {
		r.reaperOrphans.Add(float64(orphans))
	}
}

// ObserveFanout counts deliveries by path.
func (r *Recorder) ObserveFanout(path string, count int) {
	if r == nil {
		return
	}
	if count <= 0 {
		return
	}
	r.fanout.WithLabelValues(normalizeName(path)).Add(float64(count))
}

// LiveSessionTransition moves one session between status gauges. An empty
// from status means the session was just created or restored.
func (r *Recorder) LiveSessionTransition(from, to string) {
	if r == nil {
		return
	}
	if from != "" {
		r.liveSessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		r.liveSessions.WithLabelValues(to).Inc()
	}
}

func (r *Recorder) ObserveLiveEvent(event string) {
	if r == nil {
		return
	}
	r.liveEvents.WithLabelValues(normalizeName(event)).Inc()
}

func (r *Recorder) ObserveBusEvent(eventType string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.busEvents.WithLabelValues(normalizeName(eventType), result).Inc()
}

func normalizeName(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 3
}
