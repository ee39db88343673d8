package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-live/internal/api"
	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/observability/metrics"
	"pulse-live/internal/presence"
)

type staticVerifier struct{}

func (staticVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token != "good" {
		return auth.Identity{}, apperr.Authentication("bad token")
	}
	return auth.Identity{UserID: "alice"}, nil
}

type stubRealtime struct {
	shutdowns int
}

func (s *stubRealtime) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (s *stubRealtime) Shutdown(context.Context) error {
	s.shutdowns++
	return nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	logger := logging.Discard()
	handler := api.NewHandler(api.Config{
		Verifier: staticVerifier{},
		Presence: presence.NewRegistry(presence.RegistryConfig{Logger: logger}),
		Logger:   logger,
	})
	cfg.Logger = logger
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, nil, cfg)
	require.NoError(t, err)
	return srv
}

func serve(srv *Server, method, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer good")
}

func TestMiddlewareChainHeaders(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := serve(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = serve(srv, http.MethodGet, "/healthz", func(r *http.Request) {
		r.Header.Set("X-Request-Id", "req-123")
	})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{})
	serve(srv, http.MethodGet, "/healthz", nil)

	rec := serve(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulse_http_requests_total")
}

func TestAPIRoutesAuthenticate(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := serve(srv, http.MethodGet, "/api/presence/bob", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "authentication_error", body.Error.Code)

	rec = serve(srv, http.MethodGet, "/api/presence/bob", bearer)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/healthz", nil).Code)
	rec := serve(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGlobalRateLimitDefaults(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 3})
	require.NotNil(t, rl.global)
	assert.EqualValues(t, 3, rl.global.Limit())
	assert.Equal(t, 3, rl.global.Burst())

	rl = newRateLimiter(RateLimitConfig{GlobalRPS: 0.5})
	assert.Equal(t, 1, rl.global.Burst())

	rl = newRateLimiter(RateLimitConfig{})
	assert.Nil(t, rl.global)
	assert.True(t, rl.AllowRequest())
}

func TestClientRateLimitAppliesToAPIOnly(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{Client: presence.NewWindowLimiter(1, time.Hour)}})

	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/presence/bob", bearer).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodGet, "/api/presence/bob", bearer).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/healthz", nil).Code)

	// A different client address has its own budget.
	rec := serve(srv, http.MethodGet, "/api/presence/bob", func(r *http.Request) {
		bearer(r)
		r.RemoteAddr = "10.0.0.9:5000"
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisClientRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := presence.NewRedisWindowLimiter(client, 2, time.Hour).WithPrefix("pulse:http")
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{Client: limiter}})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/presence/bob", bearer).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodGet, "/api/presence/bob", bearer).Code)
	assert.NotEmpty(t, mr.Keys())
	for _, key := range mr.Keys() {
		assert.Contains(t, key, "pulse:http:")
	}

	mr.Close()
	rec := serve(srv, http.MethodGet, "/api/presence/bob", bearer)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardedForOnlyWhenTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", clientIP(req, false))
	assert.Equal(t, "203.0.113.7", clientIP(req, true))
}

func TestRunStopsOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	realtime := &stubRealtime{}
	handler := api.NewHandler(api.Config{Verifier: staticVerifier{}, Logger: logging.Discard()})
	srv, err := New(handler, realtime, Config{Listener: listener, Logger: logging.Discard(), Metrics: metrics.New()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	taskStopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, Task{Name: "loop", Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(taskStopped)
			return ctx.Err()
		}})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-taskStopped
	assert.Equal(t, 1, realtime.shutdowns)
}

func TestRunReturnsTaskFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newTestServer(t, Config{Listener: listener})

	boom := errors.New("boom")
	err = srv.Run(context.Background(), Task{Name: "worker", Run: func(context.Context) error { return boom }})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "worker")
}
