package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLines splits JSON log output into one map per record.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record), line)
		out = append(out, record)
	}
	return out
}

func TestNewHonoursFormat(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	New(Config{Writer: &jsonBuf}).Info("channel opened", "channel_id", "h1")
	New(Config{Writer: &textBuf, Format: " TEXT "}).Info("channel opened", "channel_id", "h1")

	records := decodeLines(t, &jsonBuf)
	require.Len(t, records, 1)
	assert.Equal(t, "h1", records[0]["channel_id"])
	assert.Contains(t, textBuf.String(), "channel_id=h1")
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		level     string
		debug     bool
		info      bool
		warn      bool
		errorLogs bool
	}{
		{level: "debug", debug: true, info: true, warn: true, errorLogs: true},
		{level: "", info: true, warn: true, errorLogs: true},
		{level: "bogus", info: true, warn: true, errorLogs: true},
		{level: " Warning ", warn: true, errorLogs: true},
		{level: "error", errorLogs: true},
	}
	for _, tc := range cases {
		t.Run("level="+tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Writer: &buf, Level: tc.level})
			ctx := context.Background()
			assert.Equal(t, tc.debug, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tc.info, logger.Enabled(ctx, slog.LevelInfo))
			assert.Equal(t, tc.warn, logger.Enabled(ctx, slog.LevelWarn))
			assert.Equal(t, tc.errorLogs, logger.Enabled(ctx, slog.LevelError))

			logger.Debug("presence sweep", "evicted", 0)
			if tc.debug {
				assert.Contains(t, buf.String(), "presence sweep")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	require.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Error("persist live session", "session_id", "s1") })
}

func TestInitInstallsDefault(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Level: "warn"})
	assert.Same(t, logger, slog.Default())

	slog.Info("suppressed")
	slog.Warn("limiter unavailable", "user_id", "alice")
	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "limiter unavailable", records[0]["msg"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(New(Config{Writer: &buf}), "reaper").Info("sweep complete")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "reaper", records[0]["component"])
	assert.Nil(t, WithComponent(nil, "reaper"))
}

func TestContextValuesIgnoreBlanks(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "  alice  ")
	ctx = ContextWithChannel(ctx, " ")
	ctx = ContextWithRequestID(ctx, "")

	userID, ok := UserIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", userID)
	_, ok = ChannelFromContext(ctx)
	assert.False(t, ok)
	_, ok = RequestIDFromContext(ctx)
	assert.False(t, ok)
}

func TestLoggerTravelsOnContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, LoggerFromContext(ctx))
	assert.Equal(t, ctx, ContextWithLogger(ctx, nil))

	logger := Discard()
	assert.Same(t, logger, LoggerFromContext(ContextWithLogger(ctx, logger)))
}

func TestWithContextAddsChannelIdentity(t *testing.T) {
	ctx := ContextWithChannel(ContextWithUserID(context.Background(), "bob"), "h-42")

	var buf bytes.Buffer
	WithContext(ctx, New(Config{Writer: &buf})).Info("frame delivered", "type", "presence")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "bob", records[0]["user_id"])
	assert.Equal(t, "h-42", records[0]["channel_id"])
	assert.NotContains(t, records[0], "request_id")
	assert.Nil(t, WithContext(ctx, nil))
}

func TestRequestLoggerRecordsAPICall(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(RequestLoggerConfig{Logger: New(Config{Writer: &buf})})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/live/s1/start", nil)
	req.RemoteAddr = "198.51.100.4:5100"
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-7"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "request completed", record["msg"])
	assert.Equal(t, http.MethodPost, record["method"])
	assert.Equal(t, "/api/live/s1/start", record["path"])
	assert.EqualValues(t, http.StatusConflict, record["status"])
	assert.Equal(t, "req-7", record["request_id"])
	assert.Equal(t, "198.51.100.4:5100", record["remote_addr"])
	assert.Contains(t, record, "duration_ms")
}

func TestRequestLoggerDefaultsAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(RequestLoggerConfig{Logger: New(Config{Writer: &buf}), DisableRemoteAddr: true})(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.EqualValues(t, http.StatusOK, records[0]["status"])
	assert.NotContains(t, records[0], "remote_addr")
}
