package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-live/internal/auth"
	"pulse-live/internal/config"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/observability/metrics"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func loadTestConfig(t *testing.T, args ...string) config.Config {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(append([]string{"--auth-jwt-secret=" + testSecret}, args...)))
	cfg, err := config.Load(config.LoadOptions{Flags: fs})
	require.NoError(t, err)
	return cfg
}

type runningApp struct {
	baseURL string
	cancel  context.CancelFunc
	done    chan error

	stopOnce sync.Once
	stopErr  error
}

// stop cancels the app and waits for Run to return.
func (r *runningApp) stop(t *testing.T) error {
	t.Helper()
	r.stopOnce.Do(func() {
		r.cancel()
		select {
		case r.stopErr = <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("app did not stop after cancellation")
		}
	})
	return r.stopErr
}

func startApp(t *testing.T, cfg config.Config) *runningApp {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	application, err := newApp(ctx, cfg, appDeps{Logger: logging.Discard(), Metrics: metrics.New(), Listener: ln})
	if err != nil {
		cancel()
		_ = ln.Close()
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = application.Close(context.Background()) })

	r := &runningApp{baseURL: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- application.Run(ctx) }()
	t.Cleanup(func() { _ = r.stop(t) })

	require.Eventually(t, func() bool {
		resp, err := http.Get(r.baseURL + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
	return r
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	token, err := verifier.Issue(auth.Identity{UserID: userID, Username: userID}, time.Hour)
	require.NoError(t, err)
	return token
}

func (r *runningApp) call(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, r.baseURL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

func readFrameUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return frame{}
}

func TestAppServesLiveSessionsEndToEnd(t *testing.T) {
	r := startApp(t, loadTestConfig(t))
	alice := issue(t, "alice")

	resp, created := r.call(t, http.MethodPost, "/api/live", alice, map[string]any{"title": "launch"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID, _ := created["id"].(string)
	require.NotEmpty(t, sessionID)

	resp, _ = r.call(t, http.MethodPost, "/api/live/"+sessionID+"/start", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// bob trades his JWT for an opaque session token and connects with it.
	resp, exchanged := r.call(t, http.MethodPost, "/api/sessions", issue(t, "bob"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bobSession, _ := exchanged["token"].(string)
	require.NotEmpty(t, bobSession)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+bobSession)
	wsURL := "ws" + strings.TrimPrefix(r.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	readFrameUntil(t, conn, func(f frame) bool { return f.Type == "connected" })
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "livestream:join", "requestId": "j1", "sessionId": sessionID}))
	ack := readFrameUntil(t, conn, func(f frame) bool { return f.RequestID == "j1" })
	require.Equal(t, "ack", ack.Type)

	resp, session := r.call(t, http.MethodGet, "/api/live/"+sessionID, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, session["currentViewerCount"])

	resp, online := r.call(t, http.MethodGet, "/api/presence/bob", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, online["online"])

	require.NoError(t, r.stop(t))
}

func TestAppRejectsUnauthenticatedRealtime(t *testing.T) {
	r := startApp(t, loadTestConfig(t))

	wsURL := "ws" + strings.TrimPrefix(r.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "error", f.Type)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4401, closeErr.Code)
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--storage-driver=sqlite"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs([]string{"token", "--user", "carol", "--name", "Carol", "--secret", testSecret})
	require.NoError(t, cmd.Execute())

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	id, err := verifier.Verify(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "carol", id.UserID)
	assert.Equal(t, "Carol", id.Username)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"token", "--secret", testSecret})
	require.Error(t, cmd.Execute())
}

func TestImportCommandRequiresDSN(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"import", "--json", "missing.json"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres dsn required")
}
