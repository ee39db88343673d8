package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/events"
	"pulse-live/internal/live"
	"pulse-live/internal/messaging"
	"pulse-live/internal/models"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/presence"
	"pulse-live/internal/rooms"
	"pulse-live/internal/storage"
)

type tokenVerifier map[string]auth.Identity

func (v tokenVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return auth.Identity{}, apperr.Authentication("unknown token")
	}
	return id, nil
}

type fixture struct {
	store       *storage.Storage
	registry    *presence.Registry
	rooms       *rooms.Manager
	live        *live.Manager
	broadcaster *presence.Broadcaster
	gateway     *Gateway
	server      *httptest.Server
}

func newFixture(t *testing.T, limiter presence.ConnectLimiter) *fixture {
	t.Helper()
	logger := logging.Discard()
	store, err := storage.NewStorage()
	require.NoError(t, err)

	f := &fixture{store: store}
	f.live = live.NewManager(live.ManagerConfig{Store: store, Logger: logger})
	f.rooms = rooms.NewManager(rooms.ManagerConfig{Directory: store, Live: f.live, Logger: logger})
	fanout := rooms.NewFanout(rooms.FanoutConfig{
		Rooms:     f.rooms,
		Directory: store,
		Notifier:  storage.StoreNotifier{Sink: store},
		Logger:    logger,
	})
	f.live.SetPublisher(fanout)
	f.broadcaster = presence.NewBroadcaster(presence.BroadcasterConfig{Logger: logger})
	f.registry = presence.NewRegistry(presence.RegistryConfig{
		Memberships: f.rooms,
		Announcer:   f.broadcaster,
		Logger:      logger,
	})
	msgs := messaging.NewService(messaging.Config{Store: store, Directory: store, Publisher: fanout, Logger: logger})

	f.gateway = NewGateway(GatewayConfig{
		Verifier: tokenVerifier{
			"alice-token": {UserID: "alice", Username: "Alice"},
			"bob-token":   {UserID: "bob", Username: "Bob"},
			"carol-token": {UserID: "carol", Username: "Carol"},
		},
		Limiter:           limiter,
		Registry:          f.registry,
		Rooms:             f.rooms,
		Live:              f.live,
		Messaging:         msgs,
		Presence:          f.broadcaster,
		Logger:            logger,
		HeartbeatInterval: time.Second,
	})
	fanout.SetDeliverer(f.gateway)

	f.server = httptest.NewServer(f.gateway)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.gateway.Shutdown(ctx)
		f.server.Close()
	})
	return f
}

func (f *fixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials and consumes the connected frame.
func (f *fixture) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, token)
	frame := readFrame(t, conn)
	require.Equal(t, events.FrameConnected, frame.Type)
	return conn
}

type testFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Error     *events.ErrorBody `json:"error"`
	Event     *events.Envelope  `json:"event"`
	Data      json.RawMessage   `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame testFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips frames until one matches.
func readUntil(t *testing.T, conn *websocket.Conn, match func(testFrame) bool) testFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatal("expected frame never arrived")
	return testFrame{}
}

func replyFor(requestID string) func(testFrame) bool {
	return func(f testFrame) bool {
		return f.RequestID == requestID && (f.Type == events.FrameAck || f.Type == events.FrameError || f.Type == events.FramePong)
	}
}

func send(t *testing.T, conn *websocket.Conn, body map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(body))
}

func TestRejectsMissingCredential(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "")

	frame := readFrame(t, conn)
	require.Equal(t, events.FrameError, frame.Type)
	assert.Equal(t, "authentication_error", frame.Error.Code)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
	assert.False(t, f.registry.IsOnline("alice"))
}

func TestRejectsUnknownToken(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "forged")

	frame := readFrame(t, conn)
	assert.Equal(t, events.FrameError, frame.Type)
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseAuthFailed))
}

func TestRateLimitedConnect(t *testing.T) {
	f := newFixture(t, presence.NewWindowLimiter(1, time.Minute))
	f.connect(t, "alice-token")

	conn := f.dial(t, "alice-token")
	frame := readFrame(t, conn)
	require.Equal(t, events.FrameError, frame.Type)
	assert.Equal(t, "rate_limited", frame.Error.Code)
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseRateLimited))
}

func TestSubprotocolCredential(t *testing.T) {
	f := newFixture(t, nil)
	dialer := websocket.Dialer{Subprotocols: []string{"bearer", "bob-token"}}
	conn, resp, err := dialer.Dial(f.url(), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))

	frame := readFrame(t, conn)
	require.Equal(t, events.FrameConnected, frame.Type)
	var data map[string]string
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, "bob", data["userId"])
	assert.NotEmpty(t, data["sessionId"])
	assert.True(t, f.registry.IsOnline("bob"))
}

func TestPingAndUnknownCommand(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t, "alice-token")

	send(t, conn, map[string]any{"type": "heartbeat", "requestId": "p1"})
	frame := readUntil(t, conn, replyFor("p1"))
	assert.Equal(t, events.FramePong, frame.Type)

	send(t, conn, map[string]any{"type": "dance", "requestId": "x1"})
	frame = readUntil(t, conn, replyFor("x1"))
	require.Equal(t, events.FrameError, frame.Type)
	assert.Equal(t, "invalid_input", frame.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	frame = readUntil(t, conn, func(f testFrame) bool { return f.Type == events.FrameError })
	assert.Equal(t, "invalid_input", frame.Error.Code)
}

func TestMessageReachesListenerAndNotifiesAbsentee(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.CreateConversation(ctx, models.Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob", "carol"}})
	require.NoError(t, err)

	alice := f.connect(t, "alice-token")
	carol := f.connect(t, "carol-token")

	send(t, alice, map[string]any{"type": "join_room", "requestId": "j1", "roomId": "c1"})
	require.Equal(t, events.FrameAck, readUntil(t, alice, replyFor("j1")).Type)
	send(t, carol, map[string]any{"type": events.CommandJoinRoom, "requestId": "j2", "conversationId": "c1"})
	require.Equal(t, events.FrameAck, readUntil(t, carol, replyFor("j2")).Type)

	send(t, alice, map[string]any{
		"type":      "send_message",
		"requestId": "m1",
		"payload":   map[string]any{"conversationId": "c1", "content": "hello", "clientMessageId": "local-1"},
	})
	ack := readUntil(t, alice, replyFor("m1"))
	require.Equal(t, events.FrameAck, ack.Type)
	var msg models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &msg))
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "local-1", msg.ClientMessageID)

	event := readUntil(t, carol, func(f testFrame) bool { return f.Type == events.FrameEvent })
	require.NotNil(t, event.Event)
	assert.Equal(t, events.TypeMessageCreated, event.Event.Type)
	assert.Equal(t, "c1", event.Event.Room)

	notes, err := f.store.ListNotifications(ctx, "bob", false, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, string(events.TypeMessageCreated), notes[0].EventType)

	carolNotes, err := f.store.ListNotifications(ctx, "carol", false, 10)
	require.NoError(t, err)
	assert.Empty(t, carolNotes)
}

func TestJoinForbiddenConversation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.CreateConversation(context.Background(), models.Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob"}})
	require.NoError(t, err)

	carol := f.connect(t, "carol-token")
	send(t, carol, map[string]any{"type": "join-room", "requestId": "j1", "room": "c1"})
	frame := readUntil(t, carol, replyFor("j1"))
	require.Equal(t, events.FrameError, frame.Type)
	assert.Equal(t, "forbidden", frame.Error.Code)
	assert.False(t, f.rooms.IsMember("carol", "c1"))
}

func TestLiveViewerLifecycleOverChannel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	session, err := f.live.Create(ctx, "alice", live.Config{Title: "launch"})
	require.NoError(t, err)
	_, err = f.live.Start(ctx, session.ID, "alice")
	require.NoError(t, err)

	bob := f.connect(t, "bob-token")
	send(t, bob, map[string]any{"type": "livestream:viewer-join", "requestId": "l1", "livestreamId": session.ID})
	ack := readUntil(t, bob, replyFor("l1"))
	require.Equal(t, events.FrameAck, ack.Type)
	var counts live.ViewerCounts
	require.NoError(t, json.Unmarshal(ack.Data, &counts))
	assert.Equal(t, live.ViewerCounts{Current: 1, Peak: 1, Unique: 1}, counts)
	assert.True(t, f.rooms.IsMember("bob", rooms.LiveRoom(session.ID)))

	send(t, bob, map[string]any{"type": "livestream:react", "requestId": "r1", "sessionId": session.ID, "reaction": "fire"})
	require.Equal(t, events.FrameAck, readUntil(t, bob, replyFor("r1")).Type)

	send(t, bob, map[string]any{"type": "livestream:comment", "requestId": "c1", "room": rooms.LiveRoom(session.ID), "text": "  nice  "})
	ack = readUntil(t, bob, replyFor("c1"))
	require.Equal(t, events.FrameAck, ack.Type)
	var comment models.LiveComment
	require.NoError(t, json.Unmarshal(ack.Data, &comment))
	assert.Equal(t, "nice", comment.Text)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		viewers, err := f.live.Viewers(session.ID, true)
		return err == nil && len(viewers) == 0
	}, 3*time.Second, 10*time.Millisecond)

	got, err := f.live.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentViewerCount)
	assert.Equal(t, 1, got.PeakViewerCount)
	assert.False(t, f.registry.IsOnline("bob"))
}

func TestLeaveRoomStopsCountingViewer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	session, err := f.live.Create(ctx, "alice", live.Config{Title: "launch"})
	require.NoError(t, err)
	_, err = f.live.Start(ctx, session.ID, "alice")
	require.NoError(t, err)

	bob := f.connect(t, "bob-token")
	send(t, bob, map[string]any{"type": "livestream:join", "requestId": "j1", "sessionId": session.ID})
	require.Equal(t, events.FrameAck, readUntil(t, bob, replyFor("j1")).Type)

	send(t, bob, map[string]any{"type": "leave-room", "requestId": "l1", "room": rooms.LiveRoom(session.ID)})
	ack := readUntil(t, bob, replyFor("l1"))
	require.Equal(t, events.FrameAck, ack.Type)
	var counts live.ViewerCounts
	require.NoError(t, json.Unmarshal(ack.Data, &counts))
	assert.Equal(t, 0, counts.Current)
	assert.False(t, f.rooms.IsMember("bob", rooms.LiveRoom(session.ID)))

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return !f.registry.IsOnline("bob") }, 3*time.Second, 10*time.Millisecond)

	got, err := f.live.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentViewerCount)
	viewers, err := f.live.Viewers(session.ID, true)
	require.NoError(t, err)
	assert.Empty(t, viewers)
}

func TestLiveJoinRefusedLeavesNoMembership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	session, err := f.live.Create(ctx, "alice", live.Config{Title: "closed"})
	require.NoError(t, err)
	_, err = f.live.End(ctx, session.ID, "alice")
	require.NoError(t, err)

	bob := f.connect(t, "bob-token")
	send(t, bob, map[string]any{"type": "livestream:join", "requestId": "l1", "sessionId": session.ID})
	frame := readUntil(t, bob, replyFor("l1"))
	require.Equal(t, events.FrameError, frame.Type)
	assert.Equal(t, "invalid_transition", frame.Error.Code)
	assert.False(t, f.rooms.IsMember("bob", rooms.LiveRoom(session.ID)))
}

func TestTakeoverRoutesToNewestChannel(t *testing.T) {
	f := newFixture(t, nil)
	first := f.connect(t, "alice-token")
	second := f.connect(t, "alice-token")

	entry, ok := f.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, 2, f.gateway.OpenCount())

	frame, err := events.EncodeFrame(events.Frame{Type: events.FramePresence, Data: "probe"})
	require.NoError(t, err)
	require.True(t, f.gateway.Deliver("alice", frame))
	got := readFrame(t, second)
	assert.Equal(t, events.FramePresence, got.Type)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return f.gateway.OpenCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, f.registry.IsOnline("alice"))
	current, _ := f.registry.Lookup("alice")
	assert.Equal(t, entry.Handle, current.Handle)
}

func TestCloseChannelEndsConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t, "alice-token")
	entry, ok := f.registry.Lookup("alice")
	require.True(t, ok)
	require.True(t, f.gateway.IsOpen(entry.Handle))

	require.NoError(t, f.gateway.CloseChannel(entry.Handle))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, CloseStale))
	require.Eventually(t, func() bool { return !f.gateway.IsOpen(entry.Handle) }, 3*time.Second, 10*time.Millisecond)

	assert.NoError(t, f.gateway.CloseChannel("unknown"))
	assert.False(t, f.gateway.Deliver("nobody", []byte("{}")))
}

func TestPresenceFramesReachOpenChannels(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.gateway.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	alice := f.connect(t, "alice-token")
	f.connect(t, "bob-token")

	frame := readUntil(t, alice, func(f testFrame) bool {
		if f.Type != events.FramePresence {
			return false
		}
		var change presence.PresenceChange
		return json.Unmarshal(f.Data, &change) == nil && change.UserID == "bob"
	})
	var change presence.PresenceChange
	require.NoError(t, json.Unmarshal(frame.Data, &change))
	assert.True(t, change.Online)
	assert.Equal(t, "Bob", change.Display.Username)
}
