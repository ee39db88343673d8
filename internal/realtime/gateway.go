// Package realtime terminates the websocket channel: it authenticates and
// admits connections, registers them for presence, dispatches client
// commands, and delivers room and presence frames.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/events"
	"pulse-live/internal/live"
	"pulse-live/internal/messaging"
	"pulse-live/internal/models"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/observability/metrics"
	"pulse-live/internal/presence"
	"pulse-live/internal/rooms"
)

// Close codes sent on rejected or terminated channels.
const (
	CloseAuthFailed  = 4401
	CloseStale       = 4408
	CloseRateLimited = 4429
)

const (
	defaultHeartbeat    = 30 * time.Second
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 10
)

// LiveService is the live-session surface the gateway drives.
type LiveService interface {
	Join(ctx context.Context, sessionID, userID string) (live.ViewerCounts, error)
	Leave(ctx context.Context, sessionID, userID string) (live.ViewerCounts, error)
	AddComment(ctx context.Context, sessionID, userID, text string) (models.LiveComment, error)
	AddReaction(ctx context.Context, sessionID, userID, kind string) (models.LiveReaction, error)
	End(ctx context.Context, sessionID, callerID string) (models.LiveSession, error)
}

// MessagingService is the conversation surface the gateway drives.
type MessagingService interface {
	Send(ctx context.Context, authorID string, in messaging.SendInput) (models.Message, error)
	MarkRead(ctx context.Context, userID, conversationID string) (models.ReadMarker, error)
	Typing(ctx context.Context, userID, conversationID string, active bool) error
}

type GatewayConfig struct {
	Verifier  auth.Verifier
	Limiter   presence.ConnectLimiter
	Registry  *presence.Registry
	Rooms     *rooms.Manager
	Live      LiveService
	Messaging MessagingService
	Presence  *presence.Broadcaster
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	// HeartbeatInterval is the ping period. The read deadline is twice this.
	HeartbeatInterval time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
	ReadLimit         int64
	// CheckOrigin overrides the same-origin check of the upgrader.
	CheckOrigin func(*http.Request) bool
}

// Gateway owns every open channel on this process.
type Gateway struct {
	verifier  auth.Verifier
	limiter   presence.ConnectLimiter
	registry  *presence.Registry
	rooms     *rooms.Manager
	live      LiveService
	messaging MessagingService
	presence  *presence.PresenceSubscription
	logger    *slog.Logger
	metrics   *metrics.Recorder

	heartbeat    time.Duration
	sendBuffer   int
	writeTimeout time.Duration
	readLimit    int64
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup
}

func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		verifier:     cfg.Verifier,
		limiter:      cfg.Limiter,
		registry:     cfg.Registry,
		rooms:        cfg.Rooms,
		live:         cfg.Live,
		messaging:    cfg.Messaging,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		heartbeat:    cfg.HeartbeatInterval,
		sendBuffer:   cfg.SendBuffer,
		writeTimeout: cfg.WriteTimeout,
		readLimit:    cfg.ReadLimit,
		clients:      make(map[string]*client),
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = logging.WithComponent(g.logger, "gateway")
	if g.heartbeat <= 0 {
		g.heartbeat = defaultHeartbeat
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.readLimit <= 0 {
		g.readLimit = defaultReadLimit
	}
	if cfg.Presence != nil {
		g.presence = cfg.Presence.Subscribe(4 * g.sendBuffer)
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{"bearer"},
		CheckOrigin:     cfg.CheckOrigin,
	}
	return g
}

// ServeHTTP runs the connect sequence: verify, admit, upgrade, register.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, rejectErr := g.authenticate(r)
	if rejectErr == nil {
		rejectErr = g.admit(r.Context(), identity.UserID)
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.ObserveConnectAttempt("upgrade_failed")
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if rejectErr != nil {
		g.reject(conn, rejectErr)
		return
	}
	g.metrics.ObserveConnectAttempt("accepted")

	handle := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.ContextWithChannel(logging.ContextWithUserID(ctx, identity.UserID), handle)
	c := &client{
		gateway: g,
		conn:    conn,
		handle:  handle,
		userID:  identity.UserID,
		send:    make(chan []byte, g.sendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  g.logger.With("user_id", identity.UserID, "channel", handle),
	}

	g.mu.Lock()
	g.clients[handle] = c
	g.mu.Unlock()

	g.registry.Register(identity.UserID, handle, presence.DisplayInfo{
		Username:  identity.Username,
		AvatarURL: identity.AvatarURL,
	})
	c.logger.Info("channel opened")

	if frame, err := events.EncodeFrame(events.Frame{
		Type: events.FrameConnected,
		Data: map[string]string{"sessionId": handle, "userId": identity.UserID},
	}); err == nil {
		c.enqueue(frame)
	}

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer g.wg.Done()
		c.readLoop()
	}()
}

func (g *Gateway) authenticate(r *http.Request) (auth.Identity, error) {
	if g.verifier == nil {
		return auth.Identity{}, apperr.Authentication("no verifier configured")
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Identity{}, apperr.Authentication("credential required")
	}
	identity, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		if !errors.Is(err, apperr.ErrAuthentication) {
			g.logger.Error("verify credential", "error", err)
			return auth.Identity{}, apperr.Authentication("credential could not be verified")
		}
		return auth.Identity{}, err
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return auth.Identity{}, apperr.Authentication("credential has no subject")
	}
	return identity, nil
}

func (g *Gateway) admit(ctx context.Context, userID string) error {
	if g.limiter == nil {
		return nil
	}
	ok, err := g.limiter.Admit(ctx, userID)
	if err != nil {
		g.logger.Error("connect limiter failed", "user_id", userID, "error", err)
		return apperr.RateLimited("connect limiter unavailable")
	}
	if !ok {
		return apperr.RateLimited("too many connection attempts")
	}
	return nil
}

// reject sends an error frame and closes the socket with the code matching
// err's kind.
func (g *Gateway) reject(conn *websocket.Conn, err error) {
	kind := apperr.KindOf(err)
	code := CloseAuthFailed
	result := "unauthenticated"
	if kind == apperr.KindRateLimited {
		code = CloseRateLimited
		result = "rate_limited"
	}
	g.metrics.ObserveConnectAttempt(result)
	g.logger.Info("connection rejected", "result", result, "error", err)

	deadline := time.Now().Add(g.writeTimeout)
	if frame, encErr := errorFrame("", err); encErr == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, closeReason(err)), deadline)
	_ = conn.Close()
}

// Deliver implements rooms.Deliverer for the user's current channel.
func (g *Gateway) Deliver(userID string, frame []byte) bool {
	entry, ok := g.registry.Lookup(userID)
	if !ok {
		return false
	}
	g.mu.RLock()
	c, ok := g.clients[entry.Handle]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(frame)
}

// CloseChannel implements presence.ChannelCloser. Closing an unknown handle
// is not an error.
func (g *Gateway) CloseChannel(handle string) error {
	g.mu.RLock()
	c, ok := g.clients[handle]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	c.shutdown(CloseStale, "stale connection")
	return nil
}

// IsOpen implements presence.OpenChannels.
func (g *Gateway) IsOpen(handle string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.clients[handle]
	return ok
}

// OpenCount reports the number of open sockets, superseded ones included.
func (g *Gateway) OpenCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Departed implements presence.DepartureHandler: a user leaving every room
// also stops watching the live sessions among them.
func (g *Gateway) Departed(ctx context.Context, dep presence.Departure) {
	for _, roomID := range dep.Rooms {
		room, err := rooms.ParseRoom(roomID)
		if err != nil || room.Kind != rooms.KindLive || g.live == nil {
			continue
		}
		if _, err := g.live.Leave(ctx, room.Target, dep.UserID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			g.logger.Warn("leave live session on departure", "user_id", dep.UserID, "session_id", room.Target, "error", err)
		}
	}
	g.logger.Info("user departed", "user_id", dep.UserID, "channel", dep.Handle, "reason", dep.Reason, "rooms", len(dep.Rooms))
}

// Run pushes presence changes to every open channel until ctx ends. The
// subscription is taken in NewGateway so no change between construction and
// Run is missed.
func (g *Gateway) Run(ctx context.Context) error {
	if g.presence == nil {
		<-ctx.Done()
		return nil
	}
	defer g.presence.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-g.presence.Events():
			if !ok {
				return nil
			}
			frame, err := events.EncodeFrame(events.Frame{Type: events.FramePresence, Data: change})
			if err != nil {
				g.logger.Error("encode presence frame", "error", err)
				continue
			}
			g.broadcast(frame)
		}
	}
}

func (g *Gateway) broadcast(frame []byte) {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Shutdown closes every channel and waits for their loops, or for ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	for _, c := range g.clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	g.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disconnect runs once per channel after its read loop ends.
func (g *Gateway) disconnect(c *client) {
	g.mu.Lock()
	delete(g.clients, c.handle)
	g.mu.Unlock()

	dep, ok := g.registry.Unregister(c.handle)
	if ok {
		g.Departed(context.Background(), dep)
	}
	c.logger.Info("channel closed", "current", ok)
}

func errorFrame(requestID string, err error) ([]byte, error) {
	kind := apperr.KindOf(err)
	message := err.Error()
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	return events.EncodeFrame(events.Frame{
		Type:      events.FrameError,
		RequestID: requestID,
		Error:     &events.ErrorBody{Code: apperr.Code(kind), Message: message},
	})
}

// closeReason keeps the reason within the 123 bytes a close frame allows.
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}
