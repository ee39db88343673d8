package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"pulse-live/internal/auth"
	"pulse-live/internal/live"
	"pulse-live/internal/messaging"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/presence"
	"pulse-live/internal/storage"
)

// HealthCheck is one component reported by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Config struct {
	Live      *live.Manager
	Messaging *messaging.Service
	Store     storage.Repository
	Presence  *presence.Registry
	Verifier  auth.Verifier
	// Sessions enables the opaque session endpoints when set.
	Sessions *auth.SessionManager
	Health   []HealthCheck
	Logger   *slog.Logger
	Clock    func() time.Time
}

type Handler struct {
	live      *live.Manager
	messaging *messaging.Service
	store     storage.Repository
	presence  *presence.Registry
	verifier  auth.Verifier
	sessions  *auth.SessionManager
	health    []HealthCheck
	logger    *slog.Logger
	now       func() time.Time
	validate  *validator.Validate
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		live:      cfg.Live,
		messaging: cfg.Messaging,
		store:     cfg.Store,
		presence:  cfg.Presence,
		verifier:  cfg.Verifier,
		sessions:  cfg.Sessions,
		health:    cfg.Health,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = logging.WithComponent(h.logger, "api")
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("POST /api/live", h.authed(h.createLive))
	mux.HandleFunc("GET /api/live", h.authed(h.listLive))
	mux.HandleFunc("GET /api/live/{id}", h.authed(h.getLive))
	mux.HandleFunc("POST /api/live/{id}/start", h.authed(h.startLive))
	mux.HandleFunc("POST /api/live/{id}/end", h.authed(h.endLive))
	mux.HandleFunc("POST /api/live/{id}/fail", h.authed(h.failLive))
	mux.HandleFunc("POST /api/live/{id}/join", h.authed(h.joinLive))
	mux.HandleFunc("POST /api/live/{id}/leave", h.authed(h.leaveLive))
	mux.HandleFunc("GET /api/live/{id}/viewers", h.authed(h.liveViewers))
	mux.HandleFunc("GET /api/live/{id}/comments", h.authed(h.liveComments))
	mux.HandleFunc("POST /api/live/{id}/comments", h.authed(h.addLiveComment))
	mux.HandleFunc("GET /api/live/{id}/reactions", h.authed(h.liveReactions))
	mux.HandleFunc("POST /api/live/{id}/reactions", h.authed(h.addLiveReaction))
	mux.HandleFunc("POST /api/live/{id}/bans", h.authed(h.banViewer))
	mux.HandleFunc("DELETE /api/live/{id}/bans/{userID}", h.authed(h.unbanViewer))
	mux.HandleFunc("PATCH /api/live/{id}/settings", h.authed(h.updateLiveSettings))
	mux.HandleFunc("PUT /api/live/{id}/audience", h.authed(h.updateLiveAudience))

	mux.HandleFunc("POST /api/conversations", h.authed(h.createConversation))
	mux.HandleFunc("GET /api/conversations/{id}", h.authed(h.getConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.authed(h.listMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.authed(h.sendMessage))
	mux.HandleFunc("POST /api/conversations/{id}/read", h.authed(h.markRead))

	mux.HandleFunc("GET /api/notifications", h.authed(h.listNotifications))
	mux.HandleFunc("POST /api/notifications/{id}/read", h.authed(h.markNotificationRead))

	mux.HandleFunc("GET /api/presence", h.authed(h.presenceBatch))
	mux.HandleFunc("GET /api/presence/{userID}", h.authed(h.presenceOf))

	if h.sessions != nil {
		mux.HandleFunc("POST /api/sessions", h.authed(h.createSession))
		mux.HandleFunc("DELETE /api/sessions", h.authed(h.revokeSession))
	}
}

// Health reports the status of every configured component.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"online":     h.onlineCount(),
	})
}

func (h *Handler) onlineCount() int {
	if h.presence == nil {
		return 0
	}
	return h.presence.OnlineCount()
}
