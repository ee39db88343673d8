package api

import (
	"net/http"
	"time"

	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/live"
	"pulse-live/internal/models"
)

type createLiveRequest struct {
	Title            string               `json:"title" validate:"max=560"`
	ScheduledFor     *time.Time           `json:"scheduledFor,omitempty"`
	IsPrivate        bool                 `json:"isPrivate"`
	AllowedViewerIDs []string             `json:"allowedViewerIds" validate:"max=1000,dive,required"`
	Settings         *models.LiveSettings `json:"settings,omitempty"`
}

type failLiveRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type liveCommentRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type liveReactionRequest struct {
	Type string `json:"type" validate:"required,max=32"`
}

type banRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type audienceRequest struct {
	IsPrivate        bool     `json:"isPrivate"`
	AllowedViewerIDs []string `json:"allowedViewerIds" validate:"max=1000,dive,required"`
}

func (h *Handler) createLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req createLiveRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.live.Create(r.Context(), caller.UserID, live.Config{
		Title:            req.Title,
		ScheduledFor:     req.ScheduledFor,
		IsPrivate:        req.IsPrivate,
		AllowedViewerIDs: req.AllowedViewerIDs,
		Settings:         req.Settings,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// listLive returns the sessions the caller may view, optionally filtered by
// status.
func (h *Handler) listLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	status := models.LiveStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.fail(w, r, apperr.InvalidInput("unknown status %q", status))
		return
	}
	sessions := h.live.List(status)
	visible := make([]models.LiveSession, 0, len(sessions))
	for _, s := range sessions {
		if h.live.CanView(r.Context(), s.ID, caller.UserID) == nil {
			visible = append(visible, s.ForViewer(caller.UserID))
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (h *Handler) getLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	id := r.PathValue("id")
	if err := h.live.CanView(r.Context(), id, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.live.Get(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.ForViewer(caller.UserID))
}

func (h *Handler) startLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	session, err := h.live.Start(r.Context(), r.PathValue("id"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) endLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	session, err := h.live.End(r.Context(), r.PathValue("id"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) failLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req failLiveRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.live.Fail(r.Context(), r.PathValue("id"), caller.UserID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) joinLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	counts, err := h.live.Join(r.Context(), r.PathValue("id"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) leaveLive(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	counts, err := h.live.Leave(r.Context(), r.PathValue("id"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) liveViewers(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	id := r.PathValue("id")
	activeOnly, err := queryBool(r, "active")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.live.CanView(r.Context(), id, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	viewers, err := h.live.Viewers(id, activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewers)
}

func (h *Handler) liveComments(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	id := r.PathValue("id")
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.live.CanView(r.Context(), id, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	comments, err := h.live.Comments(id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (h *Handler) addLiveComment(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req liveCommentRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	comment, err := h.live.AddComment(r.Context(), r.PathValue("id"), caller.UserID, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) liveReactions(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	id := r.PathValue("id")
	if err := h.live.CanView(r.Context(), id, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	counts, err := h.live.Reactions(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) addLiveReaction(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req liveReactionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	reaction, err := h.live.AddReaction(r.Context(), r.PathValue("id"), caller.UserID, req.Type)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reaction)
}

func (h *Handler) banViewer(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req banRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	counts, err := h.live.Ban(r.Context(), r.PathValue("id"), caller.UserID, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) unbanViewer(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	if err := h.live.Unban(r.Context(), r.PathValue("id"), caller.UserID, r.PathValue("userID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateLiveSettings(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req models.LiveSettings
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.live.UpdateSettings(r.Context(), r.PathValue("id"), caller.UserID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) updateLiveAudience(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req audienceRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.live.SetAllowedViewers(r.Context(), r.PathValue("id"), caller.UserID, req.IsPrivate, req.AllowedViewerIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
