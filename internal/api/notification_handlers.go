package api

import (
	"net/http"

	"pulse-live/internal/auth"
)

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	unreadOnly, err := queryBool(r, "unread")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	notes, err := h.store.ListNotifications(r.Context(), caller.UserID, unreadOnly, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (h *Handler) markNotificationRead(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	if err := h.store.MarkNotificationRead(r.Context(), caller.UserID, r.PathValue("id"), h.now().UTC()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
