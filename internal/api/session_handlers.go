package api

import (
	"net/http"

	"pulse-live/internal/auth"
)

// createSession exchanges any accepted credential for an opaque session
// token that later requests and websocket connects can present.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	token, expiresAt, err := h.sessions.Create(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     token,
		"userId":    caller.UserID,
		"expiresAt": expiresAt.UTC(),
	})
}

// revokeSession drops the presented token. Revoking a credential that is not
// a session token, such as a JWT, is a no-op.
func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	if err := h.sessions.Revoke(r.Context(), auth.TokenFromRequest(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
