package api

import (
	"net/http"
	"strings"
	"time"

	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/presence"
)

const maxPresenceBatch = 200

type presenceResponse struct {
	UserID      string                `json:"userId"`
	Online      bool                  `json:"online"`
	Display     *presence.DisplayInfo `json:"display,omitempty"`
	ConnectedAt *time.Time            `json:"connectedAt,omitempty"`
	LastSeenAt  *time.Time            `json:"lastSeenAt,omitempty"`
}

func (h *Handler) presenceFor(userID string) presenceResponse {
	resp := presenceResponse{UserID: userID}
	if h.presence == nil {
		return resp
	}
	entry, ok := h.presence.Lookup(userID)
	if !ok {
		return resp
	}
	resp.Online = true
	resp.Display = &entry.Display
	resp.ConnectedAt = &entry.ConnectedAt
	resp.LastSeenAt = &entry.LastSeenAt
	return resp
}

func (h *Handler) presenceOf(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	writeJSON(w, http.StatusOK, h.presenceFor(r.PathValue("userID")))
}

// presenceBatch answers ?ids=a,b,c with one entry per distinct id.
func (h *Handler) presenceBatch(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	raw := r.URL.Query().Get("ids")
	if strings.TrimSpace(raw) == "" {
		h.fail(w, r, apperr.InvalidInput("ids is required"))
		return
	}
	seen := make(map[string]struct{})
	out := make([]presenceResponse, 0)
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if len(seen) > maxPresenceBatch {
			h.fail(w, r, apperr.InvalidInput("at most %d ids per request", maxPresenceBatch))
			return
		}
		out = append(out, h.presenceFor(id))
	}
	writeJSON(w, http.StatusOK, out)
}
