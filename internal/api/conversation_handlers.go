package api

import (
	"net/http"

	"github.com/google/uuid"

	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/messaging"
	"pulse-live/internal/models"
)

type createConversationRequest struct {
	ID             string   `json:"id,omitempty" validate:"max=128"`
	Title          string   `json:"title,omitempty" validate:"max=200"`
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,max=256,dive,required,max=128"`
}

type sendMessageRequest struct {
	Text            string                `json:"text"`
	Media           []models.MessageMedia `json:"media,omitempty"`
	ReplyTo         string                `json:"replyTo,omitempty"`
	ClientMessageID string                `json:"clientMessageId,omitempty"`
}

// createConversation always includes the caller among the participants.
func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req createConversationRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := h.now().UTC()
	conv, err := h.store.CreateConversation(r.Context(), models.Conversation{
		ID:             id,
		Title:          req.Title,
		ParticipantIDs: append([]string{caller.UserID}, req.ParticipantIDs...),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	id := r.PathValue("id")
	if err := h.requireParticipant(r, id, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	markers, err := h.store.ReadMarkers(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"readMarkers":  markers,
	})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	id := r.PathValue("id")
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.requireParticipant(r, id, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	messages, err := h.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// sendMessage answers 201 once the message is stored, even when fanout to
// listeners failed; the message is already durable at that point.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	var req sendMessageRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := messaging.SendInput{
		ConversationID:  r.PathValue("id"),
		Text:            req.Text,
		Media:           req.Media,
		ReplyTo:         req.ReplyTo,
		ClientMessageID: req.ClientMessageID,
	}
	if err := h.check(in); err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.messaging.Send(r.Context(), caller.UserID, in)
	if err != nil && msg.ID == "" {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		h.requestLogger(r).Warn("message stored but fanout failed", "message_id", msg.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	marker, err := h.messaging.MarkRead(r.Context(), caller.UserID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, marker)
}

func (h *Handler) requireParticipant(r *http.Request, conversationID, userID string) error {
	ok, err := h.store.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("not a participant of conversation %s", conversationID)
	}
	return nil
}
