package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"pulse-live/internal/apperr"
	"pulse-live/internal/events"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error events.ErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError renders err in the API error shape. Internal failures never
// expose their message.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	message := err.Error()
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorResponse{Error: events.ErrorBody{
		Code:    apperr.Code(kind),
		Message: message,
	}})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.requestLogger(r).Error("request failed", "error", err)
	}
	WriteError(w, err)
}

// decode reads a JSON body into dest and validates its struct tags.
func (h *Handler) decode(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return apperr.InvalidInput("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidInput("request body is required")
		}
		return apperr.Wrap(apperr.KindInvalidInput, err, "malformed JSON body")
	}
	return h.check(dest)
}

func (h *Handler) check(v interface{}) error {
	if err := h.validate.Struct(v); err != nil {
		return apperr.FromValidation(err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperr.InvalidInput("%s must be a non-negative integer", key)
	}
	return value, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.InvalidInput("%s must be a boolean", key)
	}
	return value, nil
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return loggerFor(r.Context(), h.logger)
}
