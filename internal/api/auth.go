package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"pulse-live/internal/apperr"
	"pulse-live/internal/auth"
	"pulse-live/internal/observability/logging"
)

type contextKey string

const identityContextKey contextKey = "authenticatedIdentity"

// ContextWithIdentity stores the authenticated caller in ctx.
func ContextWithIdentity(ctx context.Context, id auth.Identity) context.Context {
	ctx = logging.ContextWithUserID(ctx, id.UserID)
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the caller stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(auth.Identity)
	return id, ok
}

type authedHandlerFunc func(w http.ResponseWriter, r *http.Request, caller auth.Identity)

// authed verifies the bearer credential before running next. A caller already
// placed in the context by upstream middleware is reused.
func (h *Handler) authed(next authedHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := IdentityFromContext(r.Context()); ok {
			next(w, r, caller)
			return
		}
		caller, err := h.authenticate(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next(w, r.WithContext(ContextWithIdentity(r.Context(), caller)), caller)
	}
}

func (h *Handler) authenticate(r *http.Request) (auth.Identity, error) {
	if h.verifier == nil {
		return auth.Identity{}, apperr.Authentication("authentication is not configured")
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Identity{}, apperr.Authentication("bearer credential required")
	}
	caller, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			return auth.Identity{}, err
		}
		h.requestLogger(r).Error("verify credential", "error", err)
		return auth.Identity{}, apperr.Authentication("credential could not be verified")
	}
	return caller, nil
}

func loggerFor(ctx context.Context, base *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return logging.WithContext(ctx, base)
}
