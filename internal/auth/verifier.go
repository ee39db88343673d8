// Package auth verifies the credentials presented on realtime connections and
// REST requests. Identity itself is owned elsewhere; this package only maps a
// token onto the user it was issued to.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pulse-live/internal/apperr"
)

// Identity is the verified caller.
type Identity struct {
	UserID    string
	Username  string
	AvatarURL string
}

// Verifier resolves a credential. Failures are apperr Authentication errors.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Chain tries each verifier in order and returns the first identity that
// verifies. Non-authentication errors stop the chain.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, apperr.Authentication("credential required")
	}
	lastErr := apperr.Authentication("no verifier configured")
	for _, v := range c {
		if v == nil {
			continue
		}
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, apperr.ErrAuthentication) {
			return Identity{}, err
		}
		lastErr = err
	}
	return Identity{}, lastErr
}

// TokenFromRequest extracts a bearer credential from the Authorization header,
// the websocket subprotocol list ("bearer, <token>") or the token query
// parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	if protocols := r.Header.Get("Sec-WebSocket-Protocol"); protocols != "" {
		parts := strings.Split(protocols, ",")
		for i := 0; i+1 < len(parts); i++ {
			if strings.EqualFold(strings.TrimSpace(parts[i]), "bearer") {
				return strings.TrimSpace(parts[i+1])
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
