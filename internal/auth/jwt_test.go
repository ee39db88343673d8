package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-live/internal/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTVerifierRoundTrip(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	v, err := NewJWTVerifier(testSecret, WithIssuer("pulse"), WithJWTClock(clock.Now))
	require.NoError(t, err)

	token, err := v.Issue(Identity{UserID: "alice", Username: "Alice", AvatarURL: "https://a/b.png"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "Alice", id.Username)
	assert.Equal(t, "https://a/b.png", id.AvatarURL)

	clock.now = clock.now.Add(2 * time.Minute)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, apperr.ErrAuthentication, "expired beyond leeway")
}

func TestJWTVerifierRejects(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, WithIssuer("pulse"))
	require.NoError(t, err)
	other, err := NewJWTVerifier("fedcba9876543210fedcba9876543210", WithIssuer("pulse"))
	require.NoError(t, err)
	wrongIssuer, err := NewJWTVerifier(testSecret, WithIssuer("someone-else"))
	require.NoError(t, err)

	forged, err := other.Issue(Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	foreign, err := wrongIssuer.Issue(Identity{UserID: "alice"}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), foreign)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	noSubject, err := v.Issue(Identity{}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), noSubject)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	_, err = NewJWTVerifier("short")
	assert.Error(t, err)
}

type failingVerifier struct{ err error }

func (f failingVerifier) Verify(context.Context, string) (Identity, error) {
	return Identity{}, f.err
}

func TestChainFallsThroughAuthenticationFailures(t *testing.T) {
	sessions := NewSessionManager(time.Hour)
	token, _, err := sessions.Create(context.Background(), Identity{UserID: "bob"})
	require.NoError(t, err)
	jwtVerifier, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	chain := Chain{jwtVerifier, sessions}
	id, err := chain.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)

	_, err = chain.Verify(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)

	broken := Chain{failingVerifier{err: errors.New("store offline")}, sessions}
	_, err = broken.Verify(context.Background(), token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrAuthentication)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(r))

	r.Header.Set("Sec-WebSocket-Protocol", "bearer, proto-token")
	assert.Equal(t, "proto-token", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r))
}
