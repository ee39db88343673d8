package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"pulse-live/internal/api"
	"pulse-live/internal/apperr"
)

// ClientLimiter bounds requests per client key. presence.WindowLimiter and
// presence.RedisWindowLimiter both satisfy it.
type ClientLimiter interface {
	Admit(ctx context.Context, key string) (bool, error)
}

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// Client, when set, applies a per client IP ceiling on /api routes.
	Client ClientLimiter
	// TrustForwardedFor takes the client IP from X-Forwarded-For.
	TrustForwardedFor bool
}

type rateLimiter struct {
	global       *rate.Limiter
	client       ClientLimiter
	trustProxies bool
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{client: cfg.Client, trustProxies: cfg.TrustForwardedFor}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowClient(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}
	if key == "" {
		key = "unknown"
	}
	return r.client.Admit(ctx, key)
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			api.WriteError(w, apperr.RateLimited("global rate limit exceeded"))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			allowed, err := rl.AllowClient(r.Context(), clientIP(r, rl.trustProxies))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				api.WriteError(w, apperr.Transport(err, "rate limiter unavailable"))
				return
			}
			if !allowed {
				api.WriteError(w, apperr.RateLimited("too many requests"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
