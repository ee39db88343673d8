package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pulse-live/internal/api"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/observability/metrics"
)

const (
	defaultWebsocketPath   = "/ws"
	defaultShutdownTimeout = 15 * time.Second
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Realtime is the websocket endpoint. Shutdown closes the hijacked
// connections http.Server.Shutdown does not track.
type Realtime interface {
	http.Handler
	Shutdown(ctx context.Context) error
}

type Config struct {
	Addr string
	// Listener, when set, is served instead of listening on Addr.
	Listener        net.Listener
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	WebsocketPath   string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Task is a background loop supervised alongside the listener. Run must
// return once ctx is cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Server struct {
	httpServer      *http.Server
	listener        net.Listener
	realtime        Realtime
	logger          *slog.Logger
	metrics         *metrics.Recorder
	shutdownTimeout time.Duration
	tlsCertFile     string
	tlsKeyFile      string
}

func New(handler *api.Handler, realtime Realtime, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	policy, err := NewOriginPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", recorder.Handler())
	if realtime != nil {
		path := strings.TrimSpace(cfg.WebsocketPath)
		if path == "" {
			path = defaultWebsocketPath
		}
		mux.Handle("GET "+path, realtime)
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:      httpServer,
		listener:        cfg.Listener,
		realtime:        realtime,
		logger:          logger,
		metrics:         recorder,
		shutdownTimeout: cfg.ShutdownTimeout,
		tlsCertFile:     strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:      strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.shutdownTimeout <= 0 {
		srv.shutdownTimeout = defaultShutdownTimeout
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the full middleware chain. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	tlsEnabled := s.tlsCertFile != "" && s.tlsKeyFile != ""
	if s.listener != nil {
		if tlsEnabled {
			return s.httpServer.ServeTLS(s.listener, s.tlsCertFile, s.tlsKeyFile)
		}
		return s.httpServer.Serve(s.listener)
	}
	if tlsEnabled {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then closes realtime channels.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if s.realtime != nil {
		err = errors.Join(err, s.realtime.Shutdown(ctx))
	}
	return err
}

// Run serves until ctx is cancelled or any task fails, then shuts everything
// down. A task error cancels the others and is returned.
func (s *Server) Run(ctx context.Context, tasks ...Task) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("listening", "addr", s.addr())
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	})
	for _, task := range tasks {
		task := task
		if task.Run == nil {
			continue
		}
		group.Go(func() error {
			if err := task.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", task.Name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (s *Server) addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
