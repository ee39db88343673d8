package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/v9"

	"pulse-live/internal/api"
	"pulse-live/internal/auth"
	"pulse-live/internal/config"
	"pulse-live/internal/events"
	"pulse-live/internal/live"
	"pulse-live/internal/messaging"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/observability/metrics"
	"pulse-live/internal/presence"
	"pulse-live/internal/realtime"
	"pulse-live/internal/rooms"
	"pulse-live/internal/server"
	"pulse-live/internal/storage"
)

// app is the fully wired process: the HTTP server plus the background loops
// that run beside it.
type app struct {
	server  *server.Server
	tasks   []server.Task
	closers []func(context.Context) error
	logger  *slog.Logger
}

type appDeps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Listener net.Listener
}

func newApp(ctx context.Context, cfg config.Config, deps appDeps) (_ *app, err error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	repo, pgRepo, err := openRepository(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, repo.Close)

	queue, err := a.openQueue(ctx, cfg.Events, logger)
	if err != nil {
		return nil, err
	}

	sessions, err := openSessions(ctx, cfg.Auth, pgRepo)
	if err != nil {
		return nil, err
	}
	verifier := auth.Chain{}
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, auth.WithIssuer(cfg.Auth.JWTIssuer))
		if err != nil {
			return nil, fmt.Errorf("configure jwt verifier: %w", err)
		}
		verifier = append(verifier, jwtVerifier)
	}
	verifier = append(verifier, sessions)

	var limiterClient *redis.Client
	if cfg.RateLimit.RedisAddr != "" {
		limiterClient = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return limiterClient.Close() })
	}
	var connectLimiter presence.ConnectLimiter
	if cfg.RateLimit.ConnectLimit > 0 {
		if limiterClient != nil {
			connectLimiter = presence.NewRedisWindowLimiter(limiterClient, cfg.RateLimit.ConnectLimit, cfg.RateLimit.ConnectWindow)
		} else {
			connectLimiter = presence.NewWindowLimiter(cfg.RateLimit.ConnectLimit, cfg.RateLimit.ConnectWindow)
		}
	}
	var apiLimiter server.ClientLimiter
	if cfg.RateLimit.APILimit > 0 {
		if limiterClient != nil {
			apiLimiter = presence.NewRedisWindowLimiter(limiterClient, cfg.RateLimit.APILimit, cfg.RateLimit.APIWindow).WithPrefix("pulse:http")
		} else {
			apiLimiter = presence.NewWindowLimiter(cfg.RateLimit.APILimit, cfg.RateLimit.APIWindow)
		}
	}

	liveManager := live.NewManager(live.ManagerConfig{
		Store:           repo,
		Logger:          logging.WithComponent(logger, "live"),
		Metrics:         recorder,
		MaxLiveDuration: cfg.Live.MaxDuration,
		ScheduledGrace:  cfg.Live.ScheduledGrace,
	})
	restored, err := liveManager.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore live sessions: %w", err)
	}
	logger.Info("restored live sessions", "count", restored)

	roomManager := rooms.NewManager(rooms.ManagerConfig{
		Directory: repo,
		Live:      liveManager,
		Logger:    logging.WithComponent(logger, "rooms"),
	})

	var notifier rooms.Notifier = storage.StoreNotifier{Sink: repo}
	if cfg.Events.Driver == "redis" {
		notifier = storage.QueueNotifier{Queue: queue}
		worker := storage.NewNotificationWorker(repo, queue, logging.WithComponent(logger, "notifications"), recorder)
		a.tasks = append(a.tasks, server.Task{Name: "notification worker", Run: worker.Run})
	}
	fanout := rooms.NewFanout(rooms.FanoutConfig{
		Rooms:     roomManager,
		Directory: repo,
		Notifier:  notifier,
		Logger:    logging.WithComponent(logger, "fanout"),
		Metrics:   recorder,
	})
	liveManager.SetPublisher(fanout)

	messages := messaging.NewService(messaging.Config{
		Store:     repo,
		Directory: repo,
		Publisher: fanout,
		Logger:    logging.WithComponent(logger, "messaging"),
	})

	broadcaster := presence.NewBroadcaster(presence.BroadcasterConfig{
		Queue:   queue,
		Logger:  logging.WithComponent(logger, "presence"),
		Metrics: recorder,
	})
	registry := presence.NewRegistry(presence.RegistryConfig{
		Memberships: roomManager,
		Announcer:   broadcaster,
		Logger:      logging.WithComponent(logger, "registry"),
		Metrics:     recorder,
	})

	origins, err := server.NewOriginPolicy(server.CORSConfig{AllowedOrigins: cfg.CORS.Origins})
	if err != nil {
		return nil, err
	}
	gateway := realtime.NewGateway(realtime.GatewayConfig{
		Verifier:          verifier,
		Limiter:           connectLimiter,
		Registry:          registry,
		Rooms:             roomManager,
		Live:              liveManager,
		Messaging:         messages,
		Presence:          broadcaster,
		Logger:            logging.WithComponent(logger, "gateway"),
		Metrics:           recorder,
		HeartbeatInterval: cfg.Gateway.Heartbeat,
		SendBuffer:        cfg.Gateway.SendBuffer,
		CheckOrigin:       origins.CheckOrigin,
	})
	fanout.SetDeliverer(gateway)

	reaper := presence.NewReaper(registry, presence.ReaperConfig{
		Interval:   cfg.Reaper.Interval,
		StaleAfter: cfg.Reaper.StaleAfter,
		Closer:     gateway,
		Open:       gateway,
		Departures: gateway,
		Sessions:   liveManager,
		Logger:     logging.WithComponent(logger, "reaper"),
		Metrics:    recorder,
	})

	health := []api.HealthCheck{{Name: "sessions", Ping: sessions.Ping}}
	if limiterClient != nil {
		health = append(health, api.HealthCheck{Name: "ratelimit", Ping: func(ctx context.Context) error {
			return limiterClient.Ping(ctx).Err()
		}})
	}
	handler := api.NewHandler(api.Config{
		Live:      liveManager,
		Messaging: messages,
		Store:     repo,
		Presence:  registry,
		Verifier:  verifier,
		Sessions:  sessions,
		Health:    health,
		Logger:    logging.WithComponent(logger, "api"),
	})

	srv, err := server.New(handler, gateway, server.Config{
		Addr:     cfg.Addr,
		Listener: deps.Listener,
		TLS:      server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:         cfg.RateLimit.GlobalRPS,
			GlobalBurst:       cfg.RateLimit.GlobalBurst,
			Client:            apiLimiter,
			TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
		},
		CORS:          server.CORSConfig{AllowedOrigins: cfg.CORS.Origins},
		WebsocketPath: cfg.WebsocketPath,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise server: %w", err)
	}
	a.server = srv

	a.tasks = append(a.tasks,
		server.Task{Name: "gateway", Run: gateway.Run},
		server.Task{Name: "presence broadcaster", Run: broadcaster.Run},
		server.Task{Name: "reaper", Run: func(ctx context.Context) error {
			stop := reaper.Start(ctx)
			<-ctx.Done()
			stop()
			return nil
		}},
		server.Task{
			Name: "session purger",
			Run:  sessionPurgeTask(logging.WithComponent(logger, "session-purger"), sessions, cfg.Auth.SessionPurgeInterval),
		},
	)
	return a, nil
}

// Run serves until ctx is cancelled or a task fails.
func (a *app) Run(ctx context.Context) error {
	return a.server.Run(ctx, a.tasks...)
}

// Close releases datastores and connections in reverse order of opening.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openRepository(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Repository, *storage.PostgresRepository, error) {
	switch cfg.Driver {
	case "postgres":
		repo, err := storage.NewPostgresRepository(ctx, cfg.PostgresDSN,
			storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), 0),
			storage.WithPostgresApplicationName("pulse-live"),
		)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close(ctx)
			return nil, nil, fmt.Errorf("apply postgres schema: %w", err)
		}
		logger.Info("using postgres datastore")
		return repo, repo, nil
	default:
		repo, err := storage.NewStorage(storage.WithFile(cfg.File))
		if err != nil {
			return nil, nil, fmt.Errorf("open datastore: %w", err)
		}
		logger.Info("using memory datastore", "file", cfg.File)
		return repo, nil, nil
	}
}

func (a *app) openQueue(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (events.Queue, error) {
	if cfg.Driver != "redis" {
		return events.NewMemoryQueue(256), nil
	}
	queue, err := events.NewRedisQueue(ctx, events.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.RedisStream,
		Group:    cfg.RedisGroup,
		Logger:   logging.WithComponent(logger, "events"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return queue.Close() })
	logger.Info("using redis event bus", "stream", cfg.RedisStream)
	return queue, nil
}

func openSessions(ctx context.Context, cfg config.AuthConfig, pgRepo *storage.PostgresRepository) (*auth.SessionManager, error) {
	opts := []auth.SessionOption{auth.WithIdleTimeout(cfg.SessionIdleTimeout)}
	if cfg.SessionStore == "postgres" {
		if pgRepo == nil {
			return nil, errors.New("postgres session store requires the postgres datastore")
		}
		store, err := auth.NewPostgresSessionStore(pgRepo.Pool())
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("apply session schema: %w", err)
		}
		opts = append(opts, auth.WithStore(store))
	}
	return auth.NewSessionManager(cfg.SessionTTL, opts...), nil
}
