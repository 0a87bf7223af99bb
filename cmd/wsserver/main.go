package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/haven/support-chat/internal/auth"
	"github.com/haven/support-chat/internal/config"
	"github.com/haven/support-chat/internal/feedback"
	"github.com/haven/support-chat/internal/gateway"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/matching"
	"github.com/haven/support-chat/internal/messaging"
	"github.com/haven/support-chat/internal/metrics"
	"github.com/haven/support-chat/internal/moderation"
	"github.com/haven/support-chat/internal/ratelimit"
	"github.com/haven/support-chat/internal/room"
	"github.com/haven/support-chat/internal/session"
	"github.com/haven/support-chat/internal/storage"
	"github.com/haven/support-chat/internal/ws"
)

func main() {
	log := logging.L()
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), "config")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "wsserver"
	}
	logging.Init(cfg.Log)
	log = logging.Component("main")

	if cfg.Auth.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Storage ---
	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	if cfg.Storage.SeedFile != "" {
		n, err := storage.SeedParticipants(ctx, stores.Directory, cfg.Storage.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to seed participants")
		}
		log.Info().Int("participants", n).Msg("seeded participants")
	}

	// --- Rooms and NATS ---
	hub := room.NewHub()
	var (
		broadcaster room.Broadcaster = hub
		flagged     gateway.FlagPublisher
		natsClient  *messaging.NATSClient
	)
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "haven-" + cfg.Server.Name

		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		relay := messaging.NewRoomRelay(natsClient, hub)
		if err := relay.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start room relay")
		}
		broadcaster = relay
		flagged = natsClient
	}

	// --- Moderation and rate limiting ---
	var (
		flag    moderation.Flag
		limiter gateway.Limiter
	)
	if stores.Redis != nil {
		flag = moderation.NewRedisFlag(stores.Redis, cfg.Moderation.FlagKey, cfg.Moderation.Enabled)
		limiter = ratelimit.NewLimiter(stores.Redis)
	} else {
		flag = moderation.NewStaticFlag(cfg.Moderation.Enabled)
		limiter = ratelimit.NewMemoryLimiter()
	}

	// --- Core ---
	orch := session.New(stores.Sessions, stores.Directory,
		session.WithNotifier(session.NewRoomNotifier(broadcaster)),
		session.WithTTL(cfg.Session.TTL),
	)
	gw := gateway.New(gateway.Deps{
		Hub:          hub,
		Broadcaster:  broadcaster,
		Directory:    stores.Directory,
		Sessions:     stores.Sessions,
		Orchestrator: orch,
		Matcher:      matching.NewEngine(stores.Directory, stores.Sessions),
		Feedback:     feedback.NewService(stores.Feedback, stores.Sessions, stores.Directory),
		Gate:         moderation.NewGate(flag),
		Limiter:      limiter,
		Flagged:      flagged,
		MaxChars:     cfg.Chat.MaxContentChars,
	})

	// In-memory sessions are invisible to a separate reaper process.
	if cfg.Storage.Driver == "memory" {
		go session.StartReaper(ctx, orch, cfg.Session.ReapInterval)
	}

	// --- WebSocket server ---
	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	upgradeAuth := gateway.NewUpgradeAuth(verifier, stores.Directory, limiter)

	server, err := ws.NewServer(wsConfig, upgradeAuth, func(conn *ws.Connection, data []byte) {
		gw.Dispatch(conn, data)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	server.SetOnConnect(func(conn *ws.Connection) { gw.Connect(conn) })
	server.SetOnDisconnect(func(conn *ws.Connection) { gw.Disconnect(conn) })
	server.Handle("/metrics", metrics.Handler())

	log.Info().
		Str("listen_addr", wsConfig.ListenAddr).
		Int("worker_pool", wsConfig.WorkerPoolSize).
		Int("max_connections", wsConfig.MaxConnections).
		Dur("read_timeout", wsConfig.ReadTimeout).
		Dur("write_timeout", wsConfig.WriteTimeout).
		Int64("max_frame_bytes", wsConfig.MaxFrameBytes).
		Str("storage", cfg.Storage.Driver).
		Str("nats_url", cfg.NATS.URL).
		Str("server_name", cfg.Server.Name).
		Bool("moderation", cfg.Moderation.Enabled).
		Msg("haven websocket server starting")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()
		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := stores.Close(); err != nil {
			log.Error().Err(err).Msg("storage close error")
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
