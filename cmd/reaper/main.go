package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/haven/support-chat/internal/config"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/messaging"
	"github.com/haven/support-chat/internal/room"
	"github.com/haven/support-chat/internal/session"
	"github.com/haven/support-chat/internal/storage"
)

func main() {
	log := logging.L()
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), "config")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "reaper"
	}
	logging.Init(cfg.Log)
	log = logging.Component("main")

	if cfg.Storage.Driver == "memory" {
		log.Fatal().Msg("the reaper needs shared storage; in-memory servers reap in process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer stores.Close()

	// chat_ended notifications reach connected clients through the gateways'
	// room relay. Without NATS they are dropped.
	opts := []session.Option{session.WithTTL(cfg.Session.TTL)}
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "haven-reaper"

		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsClient.Close()

		relay := messaging.NewRoomRelay(natsClient, room.NewHub())
		opts = append(opts, session.WithNotifier(session.NewRoomNotifier(relay)))
	}
	orch := session.New(stores.Sessions, stores.Directory, opts...)

	log.Info().
		Dur("interval", cfg.Session.ReapInterval).
		Dur("ttl", cfg.Session.TTL).
		Str("nats_url", cfg.NATS.URL).
		Msg("haven reaper running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	session.StartReaper(ctx, orch, cfg.Session.ReapInterval)
}
