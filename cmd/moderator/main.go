package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haven/support-chat/internal/config"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/messaging"
	"github.com/haven/support-chat/internal/moderation"
	"github.com/haven/support-chat/internal/storage"
)

const usage = `usage: moderator <command>

commands:
  watch                         stream flagged messages as they are delivered
  remove <message-id> [reason]  hide a message from history
  gate <on|off>                 switch message moderation for every gateway`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	log := logging.L()
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), "config")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "moderator"
	}
	logging.Init(cfg.Log)
	log = logging.Component("moderator")

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "watch":
		err = watch(cfg)
	case "remove":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = remove(cfg, args[0], strings.Join(args[1:], " "))
	case "gate":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = setGate(cfg, args[0] == "on")
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}

// watch logs every flagged message published by the gateways until
// interrupted.
func watch(cfg *config.Config) error {
	if cfg.NATS.URL == "" {
		return fmt.Errorf("watch requires NATS_URL")
	}
	log := logging.Component("moderator")

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "haven-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	err = natsClient.SubscribeFlagged(func(ev moderation.FlaggedEvent) {
		log.Warn().
			Str(logging.FieldMessageID, ev.MessageID).
			Str(logging.FieldSessionID, ev.SessionID).
			Str(logging.FieldParticipantID, ev.SenderID).
			Str("reason", ev.Reason).
			Time("sent_at", time.Unix(ev.SentAt, 0).UTC()).
			Msg("flagged message")
	})
	if err != nil {
		return err
	}
	log.Info().Str("nats_url", natsConfig.URL).Msg("watching flagged messages")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}

func remove(cfg *config.Config, messageID, reason string) error {
	if reason == "" {
		reason = "removed by moderator"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := stores.Sessions.RemoveMessage(ctx, messageID, reason); err != nil {
		return err
	}
	log := logging.Component("moderator")
	log.Info().
		Str(logging.FieldMessageID, messageID).
		Str("reason", reason).
		Msg("message removed")
	return nil
}

func setGate(cfg *config.Config, enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stores, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.Redis == nil {
		return fmt.Errorf("gate switching requires Redis storage")
	}

	if err := moderation.NewRedisFlag(stores.Redis, cfg.Moderation.FlagKey, cfg.Moderation.Enabled).Set(ctx, enabled); err != nil {
		return err
	}
	log := logging.Component("moderator")
	log.Info().Bool("enabled", enabled).Msg("moderation gate updated")
	return nil
}
