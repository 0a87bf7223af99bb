// Package messaging provides a NATS client wrapper for pub/sub between
// gateway instances and the ops tooling. It handles connection lifecycle,
// subject-based subscriptions, and the typed subjects the chat service uses.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/moderation"
)

// NATS subject patterns used across services.
const (
	SubjectRoom    = "room" // + .<room name>
	SubjectRoomAll = SubjectRoom + ".>"
	SubjectFlagged = moderation.SubjectFlagged
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	logger zerolog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "haven",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	logger := logging.Component("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// PublishFlagged publishes a flagged-message review event.
func (c *NATSClient) PublishFlagged(ev moderation.FlaggedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal flagged event: %w", err)
	}
	return c.Publish(SubjectFlagged, data)
}

// SubscribeFlagged delivers flagged-message review events to handler.
// Malformed payloads are logged and dropped.
func (c *NATSClient) SubscribeFlagged(handler func(ev moderation.FlaggedEvent)) error {
	return c.Subscribe(SubjectFlagged, func(msg *nats.Msg) {
		var ev moderation.FlaggedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("bad flagged event")
			return
		}
		handler(ev)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain failed")
	}

	c.logger.Info().Msg("client closed")
}
