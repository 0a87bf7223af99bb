package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/room"
)

// relayFrame is the payload published on room.<name>.
type relayFrame struct {
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// RoomRelay is the room broadcast primitive for multi-instance deployments.
// Broadcast publishes to NATS; every instance, including the publisher,
// receives the frame and hands it to its local hub.
type RoomRelay struct {
	client  *NATSClient
	publish func(subject string, data []byte) error
	local   room.Broadcaster
}

// NewRoomRelay creates a relay that publishes through client and delivers to
// local.
func NewRoomRelay(client *NATSClient, local room.Broadcaster) *RoomRelay {
	return &RoomRelay{client: client, publish: client.Publish, local: local}
}

// Start subscribes the relay to all room subjects.
func (r *RoomRelay) Start() error {
	return r.client.Subscribe(SubjectRoomAll, func(msg *nats.Msg) {
		r.deliver(msg.Data)
	})
}

// Broadcast publishes data for room. exclude is a connection ID on whichever
// instance holds it.
func (r *RoomRelay) Broadcast(_ context.Context, name string, data []byte, exclude string) error {
	payload, err := json.Marshal(relayFrame{Room: name, Exclude: exclude, Data: data})
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	if err := r.publish(roomSubject(name), payload); err != nil {
		return fmt.Errorf("relay: publish %s: %w", name, err)
	}
	return nil
}

func (r *RoomRelay) deliver(payload []byte) {
	var f relayFrame
	if err := json.Unmarshal(payload, &f); err != nil || f.Room == "" {
		log := logging.Component("relay")
		log.Warn().Err(err).Msg("dropping malformed room frame")
		return
	}
	_ = r.local.Broadcast(context.Background(), f.Room, f.Data, f.Exclude)
}

// roomSubject maps a room name onto a single subject token.
func roomSubject(name string) string {
	return SubjectRoom + "." + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}
