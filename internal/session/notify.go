package session

import (
	"context"
	"errors"

	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/participant"
	"github.com/haven/support-chat/internal/protocol"
	"github.com/haven/support-chat/internal/room"
)

// ChatRequest is emitted to the listener when a sharer reserves them.
type ChatRequest struct {
	Session *chat.Session
	Sharer  *participant.Participant
}

// ChatEnded is emitted to both participants when a session closes.
type ChatEnded struct {
	Session          *chat.Session
	EndedBy          string
	FeedbackRequired bool
	Reason           string
}

// Notifier delivers lifecycle events to connected participants.
type Notifier interface {
	ChatRequested(ctx context.Context, ev ChatRequest) error
	ChatEnded(ctx context.Context, ev ChatEnded) error
	ListenerStatusChanged(ctx context.Context, listenerID string, a participant.Availability) error
}

type nopNotifier struct{}

func (nopNotifier) ChatRequested(context.Context, ChatRequest) error { return nil }
func (nopNotifier) ChatEnded(context.Context, ChatEnded) error       { return nil }
func (nopNotifier) ListenerStatusChanged(context.Context, string, participant.Availability) error {
	return nil
}

// RoomNotifier renders lifecycle events as protocol frames and broadcasts them
// to participants' private rooms and the presence room.
type RoomNotifier struct {
	rooms room.Broadcaster
}

// NewRoomNotifier creates a RoomNotifier over b.
func NewRoomNotifier(b room.Broadcaster) *RoomNotifier {
	return &RoomNotifier{rooms: b}
}

func (n *RoomNotifier) ChatRequested(ctx context.Context, ev ChatRequest) error {
	data, err := protocol.NewServerMessage(protocol.TypeChatRequest, protocol.ChatRequestMsg{
		SessionID: ev.Session.ID,
		Sharer:    protocol.ParticipantRef{ID: ev.Sharer.ID, Pseudonym: ev.Sharer.Pseudonym},
		Topic:     ev.Session.Topic,
	})
	if err != nil {
		return err
	}
	return n.rooms.Broadcast(ctx, room.UserRoom(ev.Session.ListenerID), data, "")
}

func (n *RoomNotifier) ChatEnded(ctx context.Context, ev ChatEnded) error {
	data, err := protocol.NewServerMessage(protocol.TypeChatEnded, protocol.ChatEndedMsg{
		SessionID:        ev.Session.ID,
		EndedBy:          ev.EndedBy,
		FeedbackRequired: ev.FeedbackRequired,
		Reason:           ev.Reason,
	})
	if err != nil {
		return err
	}
	return errors.Join(
		n.rooms.Broadcast(ctx, room.UserRoom(ev.Session.SharerID), data, ""),
		n.rooms.Broadcast(ctx, room.UserRoom(ev.Session.ListenerID), data, ""),
	)
}

func (n *RoomNotifier) ListenerStatusChanged(ctx context.Context, listenerID string, a participant.Availability) error {
	data, err := protocol.NewServerMessage(protocol.TypeListenerStatusUpdate, protocol.ListenerStatusUpdateMsg{
		ListenerID:   listenerID,
		Availability: string(a),
	})
	if err != nil {
		return err
	}
	return n.rooms.Broadcast(ctx, room.PresenceRoom, data, "")
}
