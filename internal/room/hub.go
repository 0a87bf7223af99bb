// Package room tracks which connections belong to which named room and
// delivers frames to them. Delivery is best effort: a failed write to one
// member never blocks the others.
package room

import (
	"context"
	"sync"

	"github.com/haven/support-chat/internal/logging"
)

// PresenceRoom receives listener availability updates.
const PresenceRoom = "presence:listeners"

// UserRoom is the private room of a participant. Every connection the
// participant opens joins it.
func UserRoom(participantID string) string { return "user:" + participantID }

// ChatRoom is the room of a chat session.
func ChatRoom(sessionID string) string { return "chat:" + sessionID }

// Member is a connection that can receive frames.
type Member interface {
	ConnID() string
	WriteMessage(data []byte) error
}

// Broadcaster is the room-broadcast primitive. exclude is a connection ID
// that must not receive the frame; empty means deliver to everyone.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, data []byte, exclude string) error
}

// Hub is the local room registry of one gateway instance.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Member // room -> conn ID -> member
	memberRooms map[string]map[string]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		rooms:       make(map[string]map[string]Member),
		memberRooms: make(map[string]map[string]struct{}),
	}
}

// Join adds m to room. Joining twice is a no-op.
func (h *Hub) Join(room string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Member)
		h.rooms[room] = members
	}
	members[m.ConnID()] = m

	joined, ok := h.memberRooms[m.ConnID()]
	if !ok {
		joined = make(map[string]struct{})
		h.memberRooms[m.ConnID()] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes the connection from room. Leaving a room that was never
// joined is a no-op.
func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, connID)
}

// LeaveAll removes the connection from every room it joined.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.memberRooms[connID] {
		h.leaveLocked(room, connID)
	}
	delete(h.memberRooms, connID)
}

func (h *Hub) leaveLocked(room, connID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.memberRooms[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.memberRooms, connID)
		}
	}
}

// InRoom reports whether the connection has joined room.
func (h *Hub) InRoom(room, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Size returns the number of local members in room.
func (h *Hub) Size(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast writes data to every local member of room except exclude.
// Write failures are logged; dead connections are reaped by the server.
func (h *Hub) Broadcast(_ context.Context, room string, data []byte, exclude string) error {
	h.mu.RLock()
	targets := make([]Member, 0, len(h.rooms[room]))
	for id, m := range h.rooms[room] {
		if id == exclude {
			continue
		}
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	for _, m := range targets {
		if err := m.WriteMessage(data); err != nil {
			log := logging.Component("room")
			log.Debug().Err(err).
				Str("room", room).Str(logging.FieldConnID, m.ConnID()).
				Msg("deliver failed")
		}
	}
	return nil
}
