package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/support-chat/internal/moderation"
	"github.com/haven/support-chat/internal/room"
)

type member struct {
	id  string
	mu  sync.Mutex
	got []string
}

func (m *member) ConnID() string { return m.id }

func (m *member) WriteMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, string(data))
	return nil
}

func (m *member) frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.got...)
}

// loopback wires a relay's publish straight back into its deliver, the way a
// NATS subscription on the same instance would.
func loopback(hub *room.Hub) (*RoomRelay, *[]string) {
	var subjects []string
	r := &RoomRelay{local: hub}
	r.publish = func(subject string, data []byte) error {
		subjects = append(subjects, subject)
		r.deliver(data)
		return nil
	}
	return r, &subjects
}

func TestRoomRelay_DeliversThroughLocalHub(t *testing.T) {
	hub := room.NewHub()
	a, b := &member{id: "a"}, &member{id: "b"}
	hub.Join(room.ChatRoom("s.1"), a)
	hub.Join(room.ChatRoom("s.1"), b)

	relay, subjects := loopback(hub)
	require.NoError(t, relay.Broadcast(context.Background(), room.ChatRoom("s.1"), []byte(`{"type":"new_message"}`), "a"))

	assert.Empty(t, a.frames())
	assert.Equal(t, []string{`{"type":"new_message"}`}, b.frames())
	assert.Equal(t, []string{"room.chat:s_1"}, *subjects)
}

func TestRoomRelay_DropsMalformedFrames(t *testing.T) {
	hub := room.NewHub()
	a := &member{id: "a"}
	hub.Join("r", a)
	relay := &RoomRelay{local: hub}

	relay.deliver([]byte("not json"))
	relay.deliver([]byte(`{"data":{"type":"x"}}`))
	assert.Empty(t, a.frames())
}

func TestRoomRelay_PublishError(t *testing.T) {
	relay := &RoomRelay{local: room.NewHub(), publish: func(string, []byte) error {
		return errors.New("nats: connection closed")
	}}
	err := relay.Broadcast(context.Background(), "r", []byte(`{}`), "")
	assert.Error(t, err)
}

// newNATSClient connects to a local NATS server. Tests using it are skipped
// when NATS is not running.
func newNATSClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNATS_FlaggedRoundTrip(t *testing.T) {
	c := newNATSClient(t)

	got := make(chan moderation.FlaggedEvent, 1)
	require.NoError(t, c.SubscribeFlagged(func(ev moderation.FlaggedEvent) { got <- ev }))
	require.NoError(t, c.conn.Flush())

	want := moderation.FlaggedEvent{MessageID: "m1", SessionID: "s1", SenderID: "p1", Reason: "Contains concerning content: hopeless", SentAt: 1}
	require.NoError(t, c.PublishFlagged(want))

	select {
	case ev := <-got:
		assert.Equal(t, want, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("flagged event not received")
	}
}

func TestNATS_RelayAcrossClients(t *testing.T) {
	pub := newNATSClient(t)
	sub := newNATSClient(t)

	hub := room.NewHub()
	m := &member{id: "remote"}
	hub.Join(room.UserRoom("p1"), m)

	require.NoError(t, NewRoomRelay(sub, hub).Start())
	require.NoError(t, sub.conn.Flush())

	require.NoError(t, NewRoomRelay(pub, room.NewHub()).Broadcast(context.Background(), room.UserRoom("p1"), []byte(`{"type":"chat_request"}`), ""))

	assert.Eventually(t, func() bool { return len(m.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
