package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeMember struct {
	id   string
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (f *fakeMember) ConnID() string { return f.id }

func (f *fakeMember) WriteMessage(data []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.got = append(f.got, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeMember) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestHub_BroadcastExcludes(t *testing.T) {
	h := NewHub()
	a, b, c := &fakeMember{id: "a"}, &fakeMember{id: "b"}, &fakeMember{id: "c"}
	h.Join("chat:1", a)
	h.Join("chat:1", b)
	h.Join("chat:2", c)

	assert.NoError(t, h.Broadcast(context.Background(), "chat:1", []byte("hi"), "a"))
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, c.count())

	assert.NoError(t, h.Broadcast(context.Background(), "chat:1", []byte("all"), ""))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 2, b.count())
}

func TestHub_FailedMemberDoesNotBlockOthers(t *testing.T) {
	h := NewHub()
	bad, good := &fakeMember{id: "bad", fail: true}, &fakeMember{id: "good"}
	h.Join("r", bad)
	h.Join("r", good)

	assert.NoError(t, h.Broadcast(context.Background(), "r", []byte("x"), ""))
	assert.Equal(t, 1, good.count())
}

func TestHub_LeaveIsIdempotent(t *testing.T) {
	h := NewHub()
	a := &fakeMember{id: "a"}
	h.Join("r", a)
	h.Join("r", a)
	assert.Equal(t, 1, h.Size("r"))

	h.Leave("r", "a")
	h.Leave("r", "a")
	h.Leave("never-joined", "a")
	assert.Equal(t, 0, h.Size("r"))
	assert.False(t, h.InRoom("r", "a"))
}

func TestHub_LeaveAll(t *testing.T) {
	h := NewHub()
	a, b := &fakeMember{id: "a"}, &fakeMember{id: "b"}
	h.Join(UserRoom("p1"), a)
	h.Join(ChatRoom("s1"), a)
	h.Join(PresenceRoom, a)
	h.Join(ChatRoom("s1"), b)

	h.LeaveAll("a")
	assert.False(t, h.InRoom(UserRoom("p1"), "a"))
	assert.False(t, h.InRoom(ChatRoom("s1"), "a"))
	assert.False(t, h.InRoom(PresenceRoom, "a"))
	assert.True(t, h.InRoom(ChatRoom("s1"), "b"))
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "user:p1", UserRoom("p1"))
	assert.Equal(t, "chat:s1", ChatRoom("s1"))
}
