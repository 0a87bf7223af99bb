package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/feedback"
	"github.com/haven/support-chat/internal/matching"
	"github.com/haven/support-chat/internal/moderation"
	"github.com/haven/support-chat/internal/participant"
	"github.com/haven/support-chat/internal/ratelimit"
	"github.com/haven/support-chat/internal/room"
	"github.com/haven/support-chat/internal/session"
)

type fakeClient struct {
	id, pid string

	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *fakeClient) ConnID() string        { return c.id }
func (c *fakeClient) ParticipantID() string { return c.pid }

func (c *fakeClient) WriteMessage(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) ofType(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeClient) last(t *testing.T) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames, "client %s received nothing", c.pid)
	return c.frames[len(c.frames)-1]
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []moderation.FlaggedEvent
}

func (r *recordingPublisher) PublishFlagged(ev moderation.FlaggedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	dir     *participant.MemoryDirectory
	store   *chat.MemoryStore
	hub     *room.Hub
	flag    *moderation.StaticFlag
	flagged *recordingPublisher
	gw      *Gateway
	clients map[string]*fakeClient
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		dir:     participant.NewMemoryDirectory(),
		store:   chat.NewMemoryStore(),
		hub:     room.NewHub(),
		flag:    moderation.NewStaticFlag(true),
		flagged: &recordingPublisher{},
		clients: make(map[string]*fakeClient),
	}
	for _, p := range []*participant.Participant{
		{ID: "S1", Pseudonym: "Quiet Fern", Roles: []string{participant.RoleSharer}, Active: true},
		{ID: "S2", Pseudonym: "Blue Heron", Roles: []string{participant.RoleSharer}, Active: true},
		{ID: "L1", Pseudonym: "Kind Owl", Roles: []string{participant.RoleListener},
			Availability: participant.Available, Rating: 4.5, Topics: []string{"anxiety"},
			Languages: []string{"English"}, Active: true},
		{ID: "L2", Pseudonym: "Warm Fox", Roles: []string{participant.RoleListener},
			Availability: participant.Unavailable, Active: true},
		{ID: "X1", Pseudonym: "Gone Away", Roles: []string{participant.RoleSharer}, Active: false},
	} {
		require.NoError(t, f.dir.Upsert(ctx, p))
	}

	orch := session.New(f.store, f.dir, session.WithNotifier(session.NewRoomNotifier(f.hub)))
	d := Deps{
		Hub:          f.hub,
		Directory:    f.dir,
		Sessions:     f.store,
		Orchestrator: orch,
		Matcher:      matching.NewEngine(f.dir, f.store, matching.WithJitter(func() float64 { return 0 })),
		Feedback:     feedback.NewService(feedback.NewMemoryStore(), f.store, f.dir),
		Gate:         moderation.NewGate(f.flag),
		Limiter:      ratelimit.NewMemoryLimiter(),
		Flagged:      f.flagged,
	}
	for _, m := range mutate {
		m(&d)
	}
	f.gw = New(d)
	return f
}

// connect registers a client for pid the way the server's connect hook does.
func (f *fixture) connect(pid string) *fakeClient {
	c := &fakeClient{id: "conn-" + pid, pid: pid}
	f.clients[pid] = c
	f.gw.Connect(c)
	return c
}

func (f *fixture) send(t *testing.T, c *fakeClient, msg map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.gw.Dispatch(c, data)
	return c.last(t)
}

// startChat connects S1 and L1, opens a session and joins both to its room.
func (f *fixture) startChat(t *testing.T) (sharer, listener *fakeClient, sessionID string) {
	t.Helper()
	sharer = f.connect("S1")
	listener = f.connect("L1")

	started := f.send(t, sharer, map[string]interface{}{"type": "request_chat", "listener_id": "L1", "topic": "anxiety"})
	require.Equal(t, "chat_started", started["type"], "%v", started)
	sessionID = started["session_id"].(string)

	for _, c := range []*fakeClient{sharer, listener} {
		ack := f.send(t, c, map[string]interface{}{"type": "join_chat", "session_id": sessionID})
		require.Equal(t, "joined_chat", ack["type"], "%v", ack)
	}
	sharer.reset()
	listener.reset()
	return sharer, listener, sessionID
}

func assertError(t *testing.T, frame map[string]interface{}, code, event string) {
	t.Helper()
	require.Equal(t, "error", frame["type"], "%v", frame)
	assert.Equal(t, code, frame["code"])
	assert.Equal(t, event, frame["event"])
	assert.NotEmpty(t, frame["message"])
}

func TestConnect_JoinsPrivateRoomAndGreets(t *testing.T) {
	f := newFixture(t)
	c := f.connect("S1")

	greeting := c.last(t)
	assert.Equal(t, "connected", greeting["type"])
	assert.Equal(t, "S1", greeting["participant_id"])
	assert.Equal(t, "Quiet Fern", greeting["pseudonym"])
	assert.True(t, f.hub.InRoom(room.UserRoom("S1"), c.ConnID()))

	f.gw.Disconnect(c)
	assert.False(t, f.hub.InRoom(room.UserRoom("S1"), c.ConnID()))
}

func TestDispatch_ParseErrorsAndPing(t *testing.T) {
	f := newFixture(t)
	c := f.connect("S1")

	frame := f.send(t, c, map[string]interface{}{"type": "teleport"})
	assertError(t, frame, "validation_failed", "teleport")
	assert.Equal(t, "unsupported message type", frame["message"])

	frame = f.send(t, c, map[string]interface{}{"type": "chat_started"})
	assertError(t, frame, "validation_failed", "chat_started")

	f.gw.Dispatch(c, []byte("{not json"))
	frame = c.last(t)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "invalid message format", frame["message"])

	frame = f.send(t, c, map[string]interface{}{"type": "send_message", "session_id": 42})
	assertError(t, frame, "validation_failed", "send_message")
	assert.Equal(t, "invalid message format", frame["message"])

	frame = f.send(t, c, map[string]interface{}{"type": "ping"})
	assert.Equal(t, "pong", frame["type"])
}

func TestDispatch_InactiveParticipantUnauthorized(t *testing.T) {
	f := newFixture(t)
	c := &fakeClient{id: "conn-X1", pid: "X1"}

	frame := f.send(t, c, map[string]interface{}{"type": "active_session"})
	assertError(t, frame, "unauthorized", "active_session")

	ghost := &fakeClient{id: "conn-ghost", pid: "ghost"}
	frame = f.send(t, ghost, map[string]interface{}{"type": "active_session"})
	assertError(t, frame, "unauthorized", "active_session")
}

func TestRequestChat_NotifiesListener(t *testing.T) {
	f := newFixture(t)
	sharer := f.connect("S1")
	listener := f.connect("L1")

	started := f.send(t, sharer, map[string]interface{}{"type": "request_chat", "listener_id": "L1", "topic": "anxiety"})
	require.Equal(t, "chat_started", started["type"])
	assert.Equal(t, "active", started["status"])
	assert.Equal(t, "anxiety", started["topic"])
	assert.Equal(t, map[string]interface{}{"id": "L1", "pseudonym": "Kind Owl"}, started["listener"])
	assert.NotEmpty(t, started["started_at"])
	assert.NotEmpty(t, started["expires_at"])

	requests := listener.ofType("chat_request")
	require.Len(t, requests, 1)
	assert.Equal(t, started["session_id"], requests[0]["session_id"])
	assert.Equal(t, map[string]interface{}{"id": "S1", "pseudonym": "Quiet Fern"}, requests[0]["sharer"])

	p, err := f.dir.FindByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, participant.InChat, p.Availability)
}

func TestRequestChat_Rejections(t *testing.T) {
	f := newFixture(t)
	s2 := f.connect("S2")
	l1 := f.connect("L1")

	assertError(t, f.send(t, l1, map[string]interface{}{"type": "request_chat", "listener_id": "L1"}), "forbidden", "request_chat")
	assertError(t, f.send(t, s2, map[string]interface{}{"type": "request_chat"}), "validation_failed", "request_chat")
	assertError(t, f.send(t, s2, map[string]interface{}{"type": "request_chat", "listener_id": "nobody"}), "not_found", "request_chat")
	assertError(t, f.send(t, s2, map[string]interface{}{"type": "request_chat", "listener_id": "L2"}), "invalid_state", "request_chat")
}

func TestJoinChat(t *testing.T) {
	f := newFixture(t)
	sharer := f.connect("S1")
	listener := f.connect("L1")
	outsider := f.connect("S2")

	started := f.send(t, sharer, map[string]interface{}{"type": "request_chat", "listener_id": "L1"})
	sid := started["session_id"].(string)

	ack := f.send(t, sharer, map[string]interface{}{"type": "join_chat", "session_id": sid})
	assert.Equal(t, "joined_chat", ack["type"])
	assert.Equal(t, sid, ack["session_id"])

	f.send(t, listener, map[string]interface{}{"type": "join_chat", "session_id": sid})
	joined := sharer.ofType("user_joined")
	require.Len(t, joined, 1)
	assert.Equal(t, "Kind Owl", joined[0]["pseudonym"])
	assert.Empty(t, listener.ofType("user_joined"), "joiner must not see its own user_joined")

	assertError(t, f.send(t, outsider, map[string]interface{}{"type": "join_chat", "session_id": sid}), "forbidden", "join_chat")
	assertError(t, f.send(t, outsider, map[string]interface{}{"type": "join_chat", "session_id": "missing"}), "not_found", "join_chat")
	assert.Equal(t, 2, f.hub.Size(room.ChatRoom(sid)))
}

func TestSendMessage_DeliveredToWholeRoom(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "I had a rough day"})

	for _, c := range []*fakeClient{sharer, listener} {
		msgs := c.ofType("new_message")
		require.Len(t, msgs, 1, "client %s", c.pid)
		m := msgs[0]
		assert.Equal(t, sid, m["session_id"])
		assert.Equal(t, "I had a rough day", m["content"])
		assert.Equal(t, "S1", m["sender_id"])
		assert.Equal(t, "Quiet Fern", m["sender_pseudonym"])
		assert.Equal(t, "sharer", m["sender_role"])
		assert.Equal(t, "approved", m["moderation_status"])
		assert.EqualValues(t, 1, m["seq"])
		assert.NotEmpty(t, m["message_id"])
		assert.NotEmpty(t, m["sent_at"])
	}

	stored, err := f.store.Messages(context.Background(), sid, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "sharer", stored[0].SenderRole)
}

func TestSendMessage_Rejections(t *testing.T) {
	f := newFixture(t)
	sharer, _, sid := f.startChat(t)
	outsider := f.connect("S2")

	tests := []struct {
		name    string
		client  *fakeClient
		session string
		content string
		code    string
	}{
		{"not a participant", outsider, sid, "hi", "forbidden"},
		{"unknown session", sharer, "missing", "hi", "not_found"},
		{"missing session id", sharer, "", "hi", "validation_failed"},
		{"too long", sharer, sid, strings.Repeat("a", chat.MaxTextChars+1), "validation_failed"},
		{"contact details", sharer, sid, "call me at 555-123-4567", "moderation_blocked"},
		{"empty", sharer, sid, "   ", "moderation_blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := f.send(t, tt.client, map[string]interface{}{
				"type": "send_message", "session_id": tt.session, "content": tt.content,
			})
			assertError(t, frame, tt.code, "send_message")
		})
	}

	stored, err := f.store.Messages(context.Background(), sid, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, stored, "rejected messages must not be stored")
}

func TestSendMessage_BlockedReason(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	frame := f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "email me at a@b.com"})
	assertError(t, frame, "moderation_blocked", "send_message")
	assert.Equal(t, "Contains email address", frame["message"])
	assert.Empty(t, listener.ofType("new_message"))
}

func TestSendMessage_ExactlyAtLimit(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": strings.Repeat("é", chat.MaxTextChars)})
	assert.Len(t, listener.ofType("new_message"), 1)
}

func TestSendMessage_EmptyWithModerationOff(t *testing.T) {
	f := newFixture(t)
	sharer, _, sid := f.startChat(t)
	f.flag.Set(false)

	frame := f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": ""})
	assertError(t, frame, "validation_failed", "send_message")

	f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "call me at 555-123-4567"})
	msgs := sharer.ofType("new_message")
	require.Len(t, msgs, 1)
	assert.Equal(t, "approved", msgs[0]["moderation_status"])
}

func TestSendMessage_FlaggedIsDeliveredAndPublished(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "some days I want to die"})

	msgs := listener.ofType("new_message")
	require.Len(t, msgs, 1)
	assert.Equal(t, "flagged", msgs[0]["moderation_status"])

	require.Len(t, f.flagged.events, 1)
	ev := f.flagged.events[0]
	assert.Equal(t, msgs[0]["message_id"], ev.MessageID)
	assert.Equal(t, sid, ev.SessionID)
	assert.Equal(t, "S1", ev.SenderID)
	assert.Contains(t, ev.Reason, "want to die")
}

func TestSendMessage_EndedSession(t *testing.T) {
	f := newFixture(t)
	sharer, _, sid := f.startChat(t)
	f.send(t, sharer, map[string]interface{}{"type": "end_chat", "session_id": sid})

	frame := f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "still there?"})
	assertError(t, frame, "invalid_state", "send_message")
}

func TestSendMessage_RateLimited(t *testing.T) {
	f := newFixture(t)
	sharer, _, sid := f.startChat(t)

	for i := 0; i < ratelimit.RuleMessage.Limit; i++ {
		frame := f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": fmt.Sprintf("m%d", i)})
		require.Equal(t, "new_message", frame["type"], "%v", frame)
	}
	frame := f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "one more"})
	assertError(t, frame, "rate_limited", "send_message")
}

func TestSendMessage_ConcurrentSendsArriveInSeqOrder(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = nil })
	sharer, listener, sid := f.startChat(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := sharer
			if i%2 == 1 {
				c = listener
			}
			data, _ := json.Marshal(map[string]interface{}{"type": "send_message", "session_id": sid, "content": fmt.Sprintf("m%d", i)})
			f.gw.Dispatch(c, data)
		}(i)
	}
	wg.Wait()

	for _, c := range []*fakeClient{sharer, listener} {
		msgs := c.ofType("new_message")
		require.Len(t, msgs, n)
		for i := 1; i < len(msgs); i++ {
			assert.Less(t, msgs[i-1]["seq"].(float64), msgs[i]["seq"].(float64), "client %s saw seq out of order", c.pid)
		}
	}
	assert.Zero(t, f.gw.locks.size())
}

func TestTyping_UnicastToPartnerOnly(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	f.gw.Dispatch(sharer, []byte(`{"type":"typing","session_id":"`+sid+`"}`))
	typing := listener.ofType("user_typing")
	require.Len(t, typing, 1)
	assert.Equal(t, "Quiet Fern", typing[0]["pseudonym"])
	assert.Empty(t, sharer.ofType("user_typing"))

	f.gw.Dispatch(sharer, []byte(`{"type":"typing","session_id":"missing"}`))
	assert.Empty(t, sharer.ofType("error"), "typing failures are swallowed")
}

func TestLeaveChat_Idempotent(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	for i := 0; i < 2; i++ {
		f.gw.Dispatch(listener, []byte(`{"type":"leave_chat","session_id":"`+sid+`"}`))
	}
	f.gw.Dispatch(listener, []byte(`{"type":"leave_chat"}`))
	assert.Empty(t, listener.ofType("error"))
	assert.False(t, f.hub.InRoom(room.ChatRoom(sid), listener.ConnID()))

	f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": "hello?"})
	assert.Empty(t, listener.ofType("new_message"))
}

func TestStatusChange(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect("S2")
	l2 := f.connect("L2")
	s1 := f.connect("S1")

	ack := f.send(t, watcher, map[string]interface{}{"type": "join_matching_queue"})
	assert.Equal(t, "joined_queue", ack["type"])

	frame := f.send(t, l2, map[string]interface{}{"type": "status_change", "availability": "available"})
	assert.Equal(t, "listener_status_update", frame["type"], "caller outside the presence room gets the update directly")
	assert.Equal(t, "L2", frame["listener_id"])

	updates := watcher.ofType("listener_status_update")
	require.Len(t, updates, 1)
	assert.Equal(t, "available", updates[0]["availability"])

	p, err := f.dir.FindByID(context.Background(), "L2")
	require.NoError(t, err)
	assert.Equal(t, participant.Available, p.Availability)

	assertError(t, f.send(t, s1, map[string]interface{}{"type": "status_change", "availability": "available"}), "forbidden", "status_change")
	assertError(t, f.send(t, l2, map[string]interface{}{"type": "status_change", "availability": "busy"}), "validation_failed", "status_change")
}

func TestStatusChange_AvailableDuringChat(t *testing.T) {
	f := newFixture(t)
	_, listener, _ := f.startChat(t)

	frame := f.send(t, listener, map[string]interface{}{"type": "status_change", "availability": "available"})
	assertError(t, frame, "invalid_state", "status_change")

	frame = f.send(t, listener, map[string]interface{}{"type": "status_change", "availability": "unavailable"})
	assert.Equal(t, "listener_status_update", frame["type"])
}

func TestFindMatches(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect("S1")

	frame := f.send(t, s1, map[string]interface{}{"type": "find_matches", "topic": "anxiety", "language": "English"})
	require.Equal(t, "matches", frame["type"], "%v", frame)
	matches := frame["matches"].([]interface{})
	require.Len(t, matches, 1)
	first := matches[0].(map[string]interface{})
	assert.Equal(t, "L1", first["id"])
	assert.Equal(t, []interface{}{"anxiety"}, first["listener_topics"])
	assert.Greater(t, first["match_score"].(float64), 0.0)
	assert.Nil(t, frame["message"])

	frame = f.send(t, s1, map[string]interface{}{"type": "find_matches", "language": "Klingon"})
	assert.Empty(t, frame["matches"])
	assert.Equal(t, noMatchesMessage, frame["message"])

	frame = f.send(t, s1, map[string]interface{}{"type": "find_matches", "min_rating": 7})
	assertError(t, frame, "validation_failed", "find_matches")

	l1 := f.connect("L1")
	assertError(t, f.send(t, l1, map[string]interface{}{"type": "find_matches"}), "forbidden", "find_matches")
}

func TestEndChat(t *testing.T) {
	f := newFixture(t)
	sharer, listener, sid := f.startChat(t)

	frame := f.send(t, listener, map[string]interface{}{"type": "end_chat", "session_id": sid})
	require.Equal(t, "chat_end_result", frame["type"], "%v", frame)
	assert.Equal(t, sid, frame["session_id"])
	assert.EqualValues(t, 0, frame["duration_minutes"])

	for _, c := range []*fakeClient{sharer, listener} {
		ended := c.ofType("chat_ended")
		require.Len(t, ended, 1, "client %s", c.pid)
		assert.Equal(t, "L1", ended[0]["ended_by"])
		assert.Equal(t, true, ended[0]["feedback_required"])
	}

	assertError(t, f.send(t, sharer, map[string]interface{}{"type": "end_chat", "session_id": sid}), "invalid_state", "end_chat")
	outsider := f.connect("S2")
	assertError(t, f.send(t, outsider, map[string]interface{}{"type": "end_chat", "session_id": sid}), "forbidden", "end_chat")
}

func TestMessageHistory(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = nil })
	sharer, _, sid := f.startChat(t)

	for i := 1; i <= 5; i++ {
		f.send(t, sharer, map[string]interface{}{"type": "send_message", "session_id": sid, "content": fmt.Sprintf("m%d", i)})
	}
	first := sharer.ofType("new_message")[0]
	require.NoError(t, f.store.RemoveMessage(context.Background(), first["message_id"].(string), "reviewed"))

	page := f.send(t, sharer, map[string]interface{}{"type": "message_history", "session_id": sid, "limit": 2})
	require.Equal(t, "history", page["type"], "%v", page)
	msgs := page["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "m4", msgs[0].(map[string]interface{})["content"])
	assert.Equal(t, "m5", msgs[1].(map[string]interface{})["content"])
	assert.Equal(t, true, page["has_more"])

	before := msgs[0].(map[string]interface{})["seq"]
	page = f.send(t, sharer, map[string]interface{}{"type": "message_history", "session_id": sid, "before": before, "limit": 10})
	msgs = page["messages"].([]interface{})
	require.Len(t, msgs, 3)
	oldest := msgs[0].(map[string]interface{})
	assert.Equal(t, "", oldest["content"], "removed content is blanked")
	assert.Equal(t, "removed", oldest["moderation_status"])
	assert.Equal(t, false, page["has_more"])

	outsider := f.connect("S2")
	assertError(t, f.send(t, outsider, map[string]interface{}{"type": "message_history", "session_id": sid}), "forbidden", "message_history")
	assertError(t, f.send(t, sharer, map[string]interface{}{"type": "message_history", "session_id": sid, "before": -1}), "validation_failed", "message_history")
}

func TestActiveSession(t *testing.T) {
	f := newFixture(t)
	s2 := f.connect("S2")

	frame := f.send(t, s2, map[string]interface{}{"type": "active_session"})
	assert.Equal(t, map[string]interface{}{"type": "active_session"}, frame)

	_, listener, sid := f.startChat(t)
	frame = f.send(t, listener, map[string]interface{}{"type": "active_session"})
	assert.Equal(t, sid, frame["session_id"])
	assert.Equal(t, "listener", frame["user_role"])
	assert.Equal(t, "anxiety", frame["topic"])
	assert.Equal(t, map[string]interface{}{"id": "S1", "pseudonym": "Quiet Fern"}, frame["partner"])
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	sharer, _, sid := f.startChat(t)

	frame := f.send(t, sharer, map[string]interface{}{"type": "submit_feedback", "session_id": sid, "rating": 5})
	assertError(t, frame, "invalid_state", "submit_feedback")

	f.send(t, sharer, map[string]interface{}{"type": "end_chat", "session_id": sid})
	frame = f.send(t, sharer, map[string]interface{}{"type": "submit_feedback", "session_id": sid, "rating": 4, "empathy": 5})
	require.Equal(t, "feedback_submitted", frame["type"], "%v", frame)
	assert.NotEmpty(t, frame["feedback_id"])
	assert.Equal(t, sid, frame["session_id"])

	p, err := f.dir.FindByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, p.Rating)

	assertError(t, f.send(t, sharer, map[string]interface{}{"type": "submit_feedback", "session_id": sid, "rating": 4}), "conflict", "submit_feedback")
	assertError(t, f.send(t, sharer, map[string]interface{}{"type": "submit_feedback", "session_id": sid, "rating": 9}), "validation_failed", "submit_feedback")
}

func TestNew_Defaults(t *testing.T) {
	g := New(Deps{Hub: room.NewHub(), Directory: participant.NewMemoryDirectory()})
	assert.Equal(t, chat.MaxTextChars, g.maxChars)
	assert.Equal(t, defaultEventTimeout, g.timeout)
	assert.NotNil(t, g.gate)
	assert.Same(t, g.hub, g.broadcast.(*room.Hub))
}
