// Package protocol defines the WebSocket message types exchanged between
// clients and the gateway. All messages are JSON objects carrying a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChat          = "join_chat"
	TypeSendMessage       = "send_message"
	TypeTyping            = "typing"
	TypeLeaveChat         = "leave_chat"
	TypeJoinMatchingQueue = "join_matching_queue"
	TypeStatusChange      = "status_change"
	TypeFindMatches       = "find_matches"
	TypeRequestChat       = "request_chat"
	TypeEndChat           = "end_chat"
	TypeMessageHistory    = "message_history"
	TypeActiveSession     = "active_session"
	TypeSubmitFeedback    = "submit_feedback"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConnected            = "connected"
	TypeJoinedChat           = "joined_chat"
	TypeUserJoined           = "user_joined"
	TypeNewMessage           = "new_message"
	TypeUserTyping           = "user_typing"
	TypeJoinedQueue          = "joined_queue"
	TypeListenerStatusUpdate = "listener_status_update"
	TypeMatches              = "matches"
	TypeChatRequest          = "chat_request"
	TypeChatStarted          = "chat_started"
	TypeChatEnded            = "chat_ended"
	TypeChatEndResult        = "chat_end_result"
	TypeHistory              = "history"
	TypeActiveSessionInfo    = "active_session"
	TypeFeedbackSubmitted    = "feedback_submitted"
	TypeError                = "error"
	TypePong                 = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinChatMsg subscribes the connection to a session's room.
type JoinChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SendMessageMsg is a chat line for an active session.
type SendMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// TypingMsg signals the sender is composing a message.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// LeaveChatMsg unsubscribes the connection from a session's room.
type LeaveChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// JoinMatchingQueueMsg subscribes the connection to listener presence updates.
type JoinMatchingQueueMsg struct {
	Type string `json:"type"`
}

// StatusChangeMsg sets a listener's availability.
type StatusChangeMsg struct {
	Type         string `json:"type"`
	Availability string `json:"availability"`
}

// FindMatchesMsg asks for ranked listener candidates.
type FindMatchesMsg struct {
	Type      string   `json:"type"`
	Topic     string   `json:"topic"`
	Language  string   `json:"language"`
	MinRating *float64 `json:"min_rating,omitempty"`
}

// RequestChatMsg reserves a listener and opens a session.
type RequestChatMsg struct {
	Type       string `json:"type"`
	ListenerID string `json:"listener_id"`
	Topic      string `json:"topic"`
}

// EndChatMsg ends a session.
type EndChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MessageHistoryMsg pages backwards through a session's messages. Before is a
// message seq; zero means start from the newest.
type MessageHistoryMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Before    int64  `json:"before"`
	Limit     int    `json:"limit"`
}

// ActiveSessionMsg asks for the caller's current session.
type ActiveSessionMsg struct {
	Type string `json:"type"`
}

// SubmitFeedbackMsg rates the other participant of an ended session.
type SubmitFeedbackMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Rating      int    `json:"rating"`
	Helpfulness *int   `json:"helpfulness,omitempty"`
	Empathy     *int   `json:"empathy,omitempty"`
	Safety      *int   `json:"safety,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is authenticated.
type ConnectedMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Pseudonym     string `json:"pseudonym"`
}

// JoinedChatMsg acknowledges join_chat.
type JoinedChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserJoinedMsg tells the room someone joined.
type UserJoinedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Pseudonym string `json:"pseudonym"`
}

// NewMessageMsg delivers a persisted chat line to the session room. Frames
// from one gateway instance arrive in Seq order. When the room spans several
// instances they may interleave, so clients order a session's lines by Seq.
type NewMessageMsg struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	MessageID        string `json:"message_id"`
	Seq              int64  `json:"seq"`
	SenderID         string `json:"sender_id"`
	SenderPseudonym  string `json:"sender_pseudonym"`
	SenderRole       string `json:"sender_role"`
	Content          string `json:"content"`
	SentAt           string `json:"sent_at"`
	ModerationStatus string `json:"moderation_status"`
}

// UserTypingMsg is delivered to the other participant only.
type UserTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Pseudonym string `json:"pseudonym"`
}

// JoinedQueueMsg acknowledges join_matching_queue.
type JoinedQueueMsg struct {
	Type string `json:"type"`
}

// ListenerStatusUpdateMsg is broadcast to the presence room.
type ListenerStatusUpdateMsg struct {
	Type         string `json:"type"`
	ListenerID   string `json:"listener_id"`
	Availability string `json:"availability"`
}

// MatchCandidate is one ranked listener.
type MatchCandidate struct {
	ID         string   `json:"id"`
	Pseudonym  string   `json:"pseudonym"`
	Bio        string   `json:"bio,omitempty"`
	Languages  []string `json:"languages"`
	Topics     []string `json:"listener_topics"`
	Rating     float64  `json:"rating"`
	TotalChats int      `json:"total_chats"`
	MatchScore float64  `json:"match_score"`
}

// MatchesMsg answers find_matches.
type MatchesMsg struct {
	Type    string           `json:"type"`
	Matches []MatchCandidate `json:"matches"`
	Message string           `json:"message,omitempty"`
}

// ParticipantRef identifies a participant by pseudonym.
type ParticipantRef struct {
	ID        string `json:"id"`
	Pseudonym string `json:"pseudonym"`
}

// ChatRequestMsg is sent to the reserved listener.
type ChatRequestMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Sharer    ParticipantRef `json:"sharer"`
	Topic     string         `json:"topic"`
}

// ChatStartedMsg answers request_chat.
type ChatStartedMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Listener  ParticipantRef `json:"listener"`
	Topic     string         `json:"topic"`
	Status    string         `json:"status"`
	StartedAt string         `json:"started_at"`
	ExpiresAt string         `json:"expires_at"`
}

// ChatEndedMsg is sent to both participants when a session ends.
type ChatEndedMsg struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	EndedBy          string `json:"ended_by"`
	FeedbackRequired bool   `json:"feedback_required"`
	Reason           string `json:"reason,omitempty"`
}

// ChatEndResultMsg answers end_chat.
type ChatEndResultMsg struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

// HistoryMessage is one entry of a history page.
type HistoryMessage struct {
	MessageID        string `json:"message_id"`
	Seq              int64  `json:"seq"`
	SenderID         string `json:"sender_id"`
	SenderRole       string `json:"sender_role"`
	Content          string `json:"content"`
	SentAt           string `json:"sent_at"`
	ModerationStatus string `json:"moderation_status"`
}

// HistoryMsg answers message_history, oldest first.
type HistoryMsg struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Messages  []HistoryMessage `json:"messages"`
	HasMore   bool             `json:"has_more"`
}

// ActiveSessionInfoMsg answers active_session. SessionID is empty when the
// caller has no active session.
type ActiveSessionInfoMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Partner   *ParticipantRef `json:"partner,omitempty"`
	UserRole  string          `json:"user_role,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	StartedAt string          `json:"started_at,omitempty"`
	ExpiresAt string          `json:"expires_at,omitempty"`
}

// FeedbackSubmittedMsg answers submit_feedback.
type FeedbackSubmittedMsg struct {
	Type       string `json:"type"`
	FeedbackID string `json:"feedback_id"`
	SessionID  string `json:"session_id"`
}

// ErrorMsg reports a rejected event to the originating connection only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// clientMessages maps each client type to a decoder for its struct.
var clientMessages = map[string]func(json.RawMessage) (interface{}, error){
	TypeJoinChat:          decode[JoinChatMsg],
	TypeSendMessage:       decode[SendMessageMsg],
	TypeTyping:            decode[TypingMsg],
	TypeLeaveChat:         decode[LeaveChatMsg],
	TypeJoinMatchingQueue: decode[JoinMatchingQueueMsg],
	TypeStatusChange:      decode[StatusChangeMsg],
	TypeFindMatches:       decode[FindMatchesMsg],
	TypeRequestChat:       decode[RequestChatMsg],
	TypeEndChat:           decode[EndChatMsg],
	TypeMessageHistory:    decode[MessageHistoryMsg],
	TypeActiveSession:     decode[ActiveSessionMsg],
	TypeSubmitFeedback:    decode[SubmitFeedbackMsg],
	TypePing:              decode[PingMsg],
}

func decode[T any](raw json.RawMessage) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	dec, ok := clientMessages[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	msg, err := dec(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and sets its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// FormatTime renders a timestamp the way every server message carries it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
