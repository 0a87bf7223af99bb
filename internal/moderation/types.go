package moderation

// FlaggedEvent is published to SubjectFlagged when a delivered message was
// flagged, so reviewers can follow up outside the conversation.
type FlaggedEvent struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Reason    string `json:"reason"`
	SentAt    int64  `json:"sent_at"`
}

// SubjectFlagged is the NATS subject carrying FlaggedEvent payloads.
const SubjectFlagged = "moderation.flagged"
