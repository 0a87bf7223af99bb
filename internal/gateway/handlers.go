package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/feedback"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/matching"
	"github.com/haven/support-chat/internal/metrics"
	"github.com/haven/support-chat/internal/moderation"
	"github.com/haven/support-chat/internal/participant"
	"github.com/haven/support-chat/internal/protocol"
	"github.com/haven/support-chat/internal/room"
)

const noMatchesMessage = "No listeners available right now"

// activeSessionFor loads sessionID and checks that participantID may act in it.
func (g *Gateway) activeSessionFor(ctx context.Context, sessionID, participantID string) (*chat.Session, error) {
	if sessionID == "" {
		return nil, apperr.E(apperr.ValidationFailed, "session_id is required")
	}
	s, err := g.orch.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(participantID) {
		return nil, apperr.E(apperr.Forbidden, "not a participant of this session")
	}
	if !s.IsActive() {
		return nil, apperr.E(apperr.InvalidState, "session is not active")
	}
	return s, nil
}

func (g *Gateway) joinChat(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.JoinChatMsg)
	p := ParticipantFrom(ctx)

	s, err := g.activeSessionFor(ctx, m.SessionID, p.ID)
	if err != nil {
		return err
	}

	chatRoom := room.ChatRoom(s.ID)
	g.hub.Join(chatRoom, c)
	if err := g.fanout(ctx, chatRoom, c.ConnID(), protocol.TypeUserJoined, protocol.UserJoinedMsg{
		SessionID: s.ID,
		Pseudonym: p.Pseudonym,
	}); err != nil {
		log := logging.Ctx(ctx)
		log.Warn().Err(err).Str(logging.FieldSessionID, s.ID).Msg("user_joined broadcast failed")
	}
	return g.reply(c, protocol.TypeJoinedChat, protocol.JoinedChatMsg{SessionID: s.ID})
}

func (g *Gateway) sendMessage(ctx context.Context, c Client, msg interface{}) error {
	start := time.Now()
	m := msg.(protocol.SendMessageMsg)
	p := ParticipantFrom(ctx)

	s, err := g.activeSessionFor(ctx, m.SessionID, p.ID)
	if err != nil {
		return err
	}
	if err := chat.ValidateContent(m.Content, g.maxChars); err != nil {
		return apperr.E(apperr.ValidationFailed, err.Error())
	}

	verdict := g.gate.Check(ctx, m.Content)
	if verdict.Blocked() {
		metrics.MessagesTotal.WithLabelValues(string(moderation.StatusBlocked)).Inc()
		return apperr.E(apperr.ModerationBlocked, verdict.Reason)
	}
	if strings.TrimSpace(m.Content) == "" {
		return apperr.E(apperr.ValidationFailed, "message is empty")
	}

	stored := &chat.Message{
		ID:               g.newID(),
		SessionID:        s.ID,
		SenderID:         p.ID,
		SenderRole:       s.RoleOf(p.ID),
		Content:          m.Content,
		ExpiresAt:        s.ExpiresAt,
		ModerationStatus: string(verdict.Status),
		ModerationReason: verdict.Reason,
	}

	// Persist and broadcast under one lock so room members see Seq order.
	unlock := g.locks.Lock(s.ID)
	stored.SentAt = g.now().UTC()
	if err := g.sessions.AppendMessage(ctx, stored); err != nil {
		unlock()
		return apperr.Wrap(apperr.Unavailable, err, "could not store message")
	}
	err = g.fanout(ctx, room.ChatRoom(s.ID), "", protocol.TypeNewMessage, protocol.NewMessageMsg{
		SessionID:        s.ID,
		MessageID:        stored.ID,
		Seq:              stored.Seq,
		SenderID:         p.ID,
		SenderPseudonym:  p.Pseudonym,
		SenderRole:       stored.SenderRole,
		Content:          stored.Content,
		SentAt:           protocol.FormatTime(stored.SentAt),
		ModerationStatus: stored.ModerationStatus,
	})
	unlock()

	log := logging.Ctx(ctx).With().
		Str(logging.FieldSessionID, s.ID).
		Str(logging.FieldMessageID, stored.ID).Logger()
	if err != nil {
		log.Error().Err(err).Msg("new_message broadcast failed")
	}

	metrics.MessagesTotal.WithLabelValues(stored.ModerationStatus).Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	if verdict.Status == moderation.StatusFlagged {
		log.Warn().Str("reason", verdict.Reason).Msg("message flagged")
		if g.flagged != nil {
			if perr := g.flagged.PublishFlagged(moderation.FlaggedEvent{
				MessageID: stored.ID,
				SessionID: s.ID,
				SenderID:  p.ID,
				Reason:    verdict.Reason,
				SentAt:    stored.SentAt.Unix(),
			}); perr != nil {
				log.Error().Err(perr).Msg("failed to publish flagged message")
			}
		}
	}
	return nil
}

func (g *Gateway) typing(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.TypingMsg)
	p := ParticipantFrom(ctx)

	s, err := g.activeSessionFor(ctx, m.SessionID, p.ID)
	if err != nil {
		return err
	}
	return g.fanout(ctx, room.UserRoom(s.Partner(p.ID)), "", protocol.TypeUserTyping, protocol.UserTypingMsg{
		SessionID: s.ID,
		Pseudonym: p.Pseudonym,
	})
}

func (g *Gateway) leaveChat(_ context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.LeaveChatMsg)
	if m.SessionID != "" {
		g.hub.Leave(room.ChatRoom(m.SessionID), c.ConnID())
	}
	return nil
}

func (g *Gateway) joinMatchingQueue(_ context.Context, c Client, _ interface{}) error {
	g.hub.Join(room.PresenceRoom, c)
	return g.reply(c, protocol.TypeJoinedQueue, protocol.JoinedQueueMsg{})
}

func (g *Gateway) statusChange(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.StatusChangeMsg)
	p := ParticipantFrom(ctx)

	a := participant.Availability(m.Availability)
	if !a.Valid() {
		return apperr.Errorf(apperr.ValidationFailed, "availability must be one of %s, %s or %s",
			participant.Available, participant.Unavailable, participant.InChat)
	}
	if a == participant.Available {
		s, err := g.sessions.ActiveSessionFor(ctx, p.ID)
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, err, "session lookup failed")
		}
		if s != nil {
			return apperr.E(apperr.InvalidState, "cannot become available during an active chat")
		}
	}

	if err := g.directory.SetAvailability(ctx, p.ID, a); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "could not update availability")
	}

	update := protocol.ListenerStatusUpdateMsg{ListenerID: p.ID, Availability: string(a)}
	if err := g.fanout(ctx, room.PresenceRoom, "", protocol.TypeListenerStatusUpdate, update); err != nil {
		log := logging.Ctx(ctx)
		log.Warn().Err(err).Msg("presence broadcast failed")
	}
	if !g.hub.InRoom(room.PresenceRoom, c.ConnID()) {
		return g.reply(c, protocol.TypeListenerStatusUpdate, update)
	}
	return nil
}

func (g *Gateway) findMatches(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.FindMatchesMsg)
	p := ParticipantFrom(ctx)

	if m.MinRating != nil && (*m.MinRating < 0 || *m.MinRating > 5) {
		return apperr.E(apperr.ValidationFailed, "min_rating must be between 0 and 5")
	}

	start := time.Now()
	candidates, err := g.matcher.FindMatches(ctx, p.ID, matching.Preferences{
		Topic:     m.Topic,
		Language:  m.Language,
		MinRating: m.MinRating,
	})
	metrics.MatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "could not find matches")
	}

	out := protocol.MatchesMsg{Matches: make([]protocol.MatchCandidate, 0, len(candidates))}
	for _, cand := range candidates {
		l := cand.Listener
		out.Matches = append(out.Matches, protocol.MatchCandidate{
			ID:         l.ID,
			Pseudonym:  l.Pseudonym,
			Bio:        l.Bio,
			Languages:  l.Languages,
			Topics:     l.Topics,
			Rating:     l.Rating,
			TotalChats: l.TotalChats,
			MatchScore: cand.Score,
		})
	}
	if len(out.Matches) == 0 {
		out.Message = noMatchesMessage
	}
	return g.reply(c, protocol.TypeMatches, out)
}

func (g *Gateway) requestChat(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.RequestChatMsg)
	p := ParticipantFrom(ctx)

	if m.ListenerID == "" {
		return apperr.E(apperr.ValidationFailed, "listener_id is required")
	}
	res, err := g.orch.Request(ctx, p.ID, m.ListenerID, m.Topic)
	if err != nil {
		return err
	}
	return g.reply(c, protocol.TypeChatStarted, protocol.ChatStartedMsg{
		SessionID: res.Session.ID,
		Listener:  protocol.ParticipantRef{ID: res.Listener.ID, Pseudonym: res.Listener.Pseudonym},
		Topic:     res.Session.Topic,
		Status:    res.Session.Status,
		StartedAt: protocol.FormatTime(res.Session.StartedAt),
		ExpiresAt: protocol.FormatTime(res.Session.ExpiresAt),
	})
}

func (g *Gateway) endChat(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.EndChatMsg)
	p := ParticipantFrom(ctx)

	if m.SessionID == "" {
		return apperr.E(apperr.ValidationFailed, "session_id is required")
	}
	res, err := g.orch.End(ctx, m.SessionID, p.ID)
	if err != nil {
		return err
	}
	return g.reply(c, protocol.TypeChatEndResult, protocol.ChatEndResultMsg{
		SessionID:       res.Session.ID,
		DurationMinutes: res.DurationMinutes,
	})
}

func (g *Gateway) messageHistory(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.MessageHistoryMsg)
	p := ParticipantFrom(ctx)

	if m.SessionID == "" {
		return apperr.E(apperr.ValidationFailed, "session_id is required")
	}
	if m.Before < 0 {
		return apperr.E(apperr.ValidationFailed, "before must not be negative")
	}
	s, err := g.orch.Session(ctx, m.SessionID)
	if err != nil {
		return err
	}
	if !s.IsParticipant(p.ID) {
		return apperr.E(apperr.Forbidden, "not a participant of this session")
	}

	limit := chat.ClampLimit(m.Limit)
	msgs, err := g.sessions.Messages(ctx, s.ID, m.Before, limit)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "could not load history")
	}

	out := protocol.HistoryMsg{
		SessionID: s.ID,
		Messages:  make([]protocol.HistoryMessage, 0, len(msgs)),
		HasMore:   len(msgs) == limit,
	}
	for _, hm := range msgs {
		content := hm.Content
		if hm.ModerationStatus == chat.ModerationRemoved {
			content = ""
		}
		out.Messages = append(out.Messages, protocol.HistoryMessage{
			MessageID:        hm.ID,
			Seq:              hm.Seq,
			SenderID:         hm.SenderID,
			SenderRole:       hm.SenderRole,
			Content:          content,
			SentAt:           protocol.FormatTime(hm.SentAt),
			ModerationStatus: hm.ModerationStatus,
		})
	}
	return g.reply(c, protocol.TypeHistory, out)
}

func (g *Gateway) activeSession(ctx context.Context, c Client, _ interface{}) error {
	p := ParticipantFrom(ctx)

	a, err := g.orch.Active(ctx, p.ID)
	if err != nil {
		return err
	}
	out := protocol.ActiveSessionInfoMsg{}
	if a != nil {
		out.SessionID = a.Session.ID
		out.UserRole = a.Role
		out.Topic = a.Session.Topic
		out.StartedAt = protocol.FormatTime(a.Session.StartedAt)
		out.ExpiresAt = protocol.FormatTime(a.Session.ExpiresAt)
		if a.Partner != nil {
			out.Partner = &protocol.ParticipantRef{ID: a.Partner.ID, Pseudonym: a.Partner.Pseudonym}
		}
	}
	return g.reply(c, protocol.TypeActiveSessionInfo, out)
}

func (g *Gateway) submitFeedback(ctx context.Context, c Client, msg interface{}) error {
	m := msg.(protocol.SubmitFeedbackMsg)
	p := ParticipantFrom(ctx)

	f, err := g.feedback.Submit(ctx, p.ID, feedback.Input{
		SessionID:   m.SessionID,
		Rating:      m.Rating,
		Helpfulness: m.Helpfulness,
		Empathy:     m.Empathy,
		Safety:      m.Safety,
		Comment:     m.Comment,
	})
	if err != nil {
		return err
	}
	return g.reply(c, protocol.TypeFeedbackSubmitted, protocol.FeedbackSubmittedMsg{
		FeedbackID: f.ID,
		SessionID:  f.SessionID,
	})
}
