// Package gateway routes client events arriving on WebSocket connections to
// the chat core. Every event passes through an interceptor pipeline before
// its handler runs; rejections are reported to the originating connection
// only, as an error frame carrying the error kind as its code.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/feedback"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/matching"
	"github.com/haven/support-chat/internal/moderation"
	"github.com/haven/support-chat/internal/participant"
	"github.com/haven/support-chat/internal/protocol"
	"github.com/haven/support-chat/internal/ratelimit"
	"github.com/haven/support-chat/internal/room"
	"github.com/haven/support-chat/internal/session"
)

const defaultEventTimeout = 10 * time.Second

// Client is a connected participant as seen by the gateway.
type Client interface {
	room.Member
	ParticipantID() string
}

// Matcher ranks listeners for a sharer.
type Matcher interface {
	FindMatches(ctx context.Context, sharerID string, prefs matching.Preferences) ([]matching.Candidate, error)
}

// FlagPublisher forwards flagged messages for human review.
type FlagPublisher interface {
	PublishFlagged(ev moderation.FlaggedEvent) error
}

// Deps are the collaborators a Gateway routes events to.
type Deps struct {
	// Hub tracks which local connections are in which room.
	Hub *room.Hub
	// Broadcaster fans frames out to rooms. It defaults to Hub; with several
	// instances it is the NATS room relay.
	Broadcaster room.Broadcaster

	Directory    participant.Directory
	Sessions     chat.Store
	Orchestrator *session.Orchestrator
	Matcher      Matcher
	Feedback     *feedback.Service
	Gate         *moderation.Gate
	Limiter      Limiter
	Flagged      FlagPublisher

	MaxChars     int
	EventTimeout time.Duration
}

// Gateway dispatches client events.
type Gateway struct {
	hub       *room.Hub
	broadcast room.Broadcaster
	directory participant.Directory
	sessions  chat.Store
	orch      *session.Orchestrator
	matcher   Matcher
	feedback  *feedback.Service
	gate      *moderation.Gate
	limiter   Limiter
	flagged   FlagPublisher
	maxChars  int
	timeout   time.Duration

	locks    *keyedMutex
	handlers map[string]Handler
	now      func() time.Time
	newID    func() string
}

// New creates a Gateway and registers a handler for every client event.
func New(d Deps) *Gateway {
	g := &Gateway{
		hub:       d.Hub,
		broadcast: d.Broadcaster,
		directory: d.Directory,
		sessions:  d.Sessions,
		orch:      d.Orchestrator,
		matcher:   d.Matcher,
		feedback:  d.Feedback,
		gate:      d.Gate,
		limiter:   d.Limiter,
		flagged:   d.Flagged,
		maxChars:  d.MaxChars,
		timeout:   d.EventTimeout,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if g.broadcast == nil {
		g.broadcast = g.hub
	}
	if g.gate == nil {
		g.gate = moderation.NewGate(nil)
	}
	if g.maxChars <= 0 {
		g.maxChars = chat.MaxTextChars
	}
	if g.timeout <= 0 {
		g.timeout = defaultEventTimeout
	}
	g.register()
	return g
}

func (g *Gateway) register() {
	sharer := RequireRole(participant.RoleSharer)
	listener := RequireRole(participant.RoleListener)

	g.handlers = map[string]Handler{
		protocol.TypeJoinChat:          g.pipeline(g.joinChat, false),
		protocol.TypeSendMessage:       g.pipeline(g.sendMessage, false, RateLimit(g.limiter, ratelimit.RuleMessage)),
		protocol.TypeTyping:            g.pipeline(g.typing, true, RateLimit(g.limiter, ratelimit.RuleTyping)),
		protocol.TypeLeaveChat:         g.pipeline(g.leaveChat, true),
		protocol.TypeJoinMatchingQueue: g.pipeline(g.joinMatchingQueue, false),
		protocol.TypeStatusChange:      g.pipeline(g.statusChange, false, listener, RateLimit(g.limiter, ratelimit.RuleStatus)),
		protocol.TypeFindMatches:       g.pipeline(g.findMatches, false, sharer, RateLimit(g.limiter, ratelimit.RuleMatch)),
		protocol.TypeRequestChat:       g.pipeline(g.requestChat, false, sharer, RateLimit(g.limiter, ratelimit.RuleRequest)),
		protocol.TypeEndChat:           g.pipeline(g.endChat, false),
		protocol.TypeMessageHistory:    g.pipeline(g.messageHistory, false),
		protocol.TypeActiveSession:     g.pipeline(g.activeSession, false),
		protocol.TypeSubmitFeedback:    g.pipeline(g.submitFeedback, false),
	}
}

// pipeline wraps h with the interceptors every event shares, followed by
// extra. A quiet pipeline never reports errors to the client.
func (g *Gateway) pipeline(h Handler, quiet bool, extra ...Interceptor) Handler {
	stages := []Interceptor{Recover()}
	if quiet {
		stages = append(stages, Quiet())
	}
	stages = append(stages, Logging(), Instrument(), Identify(g.directory))
	return Chain(h, append(stages, extra...)...)
}

// Connect subscribes c to its private room and greets it.
func (g *Gateway) Connect(c Client) {
	g.hub.Join(room.UserRoom(c.ParticipantID()), c)

	msg := protocol.ConnectedMsg{ParticipantID: c.ParticipantID()}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if p, err := g.directory.FindByID(ctx, c.ParticipantID()); err == nil {
		msg.Pseudonym = p.Pseudonym
	} else {
		log := g.logger(c, "")
		log.Warn().Err(err).Msg("participant lookup on connect failed")
	}
	g.write(c, protocol.TypeConnected, msg)
}

// Disconnect removes c from every room. Sessions stay active.
func (g *Gateway) Disconnect(c Client) {
	g.hub.LeaveAll(c.ConnID())
}

// Dispatch parses one frame from c and runs the matching handler.
func (g *Gateway) Dispatch(c Client, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	log := g.logger(c, msgType)
	if err != nil {
		log.Debug().Err(err).Msg("dispatch parse error")
		reason := "invalid message format"
		if _, known := g.handlers[msgType]; msgType != "" && msgType != protocol.TypePing && !known {
			reason = "unsupported message type"
		}
		g.writeError(c, msgType, apperr.E(apperr.ValidationFailed, reason))
		return
	}

	if msgType == protocol.TypePing {
		g.write(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	h, ok := g.handlers[msgType]
	if !ok {
		g.writeError(c, msgType, apperr.E(apperr.ValidationFailed, "unsupported message type"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	ctx = logging.WithLogger(withEvent(ctx, msgType), log)

	if err := h(ctx, c, msg); err != nil {
		g.writeError(c, msgType, err)
	}
}

func (g *Gateway) logger(c Client, event string) zerolog.Logger {
	ctx := logging.Component("gateway").With().
		Str(logging.FieldConnID, c.ConnID()).
		Str(logging.FieldParticipantID, c.ParticipantID())
	if event != "" {
		ctx = ctx.Str(logging.FieldEvent, event)
	}
	return ctx.Logger()
}

// reply writes a server frame to c and reports write failures as Unavailable.
func (g *Gateway) reply(c Client, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "could not encode reply")
	}
	if err := c.WriteMessage(data); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "could not deliver reply")
	}
	return nil
}

// write is reply for frames whose failure is only logged.
func (g *Gateway) write(c Client, msgType string, payload interface{}) {
	if err := g.reply(c, msgType, payload); err != nil {
		log := g.logger(c, msgType)
		log.Debug().Err(err).Msg("write failed")
	}
}

func (g *Gateway) writeError(c Client, event string, err error) {
	g.write(c, protocol.TypeError, protocol.ErrorMsg{
		Code:    string(apperr.KindOf(err)),
		Message: apperr.Message(err),
		Event:   event,
	})
}

// fanout encodes payload and broadcasts it to roomName.
func (g *Gateway) fanout(ctx context.Context, roomName, exclude, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "could not encode broadcast")
	}
	if err := g.broadcast.Broadcast(ctx, roomName, data, exclude); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "broadcast failed")
	}
	return nil
}
