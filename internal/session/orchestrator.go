// Package session owns the chat session lifecycle: reserving a listener for a
// sharer, ending sessions, and reclaiming sessions that outlived their
// retention window. Listener availability is the lock that guarantees a
// listener is in at most one active session; it is only ever taken with a
// compare-and-set against the Directory.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/metrics"
	"github.com/haven/support-chat/internal/participant"
)

// EndedBySystem is recorded as the ender of sessions closed by expiry.
const EndedBySystem = "system"

const reclaimBatch = 100

// Reservation is the result of a successful chat request.
type Reservation struct {
	Session  *chat.Session
	Sharer   *participant.Participant
	Listener *participant.Participant
}

// EndResult is the result of ending a session.
type EndResult struct {
	Session         *chat.Session
	DurationMinutes int
}

// Active describes a participant's current session.
type Active struct {
	Session *chat.Session
	Partner *participant.Participant
	Role    string
}

// ReclaimStats reports what one Reclaim pass did.
type ReclaimStats struct {
	Ended  int
	Purged int64
}

// Orchestrator coordinates the session store and the participant directory.
type Orchestrator struct {
	sessions  chat.Store
	directory participant.Directory
	notifier  Notifier
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets where lifecycle notifications are delivered.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithTTL overrides the session retention window.
func WithTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New creates an Orchestrator.
func New(sessions chat.Store, directory participant.Directory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:  sessions,
		directory: directory,
		notifier:  nopNotifier{},
		ttl:       chat.SessionTTL,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logging.Component("session"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request reserves listenerID for sharerID and opens an active session. The
// listener is marked in_chat before the session row exists; if creating the
// session fails the reservation is released again.
func (o *Orchestrator) Request(ctx context.Context, sharerID, listenerID, topic string) (*Reservation, error) {
	res, err := o.request(ctx, sharerID, listenerID, topic)
	metrics.Reservations.WithLabelValues(reservationResult(err)).Inc()
	if err != nil {
		return nil, err
	}
	metrics.ActiveChats.Inc()

	o.logger.Info().
		Str(logging.FieldSessionID, res.Session.ID).
		Str(logging.FieldParticipantID, sharerID).
		Str("listener_id", listenerID).
		Msg("session started")

	if err := o.notifier.ChatRequested(ctx, ChatRequest{Session: res.Session, Sharer: res.Sharer}); err != nil {
		o.logger.Warn().Err(err).Str(logging.FieldSessionID, res.Session.ID).Msg("chat request notification failed")
	}
	o.notifyStatus(ctx, listenerID, participant.InChat)
	return res, nil
}

func (o *Orchestrator) request(ctx context.Context, sharerID, listenerID, topic string) (*Reservation, error) {
	if sharerID == listenerID {
		return nil, apperr.E(apperr.ValidationFailed, "cannot request a chat with yourself")
	}

	sharer, err := o.lookup(ctx, sharerID, "sharer not found")
	if err != nil {
		return nil, err
	}
	if err := o.ensureIdle(ctx, sharerID, "you already have an active chat"); err != nil {
		return nil, err
	}

	listener, err := o.lookup(ctx, listenerID, "listener not found")
	if err != nil {
		return nil, err
	}
	if !listener.Active || !listener.IsListener() {
		return nil, apperr.E(apperr.InvalidState, "participant is not an active listener")
	}
	if listener.Availability != participant.Available {
		return nil, apperr.E(apperr.InvalidState, "listener is not available")
	}
	if err := o.ensureIdle(ctx, listenerID, "listener is already in a chat"); err != nil {
		return nil, err
	}

	ok, err := o.directory.CompareAndSetAvailability(ctx, listenerID, participant.Available, participant.InChat)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "could not reserve listener")
	}
	if !ok {
		return nil, apperr.E(apperr.Conflict, "listener was just taken by someone else")
	}

	now := o.now()
	s := &chat.Session{
		ID:          o.newID(),
		SharerID:    sharerID,
		ListenerID:  listenerID,
		InitiatedBy: sharerID,
		Status:      chat.StatusActive,
		Topic:       topic,
		Language:    sharer.PrimaryLanguage(),
		StartedAt:   now,
		ExpiresAt:   now.Add(o.ttl),
	}
	if err := o.sessions.CreateSession(ctx, s); err != nil {
		o.release(ctx, listenerID)
		if errors.Is(err, chat.ErrConflict) {
			return nil, apperr.Wrap(apperr.Conflict, err, "a participant already has an active chat")
		}
		return nil, apperr.Wrap(apperr.Unavailable, err, "could not start chat")
	}

	listener.Availability = participant.InChat
	return &Reservation{Session: s, Sharer: sharer, Listener: listener}, nil
}

// release undoes a reservation that did not turn into a session.
func (o *Orchestrator) release(ctx context.Context, listenerID string) {
	if _, err := o.directory.CompareAndSetAvailability(ctx, listenerID, participant.InChat, participant.Available); err != nil {
		o.logger.Error().Err(err).Str(logging.FieldParticipantID, listenerID).Msg("failed to release listener reservation")
	}
}

func (o *Orchestrator) lookup(ctx context.Context, id, notFoundMsg string) (*participant.Participant, error) {
	p, err := o.directory.FindByID(ctx, id)
	if errors.Is(err, participant.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, notFoundMsg)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "participant lookup failed")
	}
	return p, nil
}

func (o *Orchestrator) ensureIdle(ctx context.Context, id, conflictMsg string) error {
	s, err := o.sessions.ActiveSessionFor(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "session lookup failed")
	}
	if s != nil {
		return apperr.E(apperr.Conflict, conflictMsg)
	}
	return nil
}

// End closes an active session on behalf of one of its participants and
// returns the listener to the available pool.
func (o *Orchestrator) End(ctx context.Context, sessionID, requesterID string) (*EndResult, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "session lookup failed")
	}
	if s == nil {
		return nil, apperr.E(apperr.NotFound, "session not found")
	}
	if !s.IsParticipant(requesterID) {
		return nil, apperr.E(apperr.Forbidden, "not a participant of this session")
	}
	if !s.IsActive() {
		return nil, apperr.E(apperr.InvalidState, "session already ended")
	}

	now := o.now()
	ended, err := o.sessions.EndSession(ctx, sessionID, now)
	switch {
	case errors.Is(err, chat.ErrNotActive):
		return nil, apperr.E(apperr.InvalidState, "session already ended")
	case errors.Is(err, chat.ErrNotFound):
		return nil, apperr.E(apperr.NotFound, "session not found")
	case err != nil:
		return nil, apperr.Wrap(apperr.Unavailable, err, "could not end session")
	}
	metrics.ActiveChats.Dec()
	metrics.SessionsEnded.WithLabelValues("participant").Inc()

	o.completeListener(ctx, ended.ListenerID)

	log := o.logger.With().Str(logging.FieldSessionID, sessionID).Logger()
	log.Info().Str("ended_by", requesterID).Msg("session ended")

	if err := o.notifier.ChatEnded(ctx, ChatEnded{Session: ended, EndedBy: requesterID, FeedbackRequired: true}); err != nil {
		log.Warn().Err(err).Msg("chat ended notification failed")
	}

	return &EndResult{Session: ended, DurationMinutes: ended.DurationMinutes(now)}, nil
}

// completeListener frees the listener and credits the finished chat. The
// session is already ended at this point, so failures are logged only.
func (o *Orchestrator) completeListener(ctx context.Context, listenerID string) {
	log := o.logger.With().Str(logging.FieldParticipantID, listenerID).Logger()

	listener, err := o.directory.FindByID(ctx, listenerID)
	if err != nil {
		log.Warn().Err(err).Msg("listener lookup after end failed")
		return
	}
	if !listener.IsListener() {
		return
	}
	if err := o.directory.SetAvailability(ctx, listenerID, participant.Available); err != nil {
		log.Error().Err(err).Msg("failed to release listener")
	} else {
		o.notifyStatus(ctx, listenerID, participant.Available)
	}
	if err := o.directory.IncrementChatCount(ctx, listenerID); err != nil {
		log.Error().Err(err).Msg("failed to increment chat count")
	}
}

// Active returns the caller's current session with the partner's identity,
// or nil when there is none.
func (o *Orchestrator) Active(ctx context.Context, participantID string) (*Active, error) {
	s, err := o.sessions.ActiveSessionFor(ctx, participantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "session lookup failed")
	}
	if s == nil {
		return nil, nil
	}

	a := &Active{Session: s, Role: s.RoleOf(participantID)}
	partner, err := o.directory.FindByID(ctx, s.Partner(participantID))
	switch {
	case errors.Is(err, participant.ErrNotFound):
	case err != nil:
		return nil, apperr.Wrap(apperr.Unavailable, err, "participant lookup failed")
	default:
		a.Partner = partner
	}
	return a, nil
}

// Session returns a session by ID, or NotFound.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*chat.Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "session lookup failed")
	}
	if s == nil {
		return nil, apperr.E(apperr.NotFound, "session not found")
	}
	return s, nil
}

// Reclaim ends sessions that are still active past their expiry and then
// purges ended sessions past expiry together with their messages. A
// reclaimed listener is only released if still in_chat, so a manual status
// change made meanwhile is never overridden. Expired chats do not count
// toward the listener's completed chats.
func (o *Orchestrator) Reclaim(ctx context.Context) (ReclaimStats, error) {
	var stats ReclaimStats
	now := o.now()

	expired, err := o.sessions.ExpiredActive(ctx, now, reclaimBatch)
	if err != nil {
		return stats, apperr.Wrap(apperr.Unavailable, err, "expired session scan failed")
	}

	for _, s := range expired {
		log := o.logger.With().Str(logging.FieldSessionID, s.ID).Logger()

		ended, err := o.sessions.EndSession(ctx, s.ID, now)
		if errors.Is(err, chat.ErrNotActive) || errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to end expired session")
			continue
		}
		stats.Ended++
		metrics.ActiveChats.Dec()
		metrics.SessionsEnded.WithLabelValues("expiry").Inc()

		released, err := o.directory.CompareAndSetAvailability(ctx, ended.ListenerID, participant.InChat, participant.Available)
		if err != nil && !errors.Is(err, participant.ErrNotFound) {
			log.Error().Err(err).Msg("failed to release listener of expired session")
		}
		if released {
			o.notifyStatus(ctx, ended.ListenerID, participant.Available)
		}

		if err := o.notifier.ChatEnded(ctx, ChatEnded{Session: ended, EndedBy: EndedBySystem, Reason: "expired"}); err != nil {
			log.Warn().Err(err).Msg("chat ended notification failed")
		}
		log.Info().Bool("listener_released", released).Msg("expired session reclaimed")
	}

	purged, err := o.sessions.PurgeExpired(ctx, now)
	if err != nil {
		return stats, apperr.Wrap(apperr.Unavailable, err, "purge failed")
	}
	stats.Purged = purged
	return stats, nil
}

func (o *Orchestrator) notifyStatus(ctx context.Context, listenerID string, a participant.Availability) {
	if err := o.notifier.ListenerStatusChanged(ctx, listenerID, a); err != nil {
		o.logger.Debug().Err(err).Str(logging.FieldParticipantID, listenerID).Msg("status notification failed")
	}
}

func reservationResult(err error) string {
	if err == nil {
		return "ok"
	}
	switch k := apperr.KindOf(err); k {
	case apperr.Conflict, apperr.InvalidState, apperr.NotFound:
		return string(k)
	}
	return "error"
}
