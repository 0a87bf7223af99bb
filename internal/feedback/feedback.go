// Package feedback records post-chat ratings and keeps each participant's
// average rating current in the directory.
package feedback

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/participant"
)

// MaxCommentChars bounds the free-text comment.
const MaxCommentChars = 500

// ErrDuplicate is returned by a Store when the reviewer already rated the
// session.
var ErrDuplicate = errors.New("feedback: already submitted")

// Feedback is one participant's rating of the other after a session.
type Feedback struct {
	ID          string
	SessionID   string
	ReviewerID  string
	RevieweeID  string
	Rating      int
	Helpfulness *int
	Empathy     *int
	Safety      *int
	Comment     string
	CreatedAt   time.Time
}

// Store persists feedback.
type Store interface {
	// Create inserts f, returning ErrDuplicate on a second submission by the
	// same reviewer for the same session.
	Create(ctx context.Context, f *Feedback) error
	// AverageRating returns the mean rating received by revieweeID and how
	// many ratings it covers.
	AverageRating(ctx context.Context, revieweeID string) (float64, int, error)
}

// SessionSource resolves sessions.
type SessionSource interface {
	GetSession(ctx context.Context, id string) (*chat.Session, error)
}

// Input is a feedback submission.
type Input struct {
	SessionID   string
	Rating      int
	Helpfulness *int
	Empathy     *int
	Safety      *int
	Comment     string
}

// Service validates and stores feedback.
type Service struct {
	store     Store
	sessions  SessionSource
	directory participant.Directory
	now       func() time.Time
}

// NewService creates a feedback Service.
func NewService(store Store, sessions SessionSource, directory participant.Directory) *Service {
	return &Service{store: store, sessions: sessions, directory: directory, now: time.Now}
}

// Submit records reviewerID's feedback on the other participant of an ended
// session and refreshes that participant's average rating.
func (s *Service) Submit(ctx context.Context, reviewerID string, in Input) (*Feedback, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	sess, err := s.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "session lookup failed")
	}
	if sess == nil {
		return nil, apperr.E(apperr.NotFound, "session not found")
	}
	if !sess.IsParticipant(reviewerID) {
		return nil, apperr.E(apperr.Forbidden, "not a participant of this session")
	}
	if sess.IsActive() {
		return nil, apperr.E(apperr.InvalidState, "feedback opens once the chat has ended")
	}

	f := &Feedback{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		ReviewerID:  reviewerID,
		RevieweeID:  sess.Partner(reviewerID),
		Rating:      in.Rating,
		Helpfulness: in.Helpfulness,
		Empathy:     in.Empathy,
		Safety:      in.Safety,
		Comment:     in.Comment,
		CreatedAt:   s.now(),
	}
	if err := s.store.Create(ctx, f); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.E(apperr.Conflict, "feedback already submitted for this session")
		}
		return nil, apperr.Wrap(apperr.Unavailable, err, "could not save feedback")
	}

	log := logging.Ctx(ctx).With().
		Str(logging.FieldSessionID, sess.ID).
		Str("reviewee_id", f.RevieweeID).Logger()

	avg, n, err := s.store.AverageRating(ctx, f.RevieweeID)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute average rating")
		return f, nil
	}
	if err := s.directory.SetRating(ctx, f.RevieweeID, avg); err != nil {
		log.Error().Err(err).Msg("failed to update rating")
		return f, nil
	}
	log.Debug().Float64("rating", avg).Int("ratings", n).Msg("rating updated")
	return f, nil
}

func validate(in Input) error {
	if !inRange(in.Rating) {
		return apperr.E(apperr.ValidationFailed, "rating must be between 1 and 5")
	}
	subScores := []struct {
		name  string
		value *int
	}{
		{"helpfulness", in.Helpfulness},
		{"empathy", in.Empathy},
		{"safety", in.Safety},
	}
	for _, sc := range subScores {
		if sc.value != nil && !inRange(*sc.value) {
			return apperr.Errorf(apperr.ValidationFailed, "%s must be between 1 and 5", sc.name)
		}
	}
	if utf8.RuneCountInString(in.Comment) > MaxCommentChars {
		return apperr.Errorf(apperr.ValidationFailed, "comment exceeds %d characters", MaxCommentChars)
	}
	if in.SessionID == "" {
		return apperr.E(apperr.ValidationFailed, "session_id is required")
	}
	return nil
}

func inRange(v int) bool { return v >= 1 && v <= 5 }
