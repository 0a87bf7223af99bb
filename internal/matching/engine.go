// Package matching ranks available listeners for a sharer's request.
package matching

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/participant"
)

const (
	// MaxCandidates is the number of listeners returned by FindMatches.
	MaxCandidates = 3

	// RecentWindow excludes listeners the sharer spoke with this recently.
	RecentWindow = 24 * time.Hour

	baseScore        = 100.0
	topicBonus       = 50.0
	interestBonus    = 25.0
	languageBonus    = 30.0
	ratingWeight     = 10.0
	ratingPivot      = 3.0
	experienceDivide = 10.0
	experienceCap    = 20.0
	jitterSpan       = 10
)

// Preferences narrow and rank the candidate set. Language and MinRating are
// hard filters; Topic only affects the score.
type Preferences struct {
	Topic     string
	Language  string
	MinRating *float64
}

// Candidate is a ranked listener.
type Candidate struct {
	Listener *participant.Participant
	Score    float64
}

// ListenerSource provides available listeners.
type ListenerSource interface {
	AvailableListeners(ctx context.Context) ([]*participant.Participant, error)
}

// HistorySource reports who a participant has spoken with recently and
// whether they are in a session now.
type HistorySource interface {
	RecentPartners(ctx context.Context, participantID string, since time.Time) ([]string, error)
	ActiveSessionFor(ctx context.Context, participantID string) (*chat.Session, error)
}

// Engine computes match candidates. It is stateless apart from its
// collaborators and safe for concurrent use.
type Engine struct {
	listeners ListenerSource
	history   HistorySource
	jitter    func() float64
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithJitter replaces the random tie-breaker.
func WithJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// NewEngine creates an Engine.
func NewEngine(listeners ListenerSource, history HistorySource, opts ...Option) *Engine {
	e := &Engine{
		listeners: listeners,
		history:   history,
		jitter:    uniformJitter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// uniformJitter returns an integer in [-jitterSpan, jitterSpan].
func uniformJitter() float64 {
	return float64(rand.IntN(2*jitterSpan+1) - jitterSpan)
}

// FindMatches returns up to MaxCandidates listeners for sharerID, best first.
// An empty result is not an error.
func (e *Engine) FindMatches(ctx context.Context, sharerID string, prefs Preferences) ([]Candidate, error) {
	pool, err := e.listeners.AvailableListeners(ctx)
	if err != nil {
		return nil, fmt.Errorf("matching: load listeners: %w", err)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	recent, err := e.history.RecentPartners(ctx, sharerID, e.now().Add(-RecentWindow))
	if err != nil {
		return nil, fmt.Errorf("matching: recent partners: %w", err)
	}
	excluded := make(map[string]struct{}, len(recent)+1)
	excluded[sharerID] = struct{}{}
	for _, id := range recent {
		excluded[id] = struct{}{}
	}

	candidates := make([]Candidate, 0, len(pool))
	for _, l := range pool {
		if _, skip := excluded[l.ID]; skip {
			continue
		}
		if !Eligible(l, prefs) {
			continue
		}
		candidates = append(candidates, Candidate{
			Listener: l,
			Score:    Score(l, prefs) + e.jitter(),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	// A listener who is also a sharer can be available while chatting in
	// that role. Only as many as needed to fill the result are looked up.
	out := make([]Candidate, 0, MaxCandidates)
	for _, c := range candidates {
		if len(out) == MaxCandidates {
			break
		}
		busy, err := e.history.ActiveSessionFor(ctx, c.Listener.ID)
		if err != nil {
			return nil, fmt.Errorf("matching: active session: %w", err)
		}
		if busy != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Eligible applies the hard filters.
func Eligible(l *participant.Participant, prefs Preferences) bool {
	if prefs.Language != "" && !contains(l.Languages, prefs.Language) {
		return false
	}
	if prefs.MinRating != nil && *prefs.MinRating > l.Rating {
		return false
	}
	return true
}

// Score is the deterministic part of a listener's ranking.
func Score(l *participant.Participant, prefs Preferences) float64 {
	score := baseScore

	if prefs.Topic != "" {
		topic := strings.ToLower(prefs.Topic)
		if containsFold(l.Topics, topic) {
			score += topicBonus
		} else if containsFold(l.Interests, topic) {
			score += interestBonus
		}
	}

	if prefs.Language != "" && contains(l.Languages, prefs.Language) {
		score += languageBonus
	}

	if l.Rating > ratingPivot {
		score += (l.Rating - ratingPivot) * ratingWeight
	}

	experience := float64(l.TotalChats) / experienceDivide
	if experience > experienceCap {
		experience = experienceCap
	}
	score += experience

	return score
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, lower string) bool {
	for _, s := range list {
		if strings.ToLower(s) == lower {
			return true
		}
	}
	return false
}
