package matching

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/support-chat/internal/chat"
	"github.com/haven/support-chat/internal/participant"
)

type fakeHistory struct {
	partners  map[string][]string
	busy      map[string]bool
	since     time.Time
	err       error
	activeErr error
	lookups   []string
}

func (f *fakeHistory) RecentPartners(_ context.Context, id string, since time.Time) ([]string, error) {
	f.since = since
	return f.partners[id], f.err
}

func (f *fakeHistory) ActiveSessionFor(_ context.Context, id string) (*chat.Session, error) {
	f.lookups = append(f.lookups, id)
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	if f.busy[id] {
		return &chat.Session{ID: "busy-" + id, SharerID: id, ListenerID: "other", Status: chat.StatusActive}, nil
	}
	return nil, nil
}

type failingSource struct{}

func (failingSource) AvailableListeners(context.Context) ([]*participant.Participant, error) {
	return nil, errors.New("redis down")
}

func noJitter() float64 { return 0 }

func newListener(id string, rating float64, chats int, topics, languages []string) *participant.Participant {
	return &participant.Participant{
		ID:           id,
		Pseudonym:    "Listener " + id,
		Roles:        []string{participant.RoleListener},
		Availability: participant.Available,
		Rating:       rating,
		TotalChats:   chats,
		Topics:       topics,
		Languages:    languages,
		Active:       true,
	}
}

func seed(t *testing.T, ps ...*participant.Participant) *participant.MemoryDirectory {
	t.Helper()
	dir := participant.NewMemoryDirectory()
	for _, p := range ps {
		require.NoError(t, dir.Upsert(context.Background(), p))
	}
	return dir
}

func ratingPtr(v float64) *float64 { return &v }

func TestFindMatches_ScoreWithinJitterBand(t *testing.T) {
	dir := seed(t, newListener("L1", 4.8, 45, []string{"anxiety"}, []string{"English"}))

	for _, j := range []float64{-10, 0, 10} {
		jitter := j
		e := NewEngine(dir, &fakeHistory{}, WithJitter(func() float64 { return jitter }))
		got, err := e.FindMatches(context.Background(), "S1", Preferences{Topic: "anxiety", Language: "English"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "L1", got[0].Listener.ID)
		assert.InDelta(t, 202.5+jitter, got[0].Score, 0.0001)
	}

	// Default jitter stays in [-10, 10].
	e := NewEngine(dir, &fakeHistory{})
	for i := 0; i < 200; i++ {
		got, err := e.FindMatches(context.Background(), "S1", Preferences{Topic: "anxiety", Language: "English"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.GreaterOrEqual(t, got[0].Score, 192.49)
		assert.LessOrEqual(t, got[0].Score, 212.51)
	}
}

func TestFindMatches_ExcludesRecentPartners(t *testing.T) {
	dir := seed(t,
		newListener("L1", 4.8, 45, []string{"anxiety"}, []string{"English"}),
		newListener("L2", 4.0, 10, []string{"work"}, []string{"English"}),
	)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	history := &fakeHistory{partners: map[string][]string{"S1": {"L1"}}}
	e := NewEngine(dir, history, WithJitter(noJitter), WithClock(func() time.Time { return now }))

	got, err := e.FindMatches(context.Background(), "S1", Preferences{Topic: "anxiety", Language: "English"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "L2", got[0].Listener.ID)
	assert.True(t, history.since.Equal(now.Add(-24*time.Hour)))
}

func TestFindMatches_HardFilters(t *testing.T) {
	dir := seed(t,
		newListener("EN", 4.0, 0, nil, []string{"English"}),
		newListener("ES", 4.9, 0, nil, []string{"Spanish"}),
		newListener("LOW", 3.0, 0, nil, []string{"English"}),
	)
	e := NewEngine(dir, &fakeHistory{}, WithJitter(noJitter))

	got, err := e.FindMatches(context.Background(), "S1", Preferences{Language: "English", MinRating: ratingPtr(3.5)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EN", got[0].Listener.ID)

	// Rating equal to the minimum passes.
	got, err = e.FindMatches(context.Background(), "S1", Preferences{Language: "English", MinRating: ratingPtr(3.0)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFindMatches_CapsAtThree(t *testing.T) {
	var ps []*participant.Participant
	for i := 0; i < 6; i++ {
		ps = append(ps, newListener(fmt.Sprintf("L%d", i), 3.0+float64(i)*0.3, 0, nil, []string{"English"}))
	}
	e := NewEngine(seed(t, ps...), &fakeHistory{}, WithJitter(noJitter))

	got, err := e.FindMatches(context.Background(), "S1", Preferences{Language: "English"})
	require.NoError(t, err)
	require.Len(t, got, MaxCandidates)
	assert.Equal(t, "L5", got[0].Listener.ID)
	assert.Equal(t, "L4", got[1].Listener.ID)
	assert.Equal(t, "L3", got[2].Listener.ID)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
	assert.GreaterOrEqual(t, got[1].Score, got[2].Score)
}

func TestFindMatches_Empty(t *testing.T) {
	e := NewEngine(participant.NewMemoryDirectory(), &fakeHistory{}, WithJitter(noJitter))
	got, err := e.FindMatches(context.Background(), "S1", Preferences{Topic: "grief"})
	require.NoError(t, err)
	assert.Empty(t, got)

	unavailable := newListener("L1", 5, 100, nil, []string{"English"})
	unavailable.Availability = participant.InChat
	e = NewEngine(seed(t, unavailable), &fakeHistory{}, WithJitter(noJitter))
	got, err = e.FindMatches(context.Background(), "S1", Preferences{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindMatches_PropagatesErrors(t *testing.T) {
	e := NewEngine(failingSource{}, &fakeHistory{})
	_, err := e.FindMatches(context.Background(), "S1", Preferences{})
	assert.Error(t, err)

	dir := seed(t, newListener("L1", 4, 1, nil, nil))
	e = NewEngine(dir, &fakeHistory{err: errors.New("db down")})
	_, err = e.FindMatches(context.Background(), "S1", Preferences{})
	assert.Error(t, err)

	e = NewEngine(dir, &fakeHistory{activeErr: errors.New("db down")})
	_, err = e.FindMatches(context.Background(), "S1", Preferences{})
	assert.Error(t, err)
}

func TestFindMatches_SkipsListenersInActiveSession(t *testing.T) {
	var ps []*participant.Participant
	for i := 0; i < 6; i++ {
		ps = append(ps, newListener(fmt.Sprintf("L%d", i), 3.0+float64(i)*0.3, 0, nil, []string{"English"}))
	}
	// L5 also shares and is chatting in that role.
	ps[5].Roles = []string{participant.RoleSharer, participant.RoleListener}
	history := &fakeHistory{busy: map[string]bool{"L5": true}}
	e := NewEngine(seed(t, ps...), history, WithJitter(noJitter))

	got, err := e.FindMatches(context.Background(), "S1", Preferences{Language: "English"})
	require.NoError(t, err)
	require.Len(t, got, MaxCandidates)
	assert.Equal(t, "L4", got[0].Listener.ID)
	assert.Equal(t, "L3", got[1].Listener.ID)
	assert.Equal(t, "L2", got[2].Listener.ID)
	assert.Equal(t, []string{"L5", "L4", "L3", "L2"}, history.lookups)
}

func TestScore_TopicBeatsInterest(t *testing.T) {
	topical := newListener("A", 3, 0, []string{"Grief"}, nil)
	interested := newListener("B", 3, 0, nil, nil)
	interested.Interests = []string{"grief"}
	neither := newListener("C", 3, 0, nil, nil)

	prefs := Preferences{Topic: "grief"}
	assert.Equal(t, 150.0, Score(topical, prefs))
	assert.Equal(t, 125.0, Score(interested, prefs))
	assert.Equal(t, 100.0, Score(neither, prefs))
}

func TestScore_Monotonic(t *testing.T) {
	prefs := Preferences{Topic: "work", Language: "English"}
	base := newListener("A", 3.5, 20, []string{"work"}, []string{"English"})

	higherRating := *base
	higherRating.Rating = 4.5
	assert.Greater(t, Score(&higherRating, prefs), Score(base, prefs))

	moreChats := *base
	moreChats.TotalChats = 80
	assert.Greater(t, Score(&moreChats, prefs), Score(base, prefs))

	// Ratings at or below 3 add nothing; experience is capped at 20.
	low := newListener("L", 1.0, 0, nil, nil)
	assert.Equal(t, 100.0, Score(low, Preferences{}))
	veteran := newListener("V", 3.0, 5000, nil, nil)
	assert.Equal(t, 120.0, Score(veteran, Preferences{}))
}

func TestFindMatches_ExcludesSelf(t *testing.T) {
	self := newListener("S1", 5, 100, nil, []string{"English"})
	self.Roles = append(self.Roles, participant.RoleSharer)
	e := NewEngine(seed(t, self), &fakeHistory{}, WithJitter(noJitter))
	got, err := e.FindMatches(context.Background(), "S1", Preferences{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
