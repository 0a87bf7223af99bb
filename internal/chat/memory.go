package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. It enforces the one-active-session rule the same way the Postgres
// partial unique indexes do.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message // session ID -> messages in Seq order
	byMsgID  map[string]*Message
	seq      int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		byMsgID:  make(map[string]*Message),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if !existing.IsActive() {
			continue
		}
		if existing.IsParticipant(s.SharerID) || existing.IsParticipant(s.ListenerID) {
			return ErrConflict
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (m *MemoryStore) ActiveSessionFor(_ context.Context, participantID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.IsActive() && s.IsParticipant(participantID) {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) EndSession(_ context.Context, id string, endedAt time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.IsActive() {
		return nil, ErrNotActive
	}
	s.Status = StatusEnded
	t := endedAt
	s.EndedAt = &t
	return copySession(s), nil
}

func (m *MemoryStore) RecentPartners(_ context.Context, participantID string, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range m.sessions {
		if s.StartedAt.Before(since) {
			continue
		}
		partner := s.Partner(participantID)
		if partner == "" {
			continue
		}
		if _, dup := seen[partner]; dup {
			continue
		}
		seen[partner] = struct{}{}
		out = append(out, partner)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ExpiredActive(_ context.Context, now time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.IsActive() && !s.ExpiresAt.After(now) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.IsActive() || s.ExpiresAt.After(now) {
			continue
		}
		for _, msg := range m.messages[id] {
			delete(m.byMsgID, msg.ID)
		}
		delete(m.messages, id)
		delete(m.sessions, id)
		n++
	}
	return n, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return ErrNotFound
	}
	m.seq++
	msg.Seq = m.seq
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	m.byMsgID[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, sessionID string, beforeSeq int64, limit int) ([]*Message, error) {
	limit = ClampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[sessionID]

	// all is in ascending Seq order; walk back from the cursor.
	end := len(all)
	if beforeSeq > 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].Seq >= beforeSeq })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]*Message, 0, end-start)
	for _, msg := range all[start:end] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RemoveMessage(_ context.Context, messageID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byMsgID[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.ModerationStatus = ModerationRemoved
	if reason != "" {
		msg.ModerationReason = reason
	}
	return nil
}

func copySession(s *Session) *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
