// Package participant holds the identity view the chat core needs: roles,
// listener availability, and the rating and chat counters the core maintains.
// Profile storage itself belongs to an external service; the Directory is the
// seam to it.
package participant

import (
	"context"
	"errors"
	"strings"
)

// Roles.
const (
	RoleSharer   = "sharer"
	RoleListener = "listener"
)

// Availability is the listener presence state.
type Availability string

const (
	Unavailable Availability = "unavailable"
	Available   Availability = "available"
	InChat      Availability = "in_chat"
)

// Valid reports whether a is one of the three legal states.
func (a Availability) Valid() bool {
	switch a {
	case Unavailable, Available, InChat:
		return true
	}
	return false
}

// ErrNotFound is returned when no participant has the given ID.
var ErrNotFound = errors.New("participant: not found")

// Participant is an anonymous user as seen by the chat core.
type Participant struct {
	ID           string       `json:"id"`
	Pseudonym    string       `json:"pseudonym"`
	Bio          string       `json:"bio,omitempty"`
	Roles        []string     `json:"roles"`
	Availability Availability `json:"availability"`
	Rating       float64      `json:"rating"`
	TotalChats   int          `json:"total_chats"`
	Topics       []string     `json:"topics"`
	Interests    []string     `json:"interests"`
	Languages    []string     `json:"languages"`
	Active       bool         `json:"active"`
}

// HasRole reports whether p holds role.
func (p *Participant) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsListener reports whether p holds the listener role.
func (p *Participant) IsListener() bool { return p.HasRole(RoleListener) }

// PrimaryLanguage is the first listed language, or English when none is set.
func (p *Participant) PrimaryLanguage() string {
	if len(p.Languages) > 0 && p.Languages[0] != "" {
		return p.Languages[0]
	}
	return "English"
}

// Directory is the identity collaborator. Implementations must make
// CompareAndSetAvailability atomic with respect to every other writer of the
// availability field.
type Directory interface {
	// FindByID returns ErrNotFound when the participant does not exist.
	FindByID(ctx context.Context, id string) (*Participant, error)
	// AvailableListeners returns active listeners whose availability is
	// Available.
	AvailableListeners(ctx context.Context) ([]*Participant, error)
	// CompareAndSetAvailability sets the availability to `to` only if it is
	// currently `from`, reporting whether the swap happened.
	CompareAndSetAvailability(ctx context.Context, id string, from, to Availability) (bool, error)
	SetAvailability(ctx context.Context, id string, a Availability) error
	IncrementChatCount(ctx context.Context, id string) error
	SetRating(ctx context.Context, id string, rating float64) error
	// Upsert writes a full participant record. It is used to sync identities
	// from the profile service and to seed fixtures.
	Upsert(ctx context.Context, p *Participant) error
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
