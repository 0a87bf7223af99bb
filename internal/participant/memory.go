package participant

import (
	"context"
	"sort"
	"sync"
)

// MemoryDirectory is an in-process Directory used for single-instance
// deployments and tests.
type MemoryDirectory struct {
	mu   sync.Mutex
	byID map[string]*Participant
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byID: make(map[string]*Participant)}
}

func (d *MemoryDirectory) FindByID(_ context.Context, id string) (*Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (d *MemoryDirectory) AvailableListeners(_ context.Context) ([]*Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Participant
	for _, p := range d.byID {
		if p.Active && p.IsListener() && p.Availability == Available {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) CompareAndSetAvailability(_ context.Context, id string, from, to Availability) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Availability != from {
		return false, nil
	}
	p.Availability = to
	return true, nil
}

func (d *MemoryDirectory) SetAvailability(_ context.Context, id string, a Availability) error {
	return d.update(id, func(p *Participant) { p.Availability = a })
}

func (d *MemoryDirectory) IncrementChatCount(_ context.Context, id string) error {
	return d.update(id, func(p *Participant) { p.TotalChats++ })
}

func (d *MemoryDirectory) SetRating(_ context.Context, id string, rating float64) error {
	return d.update(id, func(p *Participant) { p.Rating = rating })
}

func (d *MemoryDirectory) Upsert(_ context.Context, p *Participant) error {
	d.mu.Lock()
	d.byID[p.ID] = clone(p)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) update(id string, fn func(*Participant)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

func clone(p *Participant) *Participant {
	c := *p
	c.Roles = append([]string(nil), p.Roles...)
	c.Topics = append([]string(nil), p.Topics...)
	c.Interests = append([]string(nil), p.Interests...)
	c.Languages = append([]string(nil), p.Languages...)
	return &c
}
