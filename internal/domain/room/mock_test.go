package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room
	gets  int
}

func newMockRepo() *mockRepo {
	return &mockRepo{rooms: make(map[uuid.UUID]*Room)}
}

func (m *mockRepo) Create(_ context.Context, r *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.rooms {
		if x.HospitalName == r.HospitalName && x.Name == r.Name {
			return ErrDuplicateName
		}
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	r.CurrentOccupancy = Clamp(r.CurrentOccupancy, r.Capacity)
	r.derive()
	cp := *r
	m.rooms[r.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) ListByHospital(_ context.Context, hospital string) ([]*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Room
	for _, r := range m.rooms {
		if r.HospitalName == hospital {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) SetOccupancy(_ context.Context, id uuid.UUID, count int) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.CurrentOccupancy = Clamp(count, r.Capacity)
	r.derive()
	cp := *r
	return &cp, nil
}

func (m *mockRepo) AddOccupancy(ctx context.Context, id uuid.UUID, delta int) (*Room, error) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	next := r.CurrentOccupancy + delta
	m.mu.Unlock()
	return m.SetOccupancy(ctx, id, next)
}
