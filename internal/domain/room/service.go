package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Service looks rooms up through a short-lived cache and keeps occupancy
// within capacity.
type Service struct {
	repo  Repository
	cache *cache.Cache
}

func NewService(repo Repository, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		repo:  repo,
		cache: cache.New(ttl, 2*ttl),
	}
}

// ValidationError reports a bad room field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (s *Service) Create(ctx context.Context, r *Room) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if r.HospitalName == "" {
		return &ValidationError{Field: "hospital_name", Message: "is required"}
	}
	if r.Capacity <= 0 {
		return &ValidationError{Field: "capacity", Message: "must be positive"}
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return err
	}
	s.remember(r)
	return nil
}

// Get returns the room, serving repeated lookups from the cache.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Room, error) {
	if v, ok := s.cache.Get(id.String()); ok {
		cp := *v.(*Room)
		return &cp, nil
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(r)
	return r, nil
}

func (s *Service) ListByHospital(ctx context.Context, hospital string) ([]*Room, error) {
	return s.repo.ListByHospital(ctx, hospital)
}

// UpdateOccupancy sets the counter to newCount clamped to [0, capacity].
func (s *Service) UpdateOccupancy(ctx context.Context, id uuid.UUID, newCount int) (*Room, error) {
	r, err := s.repo.SetOccupancy(ctx, id, newCount)
	if err != nil {
		return nil, err
	}
	s.remember(r)
	return r, nil
}

// AddOccupancy adjusts the counter by delta in one store round trip, clamped to
// [0, capacity].
func (s *Service) AddOccupancy(ctx context.Context, id uuid.UUID, delta int) (*Room, error) {
	r, err := s.repo.AddOccupancy(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	s.remember(r)
	return r, nil
}

func (s *Service) remember(r *Room) {
	cp := *r
	s.cache.SetDefault(r.ID.String(), &cp)
}
