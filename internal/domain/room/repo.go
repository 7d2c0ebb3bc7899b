package room

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("room not found")
	// ErrDuplicateName is returned by Create when the hospital already has a
	// room with that name.
	ErrDuplicateName = errors.New("room name already used in this hospital")
)

// Repository stores rooms. Occupancy writes clamp to [0, capacity] in the store.
type Repository interface {
	Create(ctx context.Context, r *Room) error
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	ListByHospital(ctx context.Context, hospital string) ([]*Room, error)
	SetOccupancy(ctx context.Context, id uuid.UUID, count int) (*Room, error)
	AddOccupancy(ctx context.Context, id uuid.UUID, delta int) (*Room, error)
}
