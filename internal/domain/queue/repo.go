package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEntryNotFound is returned by repositories when no row matches an id.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrStatusConflict is returned when a conditional transition matched no
	// row because the entry is no longer in an allowed status.
	ErrStatusConflict = errors.New("queue entry status changed")
	// ErrActiveEntryExists is returned by Create when the patient already holds
	// an active entry.
	ErrActiveEntryExists = errors.New("patient already has an active entry")
)

// Repository is the queue record store.
type Repository interface {
	// InPartition runs fn while the store holds the partition lock. Every
	// repository call made with the ctx passed to fn joins that unit of work.
	InPartition(ctx context.Context, p Partition, fn func(ctx context.Context) error) error

	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// GetActiveByPatient returns nil, nil when the patient has no active entry.
	GetActiveByPatient(ctx context.Context, patientID string) (*Entry, error)
	MaxActivePosition(ctx context.Context, p Partition) (int, error)

	// Transition applies a to entry id only if its current status allows it.
	Transition(ctx context.Context, id uuid.UUID, a Action, at time.Time) (*Entry, error)
	// NextWaiting returns the waiting entry that would be called next at
	// hospital, optionally within one specialty, without changing it. Across
	// specialties the lowest position wins, then join time. Returns nil, nil
	// when nobody is waiting.
	NextWaiting(ctx context.Context, hospital, specialty string) (*Entry, error)
	// ClaimNextWaiting calls the lowest-position waiting entry of p. Callers
	// hold the partition lock. Returns nil, nil when none.
	ClaimNextWaiting(ctx context.Context, p Partition, at time.Time) (*Entry, error)
	// EarliestCalled returns the longest-called entry, or nil, nil.
	EarliestCalled(ctx context.Context, hospital, specialty string) (*Entry, error)
	// CloseGap decrements every active position greater than after.
	CloseGap(ctx context.Context, p Partition, after int) (int, error)
	// AssignRoom sets the room on the active entries among ids that belong to
	// hospital and are not already in that room, and returns them.
	AssignRoom(ctx context.Context, ids []uuid.UUID, hospital string, room uuid.UUID) ([]*Entry, error)

	ListActive(ctx context.Context, hospital, specialty string) ([]*Entry, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Entry, int, error)
	CountWaiting(ctx context.Context, p Partition) (int, error)
	// CountAhead counts active entries with a position below position.
	CountAhead(ctx context.Context, p Partition, position int) (int, error)
}
