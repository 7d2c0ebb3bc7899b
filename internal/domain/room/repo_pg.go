package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carequeue/carequeue/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const roomCols = `id, hospital_name, name, capacity, current_occupancy, created_at, updated_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var rm Room
	if err := row.Scan(&rm.ID, &rm.HospitalName, &rm.Name, &rm.Capacity,
		&rm.CurrentOccupancy, &rm.CreatedAt, &rm.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rm.derive()
	return &rm, nil
}

func (r *repoPG) Create(ctx context.Context, rm *Room) error {
	rm.ID = uuid.New()
	created, err := scanRoom(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO waiting_room (id, hospital_name, name, capacity, current_occupancy)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+roomCols,
		rm.ID, rm.HospitalName, rm.Name, rm.Capacity, Clamp(rm.CurrentOccupancy, rm.Capacity)))
	if db.IsUniqueViolation(err, "uq_waiting_room_name") {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	*rm = *created
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	return scanRoom(r.conn(ctx).QueryRow(ctx, `SELECT `+roomCols+` FROM waiting_room WHERE id = $1`, id))
}

func (r *repoPG) ListByHospital(ctx context.Context, hospital string) ([]*Room, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+roomCols+` FROM waiting_room
		WHERE hospital_name = $1 ORDER BY name`, hospital)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var items []*Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rm)
	}
	return items, rows.Err()
}

func (r *repoPG) SetOccupancy(ctx context.Context, id uuid.UUID, count int) (*Room, error) {
	return scanRoom(r.conn(ctx).QueryRow(ctx, `
		UPDATE waiting_room
		SET current_occupancy = LEAST(GREATEST($2, 0), capacity), updated_at = NOW()
		WHERE id = $1
		RETURNING `+roomCols, id, count))
}

func (r *repoPG) AddOccupancy(ctx context.Context, id uuid.UUID, delta int) (*Room, error) {
	return scanRoom(r.conn(ctx).QueryRow(ctx, `
		UPDATE waiting_room
		SET current_occupancy = LEAST(GREATEST(current_occupancy + $2, 0), capacity), updated_at = NOW()
		WHERE id = $1
		RETURNING `+roomCols, id, delta))
}
