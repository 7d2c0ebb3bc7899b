package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

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

const entryCols = `id, patient_id, patient_name, hospital_name, specialty, queue_number,
	position, status, priority, assigned_room, notes, joined_at, called_at, served_at, version`

const activeStatuses = `('waiting','called')`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var notes *string
	err := row.Scan(&e.ID, &e.PatientID, &e.PatientName, &e.HospitalName, &e.Specialty,
		&e.QueueNumber, &e.Position, &e.Status, &e.Priority, &e.AssignedRoom, &notes,
		&e.JoinedAt, &e.CalledAt, &e.ServedAt, &e.Version)
	if err != nil {
		return nil, err
	}
	if notes != nil {
		e.Notes = *notes
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// optional maps pgx.ErrNoRows to a nil entry.
func optional(e *Entry, err error) (*Entry, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// InPartition opens (or joins) a transaction and takes a transaction-scoped
// advisory lock keyed by the partition, so concurrent writers on any instance
// serialize.
func (r *repoPG) InPartition(ctx context.Context, p Partition, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, p.String()); err != nil {
			return fmt.Errorf("lock partition %s: %w", p, err)
		}
		return fn(ctx)
	})
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var notes *string
	if e.Notes != "" {
		notes = &e.Notes
	}
	created, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_entry (id, patient_id, patient_name, hospital_name, specialty,
			queue_number, position, status, priority, notes, joined_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+entryCols,
		e.ID, e.PatientID, e.PatientName, e.HospitalName, e.Specialty,
		e.QueueNumber, e.Position, e.Status, e.Priority, notes, e.JoinedAt))
	if db.IsUniqueViolation(err, "uq_queue_entry_active_patient") {
		return ErrActiveEntryExists
	}
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	*e = *created
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

func (r *repoPG) GetActiveByPatient(ctx context.Context, patientID string) (*Entry, error) {
	e, err := optional(scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE patient_id = $1 AND status IN `+activeStatuses+`
		ORDER BY joined_at DESC LIMIT 1`, patientID)))
	if err != nil {
		return nil, fmt.Errorf("get active entry: %w", err)
	}
	return e, nil
}

func (r *repoPG) MaxActivePosition(ctx context.Context, p Partition) (int, error) {
	var highest int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM queue_entry
		WHERE hospital_name = $1 AND specialty = $2 AND status IN `+activeStatuses,
		p.Hospital, p.Specialty).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("max position: %w", err)
	}
	return highest, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, a Action, at time.Time) (*Entry, error) {
	to, from := Target(a)
	set := `status = $2, version = version + 1, updated_at = NOW()`
	args := []interface{}{id, to, statusStrings(from)}
	switch to {
	case StatusCalled:
		set += `, called_at = $4`
		args = append(args, at)
	case StatusServed:
		set += `, served_at = $4`
		args = append(args, at)
	}

	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE queue_entry SET `+set+`
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+entryCols, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", a, err)
	}
	return e, nil
}

func (r *repoPG) NextWaiting(ctx context.Context, hospital, specialty string) (*Entry, error) {
	e, err := optional(scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE hospital_name = $1 AND ($2 = '' OR specialty = $2) AND status = 'waiting'
		ORDER BY position, joined_at
		LIMIT 1`, hospital, specialty)))
	if err != nil {
		return nil, fmt.Errorf("next waiting: %w", err)
	}
	return e, nil
}

// ClaimNextWaiting waits on a row lock held by another writer (a room
// assignment, say) instead of skipping the row, so the head of the queue is
// never passed over.
func (r *repoPG) ClaimNextWaiting(ctx context.Context, p Partition, at time.Time) (*Entry, error) {
	e, err := optional(scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE queue_entry SET status = 'called', called_at = $3, version = version + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM queue_entry
			WHERE hospital_name = $1 AND specialty = $2 AND status = 'waiting'
			ORDER BY position
			LIMIT 1
			FOR UPDATE
		) AND status = 'waiting'
		RETURNING `+entryCols, p.Hospital, p.Specialty, at)))
	if err != nil {
		return nil, fmt.Errorf("claim next waiting: %w", err)
	}
	return e, nil
}

func (r *repoPG) EarliestCalled(ctx context.Context, hospital, specialty string) (*Entry, error) {
	e, err := optional(scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE hospital_name = $1 AND ($2 = '' OR specialty = $2) AND status = 'called'
		ORDER BY called_at, position
		LIMIT 1`, hospital, specialty)))
	if err != nil {
		return nil, fmt.Errorf("earliest called: %w", err)
	}
	return e, nil
}

func (r *repoPG) CloseGap(ctx context.Context, p Partition, after int) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entry SET position = position - 1, version = version + 1, updated_at = NOW()
		WHERE hospital_name = $1 AND specialty = $2 AND status IN `+activeStatuses+`
			AND position > $3`, p.Hospital, p.Specialty, after)
	if err != nil {
		return 0, fmt.Errorf("close position gap: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) AssignRoom(ctx context.Context, ids []uuid.UUID, hospital string, room uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE queue_entry SET assigned_room = $3, version = version + 1, updated_at = NOW()
		WHERE id = ANY($1) AND hospital_name = $2 AND status IN `+activeStatuses+`
			AND assigned_room IS DISTINCT FROM $3
		RETURNING `+entryCols, ids, hospital, room)
	if err != nil {
		return nil, fmt.Errorf("assign room: %w", err)
	}
	return collectEntries(rows)
}

func (r *repoPG) ListActive(ctx context.Context, hospital, specialty string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE hospital_name = $1 AND ($2 = '' OR specialty = $2) AND status IN `+activeStatuses+`
		ORDER BY specialty, position`, hospital, specialty)
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}
	return collectEntries(rows)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_entry WHERE patient_id = $1`,
		patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE patient_id = $1 ORDER BY joined_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	items, err := collectEntries(rows)
	return items, total, err
}

func (r *repoPG) CountWaiting(ctx context.Context, p Partition) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_entry
		WHERE hospital_name = $1 AND specialty = $2 AND status = 'waiting'`,
		p.Hospital, p.Specialty).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return n, nil
}

func (r *repoPG) CountAhead(ctx context.Context, p Partition, position int) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_entry
		WHERE hospital_name = $1 AND specialty = $2 AND status IN `+activeStatuses+`
			AND position < $3`, p.Hospital, p.Specialty, position).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return n, nil
}
