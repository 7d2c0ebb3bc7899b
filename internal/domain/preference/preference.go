// Package preference records per-user defaults such as the last hospital a
// patient queued at.
package preference

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carequeue/carequeue/internal/platform/db"
)

// Writer persists user preferences.
type Writer interface {
	SetPreferredHospital(ctx context.Context, userID, hospital string) error
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Writer { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *repoPG) SetPreferredHospital(ctx context.Context, userID, hospital string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_preference (user_id, preferred_hospital, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET preferred_hospital = EXCLUDED.preferred_hospital, updated_at = NOW()`,
		userID, hospital)
	if err != nil {
		return fmt.Errorf("upsert preferred hospital: %w", err)
	}
	return nil
}
