package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrateLockKey serializes migrators started by several instances at once.
const migrateLockKey = 7_310_114

// Migration is one numbered SQL file, e.g. "001_queue.sql".
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

func (s MigrationStatus) Applied() bool { return s.AppliedAt != nil }

// Migrator applies the service schema to the public schema of one database.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

// NewMigrator reads migrations from the root of files, typically the
// embedded migrations.Files.
func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

// Load parses and orders the migrations. Files without a numeric prefix are
// ignored; two files with the same version are an error.
func (m *Migrator) Load() ([]Migration, error) {
	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	seen := make(map[int]string, len(names))
	var out []Migration
	for _, name := range names {
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		body, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction, and
// returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrateLockKey); err != nil {
		return 0, fmt.Errorf("lock migrations: %w", err)
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrateLockKey)

	applied := 0
	for _, mig := range pending {
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name)
				VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`, mig.Version, mig.Name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// another instance got here first
				return nil
			}
			_, err = tx.Exec(ctx, mig.SQL)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", mig.Name, err)
		}
		applied++
	}
	return applied, nil
}

// Pending lists the migrations not yet recorded in schema_migrations.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	statuses, all, err := m.status(ctx)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for i, st := range statuses {
		if !st.Applied() {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Status reports every known migration with its applied time, if any.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	statuses, _, err := m.status(ctx)
	return statuses, err
}

func (m *Migrator) status(ctx context.Context) ([]MigrationStatus, []Migration, error) {
	all, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	if m.pool == nil {
		return nil, nil, errors.New("migrator has no database connection")
	}
	if _, err := m.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS public.schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := m.pool.Query(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	appliedAt := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		appliedAt[v] = at
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	out := make([]MigrationStatus, len(all))
	for i, mig := range all {
		out[i] = MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := appliedAt[mig.Version]; ok {
			out[i].AppliedAt = &at
		}
	}
	return out, all, nil
}
