package migrations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version {{bigint}} NOT NULL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	applied_at {{timestamp}} NOT NULL
)`

// Status reports whether a migration has been applied.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Runner applies migrations against one database.
type Runner struct {
	db         *sqlx.DB
	migrations []Migration
	logger     zerolog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger overrides the runner's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMigrations replaces the registered migration set.
func WithMigrations(ms []Migration) Option {
	return func(r *Runner) {
		r.migrations = ms
	}
}

// NewRunner returns a runner for the registered migrations.
func NewRunner(db *sqlx.DB, opts ...Option) *Runner {
	r := &Runner{
		db:         db,
		migrations: All(),
		logger:     log.Logger.With().Str("module", "migrations").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	sort.Slice(r.migrations, func(i, j int) bool { return r.migrations[i].Version < r.migrations[j].Version })
	return r
}

// Up applies every pending migration and returns how many ran.
func (r *Runner) Up(ctx context.Context) (int, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range r.migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		if err := r.run(ctx, m, m.Up, true); err != nil {
			return count, err
		}
		r.logger.Info().Int64("version", m.Version).Str("name", m.Name).Msg("Applied migration")
		count++
	}
	return count, nil
}

// Down reverts up to steps applied migrations, newest first.
func (r *Runner) Down(ctx context.Context, steps int) (int, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(r.migrations) - 1; i >= 0 && count < steps; i-- {
		m := r.migrations[i]
		if _, ok := applied[m.Version]; !ok {
			continue
		}
		if err := r.run(ctx, m, m.Down, false); err != nil {
			return count, err
		}
		r.logger.Info().Int64("version", m.Version).Str("name", m.Name).Msg("Reverted migration")
		count++
	}
	return count, nil
}

// Status lists every registered migration with its applied state.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(r.migrations))
	for _, m := range r.migrations {
		s := Status{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			s.Applied = true
			at := at
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Runner) applied(ctx context.Context) (map[int64]time.Time, error) {
	driver := r.db.DriverName()
	if _, err := r.db.ExecContext(ctx, expand(driver, createVersionTable)); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	var rows []struct {
		Version   int64     `db:"version"`
		AppliedAt time.Time `db:"applied_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, "SELECT version, applied_at FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	out := make(map[int64]time.Time, len(rows))
	for _, row := range rows {
		out[row.Version] = row.AppliedAt
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, m Migration, stmts []string, up bool) error {
	driver := r.db.DriverName()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, expand(driver, stmt)); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	if up {
		_, err = tx.ExecContext(ctx, tx.Rebind("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Name, time.Now().UTC())
	} else {
		_, err = tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), m.Version)
	}
	if err != nil {
		return fmt.Errorf("migration %d: record version: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.Version, err)
	}
	return nil
}
