// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"larabbs.org/internal/obs"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations is the schema shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Status describes one migration and whether it is applied.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

type runner interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
	HasPending(ctx context.Context) (bool, error)
	ListSources() []*goose.Source
}

// Manager runs migrations against one database.
type Manager struct {
	runner          runner
	fsys            fs.FS
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithFS reads migrations from fsys instead of the embedded set.
func WithFS(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
		}
	}
}

// NewManager constructs a Manager. It does not touch the database.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	m := &Manager{
		fsys:            Migrations(),
		migrationsTable: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	store, err := database.NewStore(database.DialectPostgres, m.migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("migrate: store: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectCustom, db, m.fsys,
		goose.WithStore(store),
		goose.WithDisableGlobalRegistry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("migrate: provider: %w", err)
	}
	m.runner = p
	return m, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	results, err := m.runner.Up(ctx)
	for _, res := range results {
		obs.Info("migration_applied",
			"version", res.Source.Version,
			"path", res.Source.Path,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	if err != nil {
		return len(results), fmt.Errorf("migrate up: %w", err)
	}
	return len(results), nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	res, err := m.runner.Down(ctx)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return ErrNothingApplied
		}
		return fmt.Errorf("migrate down: %w", err)
	}
	obs.Info("migration_rolled_back", "version", res.Source.Version, "path", res.Source.Path)
	return nil
}

// Status lists every known migration in version order.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	raw, err := m.runner.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate status: %w", err)
	}
	out := make([]Status, 0, len(raw))
	for _, st := range raw {
		out = append(out, Status{
			Version:   st.Source.Version,
			Name:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Pending reports whether any migration has not been applied yet.
func (m *Manager) Pending(ctx context.Context) (bool, error) {
	return m.runner.HasPending(ctx)
}

// Versions lists the versions available to the manager.
func (m *Manager) Versions() []int64 {
	sources := m.runner.ListSources()
	out := make([]int64, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Version)
	}
	return out
}
