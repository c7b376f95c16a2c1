package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	up        []*goose.MigrationResult
	upErr     error
	down      *goose.MigrationResult
	downErr   error
	status    []*goose.MigrationStatus
	pending   bool
	downCalls int
}

func (f *fakeRunner) Up(context.Context) ([]*goose.MigrationResult, error) { return f.up, f.upErr }

func (f *fakeRunner) Down(context.Context) (*goose.MigrationResult, error) {
	f.downCalls++
	return f.down, f.downErr
}

func (f *fakeRunner) Status(context.Context) ([]*goose.MigrationStatus, error) { return f.status, nil }
func (f *fakeRunner) HasPending(context.Context) (bool, error) { return f.pending, nil }
func (f *fakeRunner) ListSources() []*goose.Source { return nil }

func source(v int64, path string) *goose.Source {
	return &goose.Source{Type: goose.TypeSQL, Version: v, Path: path}
}

func TestEmbeddedMigrationsAreAnnotated(t *testing.T) {
	names, err := fs.Glob(Migrations(), "*.sql")
	require.NoError(t, err)
	require.Len(t, names, 6)

	for _, name := range names {
		body, err := fs.ReadFile(Migrations(), name)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}

	tables := []string{"users", "verification_codes", "authorization_tokens", "social_accounts", "rate_limit_windows", "verification_code_attempts"}
	for i, table := range tables {
		assert.True(t, strings.Contains(names[i], table), "migration %d should create %s, got %s", i+1, table, names[i])
	}
}

func TestNewManagerCollectsVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m, err := NewManager(db, WithMigrationsTable("larabbs_schema"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, m.Versions())
	assert.Equal(t, "larabbs_schema", m.migrationsTable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewManagerRejectsEmptyFS(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewManager(db, WithFS(fstest.MapFS{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, goose.ErrNoMigrations))
}

func TestUpReportsAppliedCount(t *testing.T) {
	fake := &fakeRunner{up: []*goose.MigrationResult{
		{Source: source(1, "00001_users.sql"), Duration: time.Millisecond, Direction: "up"},
		{Source: source(2, "00002_verification_codes.sql"), Duration: time.Millisecond, Direction: "up"},
	}}
	m := &Manager{runner: fake}

	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fake.upErr = errors.New("syntax error")
	fake.up = nil
	_, err = m.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestDownWithNothingApplied(t *testing.T) {
	fake := &fakeRunner{downErr: goose.ErrNoNextVersion}
	m := &Manager{runner: fake}

	err := m.Down(context.Background())
	assert.ErrorIs(t, err, ErrNothingApplied)
	assert.Equal(t, 1, fake.downCalls)

	fake.downErr = nil
	fake.down = &goose.MigrationResult{Source: source(5, "00005_rate_limit_windows.sql"), Direction: "down"}
	require.NoError(t, m.Down(context.Background()))
}

func TestStatusMapsState(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Manager{runner: &fakeRunner{
		pending: true,
		status: []*goose.MigrationStatus{
			{Source: source(1, "00001_users.sql"), State: goose.StateApplied, AppliedAt: at},
			{Source: source(2, "00002_verification_codes.sql"), State: goose.StatePending},
		},
	}}

	got, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Status{Version: 1, Name: "00001_users.sql", Applied: true, AppliedAt: at}, got[0])
	assert.False(t, got[1].Applied)

	pending, err := m.Pending(context.Background())
	require.NoError(t, err)
	assert.True(t, pending)
}
