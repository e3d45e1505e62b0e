package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// postgresRepositoryFactory opens a Postgres-backed repository against the
// database named by RELAYCAST_TEST_POSTGRES_DSN, applying migrations and
// truncating tables around each test.
func postgresRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCAST_TEST_POSTGRES_DSN"))
	if dsn == "" {
		return nil, nil, ErrPostgresUnavailable
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres pool: %v", err)
	}
	if _, err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	truncate := func() {
		if _, err := pool.Exec(context.Background(), `TRUNCATE TABLE streams, accounts, stream_accounts, webhooks, stream_shares, account_shares CASCADE`); err != nil {
			t.Fatalf("truncate tables: %v", err)
		}
	}
	truncate()
	repo, err := NewPostgresRepository(dsn, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, func() {
		truncate()
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
		pool.Close()
	}, nil
}

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	repo, cleanup, err := factory(t, opts...)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("RELAYCAST_TEST_POSTGRES_DSN not set")
	}
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func repositoryFactories() map[string]RepositoryFactory {
	return map[string]RepositoryFactory{
		"json":     jsonRepositoryFactory,
		"postgres": postgresRepositoryFactory,
	}
}
