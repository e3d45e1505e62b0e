// Command migrate applies the relaycast Postgres schema and optionally
// imports a JSON datastore snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"relaycast/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(context.Background(), os.Args[1:], logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	dsn        string
	importPath string
	dryRun     bool
}

func parseOptions(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	dsn := fs.String("postgres-dsn", "", "Postgres connection string")
	importPath := fs.String("import", "", "path to a JSON datastore to import after migrating")
	dryRun := fs.Bool("dry-run", false, "list pending work without connecting to Postgres")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts := options{
		dsn:        strings.TrimSpace(*dsn),
		importPath: strings.TrimSpace(*importPath),
		dryRun:     *dryRun,
	}
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("RELAYCAST_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if opts.dsn == "" && !opts.dryRun {
		return options{}, errors.New("postgres DSN required; set --postgres-dsn, RELAYCAST_POSTGRES_DSN, or DATABASE_URL")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	opts, err := parseOptions(args, io.Discard)
	if err != nil {
		return err
	}

	var snapshot *storage.Snapshot
	if opts.importPath != "" {
		snapshot, err = storage.LoadSnapshotFromJSON(opts.importPath)
		if err != nil {
			return err
		}
		counts := snapshot.Counts()
		logger.Info("loaded JSON snapshot", "path", opts.importPath, "streams", counts.Streams, "accounts", counts.Accounts, "webhooks", counts.Webhooks)
	}

	if opts.dryRun {
		migrations, err := storage.Migrations()
		if err != nil {
			return err
		}
		for _, migration := range migrations {
			logger.Info("embedded migration", "name", migration.Name)
		}
		return nil
	}

	cfg, err := pgxpool.ParseConfig(opts.dsn)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()

	applied, err := storage.ApplyMigrations(ctx, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("schema up to date")
	} else {
		logger.Info("applied migrations", "migrations", applied)
	}

	if snapshot == nil {
		return nil
	}
	if err := storage.ImportSnapshot(ctx, pool, snapshot); err != nil {
		return err
	}
	if err := verifyCounts(ctx, pool, snapshot.Counts()); err != nil {
		return fmt.Errorf("verify import: %w", err)
	}
	logger.Info("import completed", "streams", snapshot.Counts().Streams)
	return nil
}

// verifyCounts checks that every table holds at least the imported rows.
// Rows already present before the import are kept, so larger counts pass.
func verifyCounts(ctx context.Context, pool *pgxpool.Pool, counts storage.SnapshotCounts) error {
	checks := []struct {
		table    string
		expected int
	}{
		{"streams", counts.Streams},
		{"accounts", counts.Accounts},
		{"stream_accounts", counts.StreamAccounts},
		{"webhooks", counts.Webhooks},
		{"stream_shares", counts.StreamShares},
		{"account_shares", counts.AccountShares},
	}
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+check.table).Scan(&actual); err != nil {
			return fmt.Errorf("count %s: %w", check.table, err)
		}
		if actual < check.expected {
			return fmt.Errorf("%s: expected at least %d rows, got %d", check.table, check.expected, actual)
		}
	}
	return nil
}
