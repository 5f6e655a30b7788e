package admin

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/cartnet/compensation/api/config"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	db, err := openPgDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := config.NewMigrationProvider(db)
	if err != nil {
		return err
	}

	log.Info("running PostgreSQL migrations (up)")
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("PostgreSQL migrations completed", "applied", len(results))
	return nil
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	db, err := openPgDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := config.NewMigrationProvider(db)
	if err != nil {
		return err
	}

	log.Info("rolling back PostgreSQL migration (down)")
	result, err := provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	log.Info("PostgreSQL migration rollback completed", "version", result.Source.Version)
	return nil
}

// PgMigrateStatus writes the state of every migration to w.
func PgMigrateStatus(ctx context.Context, w io.Writer, cfg config.PgConfig) error {
	db, err := openPgDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := config.NewMigrationProvider(db)
	if err != nil {
		return err
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, s := range statuses {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
	}
	return tw.Flush()
}

func openPgDB(ctx context.Context, cfg config.PgConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
