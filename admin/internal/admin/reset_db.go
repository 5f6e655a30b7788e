package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ResetDBConfig struct {
	DryRun      bool
	SkipConfirm bool
	// In supplies the confirmation answer.
	In  io.Reader
	Out io.Writer
}

// ResetDB drops every table in the public schema, goose's version table
// included, so the next migrate starts from an empty database.
func ResetDB(ctx context.Context, pool *pgxpool.Pool, cfg ResetDBConfig) error {
	rows, err := pool.Query(ctx, `
		SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename
	`)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to scan table names: %w", err)
	}

	out := cfg.Out
	if len(tables) == 0 {
		fmt.Fprintln(out, "No tables found")
		return nil
	}

	database := pool.Config().ConnConfig.Database
	fmt.Fprintf(out, "WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), database)
	for _, table := range tables {
		fmt.Fprintf(out, "  - %s\n", table)
	}

	if cfg.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !cfg.SkipConfirm {
		fmt.Fprintf(out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Fprintf(out, "Type 'yes' to confirm: ")

		response, err := bufio.NewReader(cfg.In).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintf(out, "\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Fprintln(out)
	}

	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()+" CASCADE"); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Fprintf(out, "  dropped %s\n", table)
	}

	fmt.Fprintf(out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}
