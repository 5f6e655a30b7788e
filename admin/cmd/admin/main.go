package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/cartnet/compensation/admin/internal/admin"
	"github.com/cartnet/compensation/api/config"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Migration commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all tables in the public schema")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Batch jobs
	distributePoolFlag := flag.Bool("distribute-pool", false, "Distribute the turnover pool for [--period-start, --period-end)")
	processInstallmentsFlag := flag.Bool("process-installments", false, "Settle self income installments due as of --as-of")
	reconcileFlag := flag.Bool("reconcile", false, "Check every wallet against its ledger")
	placeUserFlag := flag.Bool("place-user", false, "Manually place --user-id under --sponsor")

	// Job options
	adminIDFlag := flag.Int64("admin-id", 0, "Acting admin id, recorded in the audit trail (or set ADMIN_ID env var)")
	periodStartFlag := flag.String("period-start", "", "Pool period start (RFC3339, e.g. 2024-01-01T00:00:00Z)")
	periodEndFlag := flag.String("period-end", "", "Pool period end, exclusive (RFC3339)")
	asOfFlag := flag.String("as-of", "", "Installment cutoff (RFC3339, empty = now)")
	userIDFlag := flag.Int64("user-id", 0, "User to place")
	sponsorFlag := flag.String("sponsor", "", "Sponsor id or referral code")
	matrixLevelFlag := flag.Int("matrix-level", 0, "Also allocate a matrix slot at this level")

	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	log := logger.New(*verboseFlag)

	if v := os.Getenv("ADMIN_ID"); v != "" && *adminIDFlag == 0 {
		if _, err := fmt.Sscan(v, adminIDFlag); err != nil {
			return fmt.Errorf("invalid ADMIN_ID %q: %w", v, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg, err := config.PgConfigFromEnv()
	if err != nil {
		return err
	}

	switch {
	case *pgMigrateFlag:
		return admin.PgMigrateUp(ctx, log, pgCfg)
	case *pgMigrateDownFlag:
		return admin.PgMigrateDown(ctx, log, pgCfg)
	case *pgMigrateStatusFlag:
		return admin.PgMigrateStatus(ctx, os.Stdout, pgCfg)
	}

	pool, err := config.NewPool(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if *resetDBFlag {
		return admin.ResetDB(ctx, pool, admin.ResetDBConfig{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	if !*distributePoolFlag && !*processInstallmentsFlag && !*reconcileFlag && !*placeUserFlag {
		return nil
	}

	settings, err := engine.LoadSettingsFromEnv()
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{Logger: log, Pool: pool, Settings: settings})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	switch {
	case *distributePoolFlag:
		if *adminIDFlag <= 0 {
			return fmt.Errorf("--admin-id is required for --distribute-pool")
		}
		start, err := parseTime("period-start", *periodStartFlag)
		if err != nil {
			return err
		}
		end, err := parseTime("period-end", *periodEndFlag)
		if err != nil {
			return err
		}
		if start.IsZero() || end.IsZero() {
			return fmt.Errorf("--period-start and --period-end are required for --distribute-pool")
		}
		return admin.DistributePool(ctx, eng, os.Stdout, *adminIDFlag, start, end)

	case *processInstallmentsFlag:
		if *adminIDFlag <= 0 {
			return fmt.Errorf("--admin-id is required for --process-installments")
		}
		asOf, err := parseTime("as-of", *asOfFlag)
		if err != nil {
			return err
		}
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		return admin.ProcessInstallments(ctx, eng, os.Stdout, *adminIDFlag, asOf)

	case *reconcileFlag:
		return admin.Reconcile(ctx, eng, os.Stdout)

	case *placeUserFlag:
		if *adminIDFlag <= 0 {
			return fmt.Errorf("--admin-id is required for --place-user")
		}
		if *userIDFlag <= 0 || *sponsorFlag == "" {
			return fmt.Errorf("--user-id and --sponsor are required for --place-user")
		}
		return admin.PlaceUser(ctx, eng, os.Stdout, engine.ManualPlacement{
			AdminID:     *adminIDFlag,
			UserID:      *userIDFlag,
			Sponsor:     *sponsorFlag,
			MatrixLevel: *matrixLevelFlag,
		})
	}

	return nil
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s format (use RFC3339, e.g. 2024-01-01T00:00:00Z): %w", name, err)
	}
	return t, nil
}
