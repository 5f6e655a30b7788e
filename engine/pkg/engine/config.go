package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/commission"
	"github.com/cartnet/compensation/engine/pkg/installment"
	"github.com/cartnet/compensation/engine/pkg/lock"
	"github.com/cartnet/compensation/engine/pkg/pool"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/cartnet/compensation/engine/pkg/withdrawal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Settings are the plan parameters of the engine.
type Settings struct {
	MatrixWidth    int
	MatrixMaxLevel int

	CommissionRates []decimal.Decimal
	JoiningRates    []decimal.Decimal
	InactivePolicy  commission.InactivePolicy
	// ManualPlacementAmount is the commission base of an admin placement.
	ManualPlacementAmount int64

	PoolCompanyShare     decimal.Decimal
	PoolLevelShares      []decimal.Decimal
	PoolEmptyLevelPolicy pool.EmptyLevelPolicy

	InstallmentInterval    time.Duration
	InstallmentMaxRetries  int
	InstallmentTimeout     time.Duration
	InstallmentBatchSize   int
	InstallmentConcurrency int

	WithdrawalMinimum    int64
	WithdrawalMethods    []string
	WithdrawalHoldPolicy withdrawal.HoldPolicy

	// Job intervals; zero disables the loop.
	InstallmentJobInterval time.Duration
	ReconcileJobInterval   time.Duration
	LeaseTTL               time.Duration
}

type Config struct {
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Clock   clockwork.Clock
	Alerter alert.Notifier
	// Locker guards the job loops. A LocalLocker is used when nil.
	Locker    lock.Locker
	Confirmer installment.Confirmer
	Settings  Settings
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Alerter == nil {
		cfg.Alerter = alert.Log{Logger: cfg.Logger}
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocalLocker(cfg.Clock)
	}
	s := &cfg.Settings
	if s.ManualPlacementAmount < 0 {
		return errors.New("manual placement amount must not be negative")
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 5 * time.Minute
	}
	if s.InstallmentJobInterval < 0 || s.ReconcileJobInterval < 0 {
		return errors.New("job intervals must not be negative")
	}
	return nil
}

func (s Settings) installmentPolicy() settle.Policy {
	return settle.Policy{MaxRetries: s.InstallmentMaxRetries, AttemptTimeout: s.InstallmentTimeout}
}

// LoadSettingsFromEnv reads COMP_* variables. Unset variables keep the
// component defaults.
func LoadSettingsFromEnv() (Settings, error) {
	var s Settings
	var err error
	ints := []struct {
		name string
		dst  *int
	}{
		{"COMP_MATRIX_WIDTH", &s.MatrixWidth},
		{"COMP_MATRIX_MAX_LEVEL", &s.MatrixMaxLevel},
		{"COMP_INSTALLMENT_MAX_RETRIES", &s.InstallmentMaxRetries},
		{"COMP_INSTALLMENT_BATCH_SIZE", &s.InstallmentBatchSize},
		{"COMP_INSTALLMENT_CONCURRENCY", &s.InstallmentConcurrency},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.name); err != nil {
			return Settings{}, err
		}
	}
	amounts := []struct {
		name string
		dst  *int64
	}{
		{"COMP_MANUAL_PLACEMENT_AMOUNT", &s.ManualPlacementAmount},
		{"COMP_WITHDRAWAL_MINIMUM", &s.WithdrawalMinimum},
	}
	for _, v := range amounts {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		if *v.dst, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Settings{}, fmt.Errorf("invalid %s %q: %w", v.name, raw, err)
		}
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"COMP_INSTALLMENT_INTERVAL", &s.InstallmentInterval},
		{"COMP_INSTALLMENT_TIMEOUT", &s.InstallmentTimeout},
		{"COMP_INSTALLMENT_JOB_INTERVAL", &s.InstallmentJobInterval},
		{"COMP_RECONCILE_JOB_INTERVAL", &s.ReconcileJobInterval},
		{"COMP_LEASE_TTL", &s.LeaseTTL},
	}
	for _, v := range durations {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		if *v.dst, err = time.ParseDuration(raw); err != nil {
			return Settings{}, fmt.Errorf("invalid %s %q: %w", v.name, raw, err)
		}
	}
	rates := []struct {
		name string
		dst  *[]decimal.Decimal
	}{
		{"COMP_COMMISSION_RATES", &s.CommissionRates},
		{"COMP_JOINING_RATES", &s.JoiningRates},
		{"COMP_POOL_LEVEL_SHARES", &s.PoolLevelShares},
	}
	for _, v := range rates {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		if *v.dst, err = commission.ParseRates(splitList(raw)); err != nil {
			return Settings{}, fmt.Errorf("invalid %s: %w", v.name, err)
		}
	}
	if raw := os.Getenv("COMP_POOL_COMPANY_SHARE"); raw != "" {
		if s.PoolCompanyShare, err = decimal.NewFromString(raw); err != nil {
			return Settings{}, fmt.Errorf("invalid COMP_POOL_COMPANY_SHARE %q: %w", raw, err)
		}
	}
	if raw := os.Getenv("COMP_WITHDRAWAL_METHODS"); raw != "" {
		s.WithdrawalMethods = splitList(raw)
	}
	s.InactivePolicy = commission.InactivePolicy(os.Getenv("COMP_INACTIVE_POLICY"))
	s.PoolEmptyLevelPolicy = pool.EmptyLevelPolicy(os.Getenv("COMP_POOL_EMPTY_LEVEL_POLICY"))
	s.WithdrawalHoldPolicy = withdrawal.HoldPolicy(os.Getenv("COMP_WITHDRAWAL_HOLD_POLICY"))
	return s, nil
}

func envInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
