// Package accounts owns the user rows that compensation rules gate on:
// referral codes, activation, KYC approval and matrix slot.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/utils/pkg/dberror"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type User struct {
	ID             int64      `json:"id"`
	ReferralCode   string     `json:"referral_code"`
	SponsorID      *int64     `json:"sponsor_id,omitempty"`
	MatrixLevel    *int       `json:"matrix_level,omitempty"`
	MatrixPosition *int       `json:"matrix_position,omitempty"`
	IsActive       bool       `json:"is_active"`
	IsKYCApproved  bool       `json:"is_kyc_approved"`
	WalletBalance  int64      `json:"wallet_balance"`
	LedgerFrozen   bool       `json:"ledger_frozen"`
	PlacedAt       *time.Time `json:"placed_at,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

const userColumns = `id, referral_code, sponsor_id, matrix_level, matrix_position, is_active,
	is_kyc_approved, wallet_balance, ledger_frozen, placed_at, activated_at, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ReferralCode, &u.SponsorID, &u.MatrixLevel, &u.MatrixPosition, &u.IsActive,
		&u.IsKYCApproved, &u.WalletBalance, &u.LedgerFrozen, &u.PlacedAt, &u.ActivatedAt, &u.CreatedAt)
	return u, err
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// Pool returns the store's connection pool for callers that read outside a
// transaction.
func (s *Store) Pool() *pgxpool.Pool {
	return s.cfg.Pool
}

type NewUser struct {
	// ReferralCode is generated when empty.
	ReferralCode string
}

// Create registers a user. Referral codes are unique case-insensitively.
func (s *Store) Create(ctx context.Context, nu NewUser) (User, error) {
	return s.CreateTx(ctx, s.cfg.Pool, nu)
}

// CreateTx is Create through q.
func (s *Store) CreateTx(ctx context.Context, q pg.Querier, nu NewUser) (User, error) {
	code := strings.ToUpper(strings.TrimSpace(nu.ReferralCode))
	if code == "" {
		code = "U" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
	}
	if _, err := strconv.ParseInt(code, 10, 64); err == nil {
		return User{}, apperr.Wrapf(apperr.ErrInvalidInput, "referral code %q must not be purely numeric", code)
	}

	now := s.cfg.Clock.Now()
	u, err := scanUser(q.QueryRow(ctx, `
		INSERT INTO users (referral_code, created_at, updated_at)
		VALUES ($1, $2, $2)
		RETURNING `+userColumns, code, now))
	if err != nil {
		if dberror.IsUniqueViolation(err) {
			return User{}, apperr.Wrapf(apperr.ErrReferralCodeTaken, "%s", code)
		}
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	s.log.Debug("accounts: user created", "user_id", u.ID, "referral_code", u.ReferralCode)
	return u, nil
}

// Get loads a user through q.
func (s *Store) Get(ctx context.Context, q pg.Querier, id int64) (User, error) {
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.Wrapf(apperr.ErrUserNotFound, "user %d", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return u, nil
}

// GetForUpdate loads and row-locks a user inside tx.
func (s *Store) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (User, error) {
	u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.Wrapf(apperr.ErrUserNotFound, "user %d", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to lock user %d: %w", id, err)
	}
	return u, nil
}

// ResolveSponsor finds a sponsor by numeric id or referral code.
func (s *Store) ResolveSponsor(ctx context.Context, q pg.Querier, idOrCode string) (User, error) {
	ref := strings.TrimSpace(idOrCode)
	if ref == "" {
		return User{}, apperr.Wrapf(apperr.ErrSponsorNotFound, "empty sponsor reference")
	}

	var row pgx.Row
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		row = q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	} else {
		row = q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE UPPER(referral_code) = UPPER($1)`, ref)
	}
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.Wrapf(apperr.ErrSponsorNotFound, "%q", ref)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to resolve sponsor %q: %w", ref, err)
	}
	return u, nil
}

// Activate marks the user active. It reports whether the flag changed.
func (s *Store) Activate(ctx context.Context, q pg.Querier, id int64) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE users SET is_active = TRUE, activated_at = $2, updated_at = $2
		WHERE id = $1 AND NOT is_active
	`, id, s.cfg.Clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to activate user %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Deactivate suspends a user. Inactive users receive no commissions or pool
// shares until reactivated by a qualifying purchase.
func (s *Store) Deactivate(ctx context.Context, q pg.Querier, id int64) error {
	tag, err := q.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = $2 WHERE id = $1`, id, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to deactivate user %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Wrapf(apperr.ErrUserNotFound, "user %d", id)
	}
	return nil
}

// SetKYCApproval records the identity verification outcome from the KYC
// collaborator.
func (s *Store) SetKYCApproval(ctx context.Context, q pg.Querier, id int64, approved bool) error {
	tag, err := q.Exec(ctx, `UPDATE users SET is_kyc_approved = $2, updated_at = $3 WHERE id = $1`, id, approved, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to update kyc for user %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Wrapf(apperr.ErrUserNotFound, "user %d", id)
	}
	return nil
}
