// Package ledger is the only writer of wallet balances. Every balance change
// is an immutable, uniquely referenced ledger entry posted in the same
// transaction as the cached users.wallet_balance update.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type EntryType string

const (
	TypeCommission       EntryType = "commission"
	TypePoolDistribution EntryType = "pool_distribution"
	TypeSelfIncome       EntryType = "self_income"
	TypeWithdrawal       EntryType = "withdrawal"
	TypeManualPlacement  EntryType = "manual_placement"
	TypeAdjustment       EntryType = "adjustment"
)

func (t EntryType) Valid() bool {
	switch t {
	case TypeCommission, TypePoolDistribution, TypeSelfIncome, TypeWithdrawal, TypeManualPlacement, TypeAdjustment:
		return true
	}
	return false
}

// Entry is a balance change to post. Amount is signed minor units.
type Entry struct {
	UserID      int64
	Type        EntryType
	Amount      int64
	Description string
	Ref         string
	Metadata    map[string]any
}

func (e Entry) validate() error {
	if e.Amount == 0 {
		return apperr.Wrapf(apperr.ErrInvalidAmount, "ledger entry %q has zero amount", e.Ref)
	}
	if e.Ref == "" {
		return apperr.Wrapf(apperr.ErrInvalidInput, "ledger entry ref is required")
	}
	if !e.Type.Valid() {
		return apperr.Wrapf(apperr.ErrInvalidInput, "unknown ledger entry type %q", e.Type)
	}
	return nil
}

// Posted is an entry as written, with the wallet balance it produced.
type Posted struct {
	ID           int64
	Ref          string
	UserID       int64
	Amount       int64
	BalanceAfter int64
	CreatedAt    time.Time
}

// LedgerEntry is a stored ledger row.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Type        EntryType       `json:"type"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Ref         string          `json:"ref"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Wallet is the locked view of a user's balance.
type Wallet struct {
	UserID       int64   `json:"user_id"`
	Balance      int64   `json:"balance"`
	Frozen       bool    `json:"frozen"`
	FrozenReason *string `json:"frozen_reason,omitempty"`
}

type StoreConfig struct {
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Clock   clockwork.Clock
	Alerter alert.Notifier

	// ReconcileConcurrency bounds ReconcileAll fan-out.
	ReconcileConcurrency int
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
	if cfg.Alerter == nil {
		cfg.Alerter = alert.Log{Logger: cfg.Logger}
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 8
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

// LockWallet row-locks the user for the rest of tx. Every balance-affecting
// workflow takes this lock before reading the balance it decides on.
func (s *Store) LockWallet(ctx context.Context, tx pgx.Tx, userID int64) (Wallet, error) {
	w := Wallet{UserID: userID}
	err := tx.QueryRow(ctx, `
		SELECT wallet_balance, ledger_frozen, frozen_reason FROM users WHERE id = $1 FOR UPDATE
	`, userID).Scan(&w.Balance, &w.Frozen, &w.FrozenReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, apperr.Wrapf(apperr.ErrUserNotFound, "user %d", userID)
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to lock wallet %d: %w", userID, err)
	}
	return w, nil
}

// Post appends e to the ledger and applies it to the cached balance inside
// tx. A ref that was already applied returns ErrDuplicateRef and leaves tx
// usable.
func (s *Store) Post(ctx context.Context, tx pgx.Tx, e Entry) (Posted, error) {
	if err := e.validate(); err != nil {
		return Posted{}, err
	}

	w, err := s.LockWallet(ctx, tx, e.UserID)
	if err != nil {
		return Posted{}, err
	}
	if w.Frozen {
		return Posted{}, apperr.Wrapf(apperr.ErrLedgerFrozen, "user %d", e.UserID)
	}
	if e.Amount < 0 && w.Balance+e.Amount < 0 {
		return Posted{}, apperr.Wrapf(apperr.ErrInsufficientBalance, "user %d has %d, needs %d", e.UserID, w.Balance, -e.Amount)
	}

	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return Posted{}, fmt.Errorf("failed to encode ledger metadata: %w", err)
		}
	}

	now := s.cfg.Clock.Now()
	p := Posted{Ref: e.Ref, UserID: e.UserID, Amount: e.Amount}
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, type, amount, description, ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ref) DO NOTHING
		RETURNING id, created_at
	`, e.UserID, string(e.Type), e.Amount, e.Description, e.Ref, metadata, now).Scan(&p.ID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Posted{}, apperr.Wrapf(apperr.ErrDuplicateRef, "%s", e.Ref)
	}
	if err != nil {
		return Posted{}, fmt.Errorf("failed to insert ledger entry %s: %w", e.Ref, err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE users SET wallet_balance = wallet_balance + $2, updated_at = $3
		WHERE id = $1
		RETURNING wallet_balance
	`, e.UserID, e.Amount, now).Scan(&p.BalanceAfter)
	if err != nil {
		return Posted{}, fmt.Errorf("failed to update wallet %d: %w", e.UserID, err)
	}

	s.log.Debug("ledger: entry posted", "ref", e.Ref, "user_id", e.UserID, "type", e.Type, "amount", e.Amount, "balance", p.BalanceAfter)
	return p, nil
}

// Balance returns the cached wallet balance.
func (s *Store) Balance(ctx context.Context, userID int64) (Wallet, error) {
	w := Wallet{UserID: userID}
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT wallet_balance, ledger_frozen, frozen_reason FROM users WHERE id = $1
	`, userID).Scan(&w.Balance, &w.Frozen, &w.FrozenReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, apperr.Wrapf(apperr.ErrUserNotFound, "user %d", userID)
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to read wallet %d: %w", userID, err)
	}
	return w, nil
}

const entryColumns = `id, user_id, type, amount, description, ref, metadata, created_at`

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	var typ string
	err := row.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &e.Description, &e.Ref, &e.Metadata, &e.CreatedAt)
	e.Type = EntryType(typ)
	return e, err
}

// History returns a page of the user's entries, newest first, and the
// user's total entry count.
func (s *Store) History(ctx context.Context, userID int64, limit, offset int) ([]LedgerEntry, int, error) {
	var total int
	if err := s.cfg.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, total, nil
}

// EntryByRef loads a single entry through q.
func (s *Store) EntryByRef(ctx context.Context, q pg.Querier, ref string) (LedgerEntry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, apperr.Wrapf(apperr.ErrEntryNotFound, "%s", ref)
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to load ledger entry %s: %w", ref, err)
	}
	return e, nil
}
