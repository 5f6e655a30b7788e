package sponsorship

import (
	"context"
	"errors"
	"fmt"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/jackc/pgx/v5"
)

// MatrixConfig sizes the placement matrix. Level n holds Width^(n-1)
// positions.
type MatrixConfig struct {
	Width    int
	MaxLevel int
}

func (cfg *MatrixConfig) Validate() error {
	if cfg.Width < 0 || cfg.MaxLevel < 0 {
		return errors.New("matrix width and max level must not be negative")
	}
	if cfg.Width == 0 {
		cfg.Width = 2
	}
	if cfg.MaxLevel == 0 {
		cfg.MaxLevel = MaxDepth
	}
	return nil
}

// Capacity returns the number of positions at level.
func (cfg MatrixConfig) Capacity(level int) int {
	c := 1
	for i := 1; i < level; i++ {
		c *= cfg.Width
	}
	return c
}

type Slot struct {
	UserID   int64 `json:"user_id"`
	Level    int   `json:"level"`
	Position int   `json:"position"`
}

// AllocateMatrixSlot assigns userID the first open position at level.
func (s *Store) AllocateMatrixSlot(ctx context.Context, userID int64, level int) (Slot, error) {
	var slot Slot
	err := pg.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		slot, err = s.AllocateTx(ctx, tx, userID, level)
		return err
	})
	if err != nil {
		metrics.PlacementsTotal.WithLabelValues("matrix", apperr.CodeOf(err)).Inc()
		return Slot{}, err
	}
	metrics.PlacementsTotal.WithLabelValues("matrix", "ok").Inc()
	return slot, nil
}

// AllocateTx is AllocateMatrixSlot inside a caller transaction. Allocations
// on the same level serialize on a level-scoped advisory lock.
func (s *Store) AllocateTx(ctx context.Context, tx pgx.Tx, userID int64, level int) (Slot, error) {
	if level < 1 || level > s.cfg.Matrix.MaxLevel {
		return Slot{}, apperr.Wrapf(apperr.ErrInvalidLevel, "level %d not in 1..%d", level, s.cfg.Matrix.MaxLevel)
	}
	if err := pg.AdvisoryXactLock(ctx, tx, pg.LockMatrixLevel, int32(level)); err != nil {
		return Slot{}, err
	}

	user, err := s.cfg.Accounts.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return Slot{}, err
	}
	if user.MatrixLevel != nil {
		return Slot{}, apperr.Wrapf(apperr.ErrAlreadyPlaced, "user %d holds level %d position %d", userID, *user.MatrixLevel, *user.MatrixPosition)
	}

	rows, err := tx.Query(ctx, `
		SELECT matrix_position FROM users WHERE matrix_level = $1 ORDER BY matrix_position
	`, level)
	if err != nil {
		return Slot{}, fmt.Errorf("failed to scan level %d: %w", level, err)
	}
	occupied, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return Slot{}, fmt.Errorf("failed to scan level %d: %w", level, err)
	}

	position := 1
	for _, p := range occupied {
		if p != position {
			break
		}
		position++
	}
	capacity := s.cfg.Matrix.Capacity(level)
	if position > capacity {
		return Slot{}, apperr.Wrapf(apperr.ErrMatrixLevelFull, "level %d has %d of %d positions taken", level, len(occupied), capacity)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET matrix_level = $2, matrix_position = $3, updated_at = $4 WHERE id = $1
	`, userID, level, position, s.cfg.Clock.Now()); err != nil {
		return Slot{}, fmt.Errorf("failed to place user %d in matrix: %w", userID, err)
	}

	s.log.Info("sponsorship: matrix slot allocated", "user_id", userID, "level", level, "position", position)
	return Slot{UserID: userID, Level: level, Position: position}, nil
}

type Occupancy struct {
	Level    int `json:"level"`
	Capacity int `json:"capacity"`
	Occupied int `json:"occupied"`
}

// LevelOccupancy reports how full each matrix level is.
func (s *Store) LevelOccupancy(ctx context.Context) ([]Occupancy, error) {
	counts := make(map[int]int)
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT matrix_level, COUNT(*) FROM users WHERE matrix_level IS NOT NULL GROUP BY matrix_level
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count matrix levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan matrix level count: %w", err)
		}
		counts[level] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count matrix levels: %w", err)
	}

	out := make([]Occupancy, 0, s.cfg.Matrix.MaxLevel)
	for level := 1; level <= s.cfg.Matrix.MaxLevel; level++ {
		out = append(out, Occupancy{Level: level, Capacity: s.cfg.Matrix.Capacity(level), Occupied: counts[level]})
	}
	return out, nil
}
