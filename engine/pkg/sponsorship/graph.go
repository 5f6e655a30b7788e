// Package sponsorship maintains the versioned sponsorship edge table and the
// capacity-bounded matrix placement.
//
// Each user has at most one current edge per level (1..MaxDepth) pointing at
// the ancestor at that depth. Edges are never rewritten: a placement change
// stamps superseded_at on the old edges and inserts new ones with a higher
// version, so traversal reads a fixed number of rows and cannot loop.
package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// MaxDepth is the number of upline levels that earn commissions.
const MaxDepth = 5

type Edge struct {
	ID             int64      `json:"id"`
	DescendantID   int64      `json:"descendant_id"`
	AncestorID     int64      `json:"ancestor_id"`
	Level          int        `json:"level"`
	MatrixLevel    *int       `json:"matrix_level,omitempty"`
	MatrixPosition *int       `json:"matrix_position,omitempty"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty"`
}

const edgeColumns = `id, descendant_id, ancestor_id, level, matrix_level, matrix_position, version, created_at, superseded_at`

func scanEdges(rows pgx.Rows) ([]Edge, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Edge, error) {
		var e Edge
		err := row.Scan(&e.ID, &e.DescendantID, &e.AncestorID, &e.Level, &e.MatrixLevel, &e.MatrixPosition,
			&e.Version, &e.CreatedAt, &e.SupersededAt)
		return e, err
	})
}

// Placement is the graph change produced by placing or re-parenting a user.
type Placement struct {
	UserID     int64  `json:"user_id"`
	SponsorID  int64  `json:"sponsor_id"`
	Created    []Edge `json:"created"`
	Superseded []Edge `json:"superseded"`
}

type StoreConfig struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Clock    clockwork.Clock
	Accounts *accounts.Store
	Matrix   MatrixConfig
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Accounts == nil {
		return errors.New("accounts store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg.Matrix.Validate()
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

// PlaceUser attaches userID under the sponsor identified by numeric id or
// referral code.
func (s *Store) PlaceUser(ctx context.Context, userID int64, sponsorRef string) (Placement, error) {
	var p Placement
	err := pg.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		p, err = s.PlaceTx(ctx, tx, userID, sponsorRef)
		return err
	})
	if err != nil {
		metrics.PlacementsTotal.WithLabelValues("sponsor", apperr.CodeOf(err)).Inc()
		return Placement{}, err
	}
	metrics.PlacementsTotal.WithLabelValues("sponsor", "ok").Inc()
	return p, nil
}

// PlaceTx is PlaceUser inside a caller transaction.
func (s *Store) PlaceTx(ctx context.Context, tx pgx.Tx, userID int64, sponsorRef string) (Placement, error) {
	if err := pg.AdvisoryXactLock(ctx, tx, pg.LockSponsorship, 0); err != nil {
		return Placement{}, err
	}
	user, err := s.cfg.Accounts.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return Placement{}, err
	}
	if user.SponsorID != nil {
		return Placement{}, apperr.Wrapf(apperr.ErrAlreadyPlaced, "user %d already sponsored by %d", userID, *user.SponsorID)
	}
	sponsor, err := s.checkSponsor(ctx, tx, userID, sponsorRef)
	if err != nil {
		return Placement{}, err
	}

	now := s.cfg.Clock.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE users SET sponsor_id = $2, placed_at = $3, updated_at = $3 WHERE id = $1
	`, userID, sponsor.ID, now); err != nil {
		return Placement{}, fmt.Errorf("failed to set sponsor of %d: %w", userID, err)
	}

	p, err := s.rebuildUpline(ctx, tx, userID, sponsor.ID, now)
	if err != nil {
		return Placement{}, err
	}
	s.log.Info("sponsorship: user placed", "user_id", userID, "sponsor_id", sponsor.ID, "edges", len(p.Created))
	return p, nil
}

type ReparentRequest struct {
	UserID     int64
	NewSponsor string
	AdminID    int64
	Reason     string
}

// Reparent moves a placed user under a new sponsor.
func (s *Store) Reparent(ctx context.Context, req ReparentRequest) (Placement, error) {
	var p Placement
	err := pg.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		p, err = s.ReparentTx(ctx, tx, req)
		return err
	})
	if err != nil {
		metrics.PlacementsTotal.WithLabelValues("reparent", apperr.CodeOf(err)).Inc()
		return Placement{}, err
	}
	metrics.PlacementsTotal.WithLabelValues("reparent", "ok").Inc()
	return p, nil
}

// ReparentTx supersedes the user's upline and the affected levels of its
// downline, writes replacement edges and records the change in the audit
// log inside tx.
func (s *Store) ReparentTx(ctx context.Context, tx pgx.Tx, req ReparentRequest) (Placement, error) {
	if err := pg.AdvisoryXactLock(ctx, tx, pg.LockSponsorship, 0); err != nil {
		return Placement{}, err
	}
	user, err := s.cfg.Accounts.GetForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return Placement{}, err
	}
	if user.SponsorID == nil {
		return Placement{}, apperr.Wrapf(apperr.ErrNotPlaced, "user %d", req.UserID)
	}
	sponsor, err := s.checkSponsor(ctx, tx, req.UserID, req.NewSponsor)
	if err != nil {
		return Placement{}, err
	}
	if sponsor.ID == *user.SponsorID {
		return Placement{}, apperr.Wrapf(apperr.ErrInvalidSponsor, "user %d is already sponsored by %d", req.UserID, sponsor.ID)
	}

	now := s.cfg.Clock.Now()
	if _, err := tx.Exec(ctx, `UPDATE users SET sponsor_id = $2, updated_at = $3 WHERE id = $1`, req.UserID, sponsor.ID, now); err != nil {
		return Placement{}, fmt.Errorf("failed to set sponsor of %d: %w", req.UserID, err)
	}
	p, err := s.rebuildUpline(ctx, tx, req.UserID, sponsor.ID, now)
	if err != nil {
		return Placement{}, err
	}

	superseded := make([]int64, 0, len(p.Superseded))
	for _, e := range p.Superseded {
		superseded = append(superseded, e.ID)
	}
	target := req.UserID
	if _, err := audit.Write(ctx, tx, now, audit.Record{
		AdminID:      req.AdminID,
		Action:       audit.ActionReparent,
		TargetUserID: &target,
		Details: map[string]any{
			"previous_sponsor_id": *user.SponsorID,
			"new_sponsor_id":      sponsor.ID,
			"reason":              req.Reason,
			"superseded_edge_ids": superseded,
			"created_edges":       len(p.Created),
		},
	}); err != nil {
		return Placement{}, err
	}

	s.log.Info("sponsorship: user re-parented", "user_id", req.UserID, "from", *user.SponsorID, "to", sponsor.ID,
		"superseded", len(p.Superseded), "created", len(p.Created))
	return p, nil
}

// checkSponsor resolves the sponsor and rejects self-sponsorship, inactive
// sponsors and sponsors inside the user's own downline.
func (s *Store) checkSponsor(ctx context.Context, tx pgx.Tx, userID int64, sponsorRef string) (accounts.User, error) {
	sponsor, err := s.cfg.Accounts.ResolveSponsor(ctx, tx, sponsorRef)
	if err != nil {
		return accounts.User{}, err
	}
	if sponsor.ID == userID {
		return accounts.User{}, apperr.Wrapf(apperr.ErrInvalidSponsor, "user %d cannot sponsor itself", userID)
	}
	if !sponsor.IsActive {
		return accounts.User{}, apperr.Wrapf(apperr.ErrSponsorInactive, "sponsor %d", sponsor.ID)
	}

	var cycle bool
	err = tx.QueryRow(ctx, `
		WITH RECURSIVE chain (id) AS (
			SELECT $1::bigint
			UNION
			SELECT u.sponsor_id FROM users u JOIN chain c ON u.id = c.id WHERE u.sponsor_id IS NOT NULL
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE id = $2::bigint)
	`, sponsor.ID, userID).Scan(&cycle)
	if err != nil {
		return accounts.User{}, fmt.Errorf("failed to check sponsor chain: %w", err)
	}
	if cycle {
		return accounts.User{}, apperr.Wrapf(apperr.ErrInvalidSponsor, "sponsor %d is in the downline of %d", sponsor.ID, userID)
	}
	return sponsor, nil
}

// rebuildUpline rewrites the edges of userID and of its downline so that
// they reflect sponsorID as the user's direct sponsor.
func (s *Store) rebuildUpline(ctx context.Context, tx pgx.Tx, userID, sponsorID int64, now time.Time) (Placement, error) {
	p := Placement{UserID: userID, SponsorID: sponsorID, Created: []Edge{}, Superseded: []Edge{}}

	sponsorEdges, err := s.Ancestors(ctx, tx, sponsorID)
	if err != nil {
		return Placement{}, err
	}
	upline := []int64{sponsorID}
	for _, e := range sponsorEdges {
		if len(upline) == MaxDepth {
			break
		}
		upline = append(upline, e.AncestorID)
	}

	type member struct {
		id    int64
		depth int
	}
	members := []member{{id: userID, depth: 0}}
	rows, err := tx.Query(ctx, `
		SELECT descendant_id, level FROM hierarchy_edges
		WHERE ancestor_id = $1 AND level < $2 AND superseded_at IS NULL
		ORDER BY level, descendant_id
	`, userID, MaxDepth)
	if err != nil {
		return Placement{}, fmt.Errorf("failed to load downline of %d: %w", userID, err)
	}
	downline, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (member, error) {
		var m member
		err := row.Scan(&m.id, &m.depth)
		return m, err
	})
	if err != nil {
		return Placement{}, fmt.Errorf("failed to load downline of %d: %w", userID, err)
	}
	members = append(members, downline...)

	for _, m := range members {
		rows, err := tx.Query(ctx, `
			UPDATE hierarchy_edges SET superseded_at = $3
			WHERE descendant_id = $1 AND level > $2 AND superseded_at IS NULL
			RETURNING `+edgeColumns, m.id, m.depth, now)
		if err != nil {
			return Placement{}, fmt.Errorf("failed to supersede edges of %d: %w", m.id, err)
		}
		old, err := scanEdges(rows)
		if err != nil {
			return Placement{}, fmt.Errorf("failed to supersede edges of %d: %w", m.id, err)
		}
		p.Superseded = append(p.Superseded, old...)

		for j, ancestorID := range upline {
			level := m.depth + 1 + j
			if level > MaxDepth {
				break
			}
			rows, err := tx.Query(ctx, `
				INSERT INTO hierarchy_edges (descendant_id, ancestor_id, level, matrix_level, matrix_position, version, created_at)
				SELECT u.id, $2::bigint, $3::smallint, u.matrix_level, u.matrix_position,
					COALESCE((SELECT MAX(version) FROM hierarchy_edges WHERE descendant_id = $1::bigint AND level = $3::smallint), 0) + 1,
					$4::timestamptz
				FROM users u WHERE u.id = $1::bigint
				RETURNING `+edgeColumns, m.id, ancestorID, level, now)
			if err != nil {
				return Placement{}, fmt.Errorf("failed to insert edge %d->%d: %w", m.id, ancestorID, err)
			}
			created, err := scanEdges(rows)
			if err != nil {
				return Placement{}, fmt.Errorf("failed to insert edge %d->%d: %w", m.id, ancestorID, err)
			}
			p.Created = append(p.Created, created...)
		}
	}
	return p, nil
}

// Ancestors returns the current upline of userID in level order.
func (s *Store) Ancestors(ctx context.Context, q pg.Querier, userID int64) ([]Edge, error) {
	rows, err := q.Query(ctx, `
		SELECT `+edgeColumns+` FROM hierarchy_edges
		WHERE descendant_id = $1 AND superseded_at IS NULL
		ORDER BY level
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors of %d: %w", userID, err)
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ancestors of %d: %w", userID, err)
	}
	return edges, nil
}

// EdgeHistory returns every edge ever written for userID, superseded ones
// included.
func (s *Store) EdgeHistory(ctx context.Context, userID int64) ([]Edge, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+edgeColumns+` FROM hierarchy_edges
		WHERE descendant_id = $1
		ORDER BY level, version
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edge history of %d: %w", userID, err)
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan edge history of %d: %w", userID, err)
	}
	return edges, nil
}

type DownlineMember struct {
	UserID       int64  `json:"user_id"`
	ReferralCode string `json:"referral_code"`
	Level        int    `json:"level"`
	IsActive     bool   `json:"is_active"`
}

// Downline lists the users below userID down to maxLevel.
func (s *Store) Downline(ctx context.Context, userID int64, maxLevel int) ([]DownlineMember, error) {
	if maxLevel <= 0 || maxLevel > MaxDepth {
		maxLevel = MaxDepth
	}
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT u.id, u.referral_code, e.level, u.is_active
		FROM hierarchy_edges e
		JOIN users u ON u.id = e.descendant_id
		WHERE e.ancestor_id = $1 AND e.level <= $2 AND e.superseded_at IS NULL
		ORDER BY e.level, u.id
	`, userID, maxLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to query downline of %d: %w", userID, err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DownlineMember, error) {
		var m DownlineMember
		err := row.Scan(&m.UserID, &m.ReferralCode, &m.Level, &m.IsActive)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan downline of %d: %w", userID, err)
	}
	return members, nil
}
