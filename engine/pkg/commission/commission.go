// Package commission credits upline ancestors for qualifying purchases.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/sponsorship"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// InactivePolicy decides what happens to the share of an ancestor that
// cannot receive it.
type InactivePolicy string

const (
	// PolicyForfeit drops the share. Later ancestors still earn their own
	// level rate.
	PolicyForfeit InactivePolicy = "forfeit"
	// PolicyRollUp adds the share to the next eligible ancestor's credit.
	PolicyRollUp InactivePolicy = "roll_up"
)

type Type string

const (
	TypeJoining         Type = "joining"
	TypeRepurchase      Type = "repurchase"
	TypeManualPlacement Type = "manual_placement"
)

func (t Type) ledgerType() ledger.EntryType {
	if t == TypeManualPlacement {
		return ledger.TypeManualPlacement
	}
	return ledger.TypeCommission
}

// Purchase sources. Only SourceOrder counts toward turnover pool revenue.
const (
	SourceOrder           = "order"
	SourceManualPlacement = "manual_placement"
)

// Forfeit reasons.
const (
	ReasonInactive     = "inactive"
	ReasonLedgerFrozen = "ledger_frozen"
)

// DefaultRates is the per-level rate table for levels 1 through 5.
var DefaultRates = []decimal.Decimal{
	decimal.RequireFromString("0.10"),
	decimal.RequireFromString("0.05"),
	decimal.RequireFromString("0.03"),
	decimal.RequireFromString("0.02"),
	decimal.RequireFromString("0.01"),
}

type Config struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Clock    clockwork.Clock
	Ledger   *ledger.Store
	Graph    *sponsorship.Store
	Accounts *accounts.Store

	// Rates applies to repurchases, JoiningRates to joining orders. Index i
	// is level i+1; missing levels earn nothing.
	Rates          []decimal.Decimal
	JoiningRates   []decimal.Decimal
	InactivePolicy InactivePolicy
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Ledger == nil || cfg.Graph == nil || cfg.Accounts == nil {
		return errors.New("ledger, graph and accounts stores are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.Rates) == 0 {
		cfg.Rates = DefaultRates
	}
	if len(cfg.JoiningRates) == 0 {
		cfg.JoiningRates = cfg.Rates
	}
	for name, rates := range map[string][]decimal.Decimal{"rates": cfg.Rates, "joining rates": cfg.JoiningRates} {
		if err := validateRates(rates); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch cfg.InactivePolicy {
	case "":
		cfg.InactivePolicy = PolicyForfeit
	case PolicyForfeit, PolicyRollUp:
	default:
		return fmt.Errorf("unknown inactive ancestor policy %q", cfg.InactivePolicy)
	}
	return nil
}

func validateRates(rates []decimal.Decimal) error {
	if len(rates) > sponsorship.MaxDepth {
		return fmt.Errorf("%d levels configured, at most %d supported", len(rates), sponsorship.MaxDepth)
	}
	one := decimal.NewFromInt(1)
	for i, r := range rates {
		if r.IsNegative() || r.GreaterThan(one) {
			return fmt.Errorf("level %d rate %s not in [0, 1]", i+1, r)
		}
		if i > 0 && r.GreaterThan(rates[i-1]) {
			return fmt.Errorf("level %d rate %s exceeds level %d rate %s", i+1, r, i, rates[i-1])
		}
	}
	return nil
}

// ParseRates parses per-level rates given as decimal strings such as "0.10".
func ParseRates(s []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(s))
	for _, v := range s {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q: %w", v, err)
		}
		out = append(out, d)
	}
	return out, nil
}

type Purchase struct {
	BuyerID        int64     `json:"buyer_id"`
	PurchaseRef    string    `json:"purchase_ref"`
	BaseAmount     int64     `json:"base_amount"`
	IsJoiningOrder bool      `json:"is_joining_order"`
	PaidAt         time.Time `json:"paid_at"`
}

type Credit struct {
	RecipientID int64  `json:"recipient_id"`
	Level       int    `json:"level"`
	Amount      int64  `json:"amount"`
	LedgerRef   string `json:"ledger_ref"`
}

type Forfeit struct {
	AncestorID int64  `json:"ancestor_id"`
	Level      int    `json:"level"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

type Result struct {
	PurchaseRef string    `json:"purchase_ref"`
	BuyerID     int64     `json:"buyer_id"`
	BaseAmount  int64     `json:"base_amount"`
	Type        Type      `json:"type"`
	Credits     []Credit  `json:"credits"`
	Forfeits    []Forfeit `json:"forfeits"`
	Total       int64     `json:"total"`
	// Replayed is set when the purchase ref was already processed; Credits
	// then holds the stored commissions and nothing was posted.
	Replayed bool `json:"replayed"`
}

type Calculator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{log: cfg.Logger, cfg: cfg}, nil
}

// OnQualifyingPurchase credits the buyer's upline once per purchase ref.
func (c *Calculator) OnQualifyingPurchase(ctx context.Context, p Purchase) (Result, error) {
	typ := TypeRepurchase
	if p.IsJoiningOrder {
		typ = TypeJoining
	}
	var res Result
	err := pg.WithTx(ctx, c.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		res, err = c.CreditTx(ctx, tx, p, typ, SourceOrder)
		return err
	})
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if res.Replayed {
		metrics.PurchasesTotal.WithLabelValues("replayed").Inc()
		return res, nil
	}
	metrics.PurchasesTotal.WithLabelValues("credited").Inc()
	for _, cr := range res.Credits {
		metrics.CommissionCreditsTotal.WithLabelValues(string(typ), strconv.Itoa(cr.Level)).Inc()
	}
	for _, f := range res.Forfeits {
		metrics.CommissionForfeitsTotal.WithLabelValues(f.Reason).Inc()
	}
	return res, nil
}

// CreditTx records the purchase and posts its commissions inside tx. source
// is stored on the purchase row.
func (c *Calculator) CreditTx(ctx context.Context, tx pgx.Tx, p Purchase, typ Type, source string) (Result, error) {
	if p.BuyerID <= 0 || p.PurchaseRef == "" {
		return Result{}, apperr.Wrapf(apperr.ErrInvalidInput, "buyer id and purchase ref are required")
	}
	if p.BaseAmount <= 0 {
		return Result{}, apperr.Wrapf(apperr.ErrInvalidAmount, "base amount %d", p.BaseAmount)
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = c.cfg.Clock.Now()
	}

	if _, err := c.cfg.Accounts.Get(ctx, tx, p.BuyerID); err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return Result{}, apperr.Wrapf(apperr.ErrBuyerNotFound, "buyer %d", p.BuyerID)
		}
		return Result{}, err
	}

	var inserted string
	err := tx.QueryRow(ctx, `
		INSERT INTO qualifying_purchases (purchase_ref, buyer_id, base_amount, is_joining_order, source, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (purchase_ref) DO NOTHING
		RETURNING purchase_ref
	`, p.PurchaseRef, p.BuyerID, p.BaseAmount, p.IsJoiningOrder, source, p.PaidAt, c.cfg.Clock.Now()).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return c.replay(ctx, tx, p, typ)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to record purchase %s: %w", p.PurchaseRef, err)
	}

	if _, err := c.cfg.Accounts.Activate(ctx, tx, p.BuyerID); err != nil {
		return Result{}, err
	}

	edges, err := c.cfg.Graph.Ancestors(ctx, tx, p.BuyerID)
	if err != nil {
		return Result{}, err
	}
	eligibility, err := c.eligibility(ctx, tx, edges)
	if err != nil {
		return Result{}, err
	}

	rates := c.cfg.Rates
	if p.IsJoiningOrder {
		rates = c.cfg.JoiningRates
	}
	base := decimal.NewFromInt(p.BaseAmount)

	res := Result{
		PurchaseRef: p.PurchaseRef,
		BuyerID:     p.BuyerID,
		BaseAmount:  p.BaseAmount,
		Type:        typ,
		Credits:     []Credit{},
		Forfeits:    []Forfeit{},
	}
	var carried int64
	for _, e := range edges {
		if e.Level > len(rates) {
			break
		}
		rate := rates[e.Level-1]
		share := base.Mul(rate).Floor().IntPart()

		reason := eligibility[e.AncestorID]
		if reason != "" {
			res.Forfeits = append(res.Forfeits, Forfeit{AncestorID: e.AncestorID, Level: e.Level, Amount: share, Reason: reason})
			if c.cfg.InactivePolicy == PolicyRollUp {
				carried += share
			}
			continue
		}

		amount := share + carried
		if amount == 0 {
			continue
		}
		ref := fmt.Sprintf("COMM_%s_%d", p.PurchaseRef, e.Level)
		_, err := c.cfg.Ledger.Post(ctx, tx, ledger.Entry{
			UserID:      e.AncestorID,
			Type:        typ.ledgerType(),
			Amount:      amount,
			Description: fmt.Sprintf("level %d %s commission on %s", e.Level, typ, p.PurchaseRef),
			Ref:         ref,
			Metadata: map[string]any{
				"purchase_ref": p.PurchaseRef,
				"buyer_id":     p.BuyerID,
				"level":        e.Level,
				"rate":         rate.String(),
				"rolled_up":    carried,
			},
		})
		switch {
		case errors.Is(err, apperr.ErrLedgerFrozen):
			// Frozen between the eligibility read and the post.
			res.Forfeits = append(res.Forfeits, Forfeit{AncestorID: e.AncestorID, Level: e.Level, Amount: share, Reason: ReasonLedgerFrozen})
			if c.cfg.InactivePolicy == PolicyRollUp {
				carried += share
			}
			continue
		case err != nil:
			return Result{}, err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO commissions (recipient_user_id, from_user_id, purchase_ref, level, amount, type, ledger_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.AncestorID, p.BuyerID, p.PurchaseRef, e.Level, amount, string(typ), ref, c.cfg.Clock.Now()); err != nil {
			return Result{}, fmt.Errorf("failed to record commission %s: %w", ref, err)
		}
		res.Credits = append(res.Credits, Credit{RecipientID: e.AncestorID, Level: e.Level, Amount: amount, LedgerRef: ref})
		res.Total += amount
		carried = 0
	}

	for _, f := range res.Forfeits {
		c.log.Info("commission: share forfeited", "purchase_ref", p.PurchaseRef, "ancestor_id", f.AncestorID,
			"level", f.Level, "amount", f.Amount, "reason", f.Reason, "policy", c.cfg.InactivePolicy)
	}
	c.log.Info("commission: purchase credited", "purchase_ref", p.PurchaseRef, "buyer_id", p.BuyerID, "type", typ,
		"credits", len(res.Credits), "total", res.Total)
	return res, nil
}

// eligibility maps each ancestor that cannot receive to the reason why.
func (c *Calculator) eligibility(ctx context.Context, tx pgx.Tx, edges []sponsorship.Edge) (map[int64]string, error) {
	out := make(map[int64]string, len(edges))
	if len(edges) == 0 {
		return out, nil
	}
	ids := make([]int64, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.AncestorID)
	}
	rows, err := tx.Query(ctx, `SELECT id, is_active, ledger_frozen FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load ancestor status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var active, frozen bool
		if err := rows.Scan(&id, &active, &frozen); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor status: %w", err)
		}
		switch {
		case !active:
			out[id] = ReasonInactive
		case frozen:
			out[id] = ReasonLedgerFrozen
		}
	}
	return out, rows.Err()
}

func (c *Calculator) replay(ctx context.Context, tx pgx.Tx, p Purchase, typ Type) (Result, error) {
	var buyerID, base int64
	err := tx.QueryRow(ctx, `
		SELECT buyer_id, base_amount FROM qualifying_purchases WHERE purchase_ref = $1
	`, p.PurchaseRef).Scan(&buyerID, &base)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load purchase %s: %w", p.PurchaseRef, err)
	}
	if buyerID != p.BuyerID {
		return Result{}, apperr.Wrapf(apperr.ErrPurchaseRefConflict, "%s belongs to buyer %d", p.PurchaseRef, buyerID)
	}

	credits, err := c.ForPurchase(ctx, tx, p.PurchaseRef)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		PurchaseRef: p.PurchaseRef,
		BuyerID:     buyerID,
		BaseAmount:  base,
		Type:        typ,
		Credits:     credits,
		Forfeits:    []Forfeit{},
		Replayed:    true,
	}
	for _, cr := range credits {
		res.Total += cr.Amount
	}
	c.log.Debug("commission: purchase replayed", "purchase_ref", p.PurchaseRef, "credits", len(credits))
	return res, nil
}

// ForPurchase returns the commissions stored for a purchase in level order.
func (c *Calculator) ForPurchase(ctx context.Context, q pg.Querier, purchaseRef string) ([]Credit, error) {
	rows, err := q.Query(ctx, `
		SELECT recipient_user_id, level, amount, ledger_ref FROM commissions
		WHERE purchase_ref = $1
		ORDER BY level
	`, purchaseRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query commissions for %s: %w", purchaseRef, err)
	}
	credits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Credit, error) {
		var cr Credit
		err := row.Scan(&cr.RecipientID, &cr.Level, &cr.Amount, &cr.LedgerRef)
		return cr, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan commissions for %s: %w", purchaseRef, err)
	}
	return credits, nil
}
