// Package handlers serves the compensation engine's JSON API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// AdminHeader carries the acting admin's id. It is set by the authenticating
// proxy in front of the engine.
const AdminHeader = "X-Admin-ID"

type Config struct {
	Logger *slog.Logger
	Engine *engine.Engine
	// PurchaseLimiter throttles the purchase event endpoint per client.
	PurchaseLimiter *RateLimiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.PurchaseLimiter == nil {
		cfg.PurchaseLimiter = NewRateLimiter(rate.Every(time.Minute/600), 50)
	}
	return nil
}

type Handlers struct {
	log *slog.Logger
	cfg Config
	eng *engine.Engine
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{log: cfg.Logger, cfg: cfg, eng: cfg.Engine}, nil
}

// Limiter returns the purchase rate limiter so its sweeper can be run.
func (h *Handlers) Limiter() *RateLimiter { return h.cfg.PurchaseLimiter }

// Routes mounts the API under /api/v1 on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(RateLimitMiddleware(h.cfg.PurchaseLimiter)).Post("/purchases", h.RecordPurchase)
		r.Post("/users", h.CreateUser)
		r.Post("/withdrawals", h.CreateWithdrawal)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/wallet", h.GetWallet)
			r.Get("/ledger", h.GetLedger)
			r.Get("/installments", h.GetInstallments)
			r.Get("/downline", h.GetDownline)
			r.Get("/withdrawals", h.GetUserWithdrawals)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminMiddleware)
			r.Post("/placements", h.ManualPlace)
			r.Post("/matrix-slots", h.AllocateMatrixSlot)
			r.Get("/matrix-slots", h.GetMatrixOccupancy)
			r.Post("/reparent", h.Reparent)
			r.Post("/kyc", h.SetKYC)
			r.Post("/users/{id}/unfreeze", h.UnfreezeLedger)

			r.Post("/distributions", h.DistributePool)
			r.Get("/distributions", h.ListDistributions)
			r.Get("/distributions/{periodStart}", h.GetDistribution)

			r.Get("/withdrawals/pending", h.PendingWithdrawals)
			r.Post("/withdrawals/{id}/resolve", h.ResolveWithdrawal)

			r.Post("/installments/schedule", h.ScheduleInstallments)
			r.Post("/installments/process", h.ProcessInstallments)
			r.Post("/installments/{id}/requeue", h.RequeueInstallment)
			r.Get("/installments/failures", h.TerminalFailures)

			r.Post("/reconcile", h.Reconcile)
			r.Get("/audit", h.ListAudit)
		})
	})
}

type adminKey struct{}

// AdminMiddleware rejects requests without a valid admin id header.
func AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(AdminHeader), 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: AdminHeader + " header is required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, id)))
	})
}

// AdminFromContext returns the admin id set by AdminMiddleware.
func AdminFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(adminKey{}).(int64)
	return id
}
