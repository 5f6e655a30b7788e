package handlers

import (
	"net/http"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/installment"
	"github.com/cartnet/compensation/engine/pkg/sponsorship"
	"github.com/cartnet/compensation/engine/pkg/withdrawal"
	"github.com/go-chi/chi/v5"
)

func (h *Handlers) ManualPlace(w http.ResponseWriter, r *http.Request) {
	var req engine.ManualPlacement
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	req.AdminID = AdminFromContext(r.Context())
	res, err := h.eng.ManualPlace(r.Context(), req)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type matrixSlotRequest struct {
	UserID int64 `json:"user_id"`
	Level  int   `json:"level"`
}

func (h *Handlers) AllocateMatrixSlot(w http.ResponseWriter, r *http.Request) {
	var req matrixSlotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	slot, err := h.eng.AllocateMatrixSlot(r.Context(), AdminFromContext(r.Context()), req.UserID, req.Level)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (h *Handlers) GetMatrixOccupancy(w http.ResponseWriter, r *http.Request) {
	levels, err := h.eng.Graph.LevelOccupancy(r.Context())
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": levels})
}

type reparentRequest struct {
	UserID     int64  `json:"user_id"`
	NewSponsor string `json:"new_sponsor"`
	Reason     string `json:"reason"`
}

func (h *Handlers) Reparent(w http.ResponseWriter, r *http.Request) {
	var req reparentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	p, err := h.eng.Reparent(r.Context(), sponsorship.ReparentRequest{
		UserID:     req.UserID,
		NewSponsor: req.NewSponsor,
		AdminID:    AdminFromContext(r.Context()),
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type kycRequest struct {
	UserID   int64 `json:"user_id"`
	Approved bool  `json:"approved"`
}

func (h *Handlers) SetKYC(w http.ResponseWriter, r *http.Request) {
	var req kycRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if err := h.eng.SetKYC(r.Context(), AdminFromContext(r.Context()), req.UserID, req.Approved); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type unfreezeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) UnfreezeLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	var req unfreezeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if err := h.eng.UnfreezeLedger(r.Context(), AdminFromContext(r.Context()), id, req.Reason); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	wallet, err := h.eng.Ledger.Balance(r.Context(), id)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

type distributeRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (h *Handlers) DistributePool(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	res, err := h.eng.DistributePool(r.Context(), AdminFromContext(r.Context()), req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListDistributions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 20)
	dists, err := h.eng.Distributor.List(r.Context(), p.Limit, p.Offset)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": dists})
}

// GetDistribution accepts the period start as a date or an RFC 3339 time.
func (h *Handlers) GetDistribution(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "periodStart")
	start, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, h.log, r, apperr.Wrapf(apperr.ErrInvalidPeriod, "invalid period start %q", raw))
			return
		}
	}
	dist, err := h.eng.Distributor.Summary(r.Context(), start)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

func (h *Handlers) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, DefaultLimit)
	reqs, total, err := h.eng.Withdrawals.PendingQueue(r.Context(), p.Limit, p.Offset)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPaginatedResponse(reqs, total, p))
}

type resolveRequest struct {
	Action withdrawal.Action `json:"action"`
	Notes  string            `json:"notes"`
}

func (h *Handlers) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	res, err := h.eng.Withdrawals.ResolveRequest(r.Context(), id, req.Action, AdminFromContext(r.Context()), req.Notes)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ScheduleInstallments(w http.ResponseWriter, r *http.Request) {
	var req installment.ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	rows, err := h.eng.ScheduleInstallments(r.Context(), AdminFromContext(r.Context()), req)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"installments": rows})
}

type processRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

// ProcessInstallments runs one settlement pass, as of now unless as_of is
// given.
func (h *Handlers) ProcessInstallments(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	asOf := h.eng.Now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	res, err := h.eng.ProcessInstallments(r.Context(), AdminFromContext(r.Context()), asOf)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) RequeueInstallment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	inst, err := h.eng.RequeueInstallment(r.Context(), AdminFromContext(r.Context()), id)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handlers) TerminalFailures(w http.ResponseWriter, r *http.Request) {
	rows, err := h.eng.Installments.TerminalFailures(r.Context())
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installments": rows})
}

type reconcileRequest struct {
	UserID int64 `json:"user_id,omitempty"`
}

// Reconcile checks one wallet when user_id is set, every wallet otherwise.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	if req.UserID > 0 {
		rec, err := h.eng.Ledger.Reconcile(r.Context(), req.UserID)
		if err != nil {
			writeError(w, h.log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	sum, err := h.eng.RunReconcile(r.Context())
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	target, err := queryInt64(r, "target_user_id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	p := ParsePagination(r, DefaultLimit)
	entries, err := audit.List(r.Context(), h.eng.Accounts.Pool(), audit.Filter{
		TargetUserID: target,
		Action:       audit.Action(r.URL.Query().Get("action")),
		Limit:        p.Limit,
		Offset:       p.Offset,
	})
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
