package handlers

import (
	"net/http"
	"strconv"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/commission"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/withdrawal"
)

// RecordPurchase handles the paid-purchase event from the order system.
func (h *Handlers) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	var p commission.Purchase
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	res, err := h.eng.Commission.OnQualifyingPurchase(r.Context(), p)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req engine.Registration
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	res, err := h.eng.Register(r.Context(), req)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in withdrawal.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, r, err)
		return
	}
	req, err := h.eng.Withdrawals.CreateRequest(r.Context(), in)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetWallet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
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

func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	p := ParsePagination(r, DefaultLimit)
	entries, total, err := h.eng.Ledger.History(r.Context(), id, p.Limit, p.Offset)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPaginatedResponse[ledger.LedgerEntry](entries, total, p))
}

func (h *Handlers) GetInstallments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	rows, err := h.eng.Installments.Schedule(r.Context(), id)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installments": rows})
}

func (h *Handlers) GetDownline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	maxLevel := 0
	if raw := r.URL.Query().Get("max_level"); raw != "" {
		if maxLevel, err = strconv.Atoi(raw); err != nil {
			writeError(w, h.log, r, apperr.Wrapf(apperr.ErrInvalidInput, "invalid max_level %q", raw))
			return
		}
	}
	members, err := h.eng.Graph.Downline(r.Context(), id, maxLevel)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "members": members})
}

func (h *Handlers) GetUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	reqs, err := h.eng.Withdrawals.ListForUser(r.Context(), id)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": reqs})
}
