package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cartnet/compensation/api/handlers"
	apitesting "github.com/cartnet/compensation/api/testing"
	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/commission"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/pool"
	"github.com/cartnet/compensation/engine/pkg/withdrawal"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const adminID = "7"

type testAPI struct {
	eng    *engine.Engine
	router chi.Router
}

func newAPI(t *testing.T) *testAPI {
	t.Helper()
	eng, err := engine.New(engine.Config{
		Logger:   comptesting.NewLogger(),
		Pool:     apitesting.NewTestPool(t, testDB),
		Clock:    clockwork.NewFakeClockAt(epoch),
		Alerter:  &alert.Recorder{},
		Settings: engine.Settings{WithdrawalMinimum: 100},
	})
	require.NoError(t, err)

	h, err := handlers.New(handlers.Config{Logger: comptesting.NewLogger(), Engine: eng})
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Routes(r)
	return &testAPI{eng: eng, router: r}
}

func (a *testAPI) do(t *testing.T, method, path, admin string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin != "" {
		req.Header.Set(handlers.AdminHeader, admin)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (a *testAPI) activeUser(t *testing.T, code string) int64 {
	t.Helper()
	u, err := a.eng.Accounts.Create(t.Context(), accounts.NewUser{ReferralCode: code})
	require.NoError(t, err)
	_, err = a.eng.Accounts.Activate(t.Context(), a.eng.Accounts.Pool(), u.ID)
	require.NoError(t, err)
	return u.ID
}

func TestComp_API_AdminRequiresHeader(t *testing.T) {
	t.Parallel()
	api := newAPI(t)

	for _, admin := range []string{"", "abc", "0", "-3"} {
		rec := api.do(t, http.MethodGet, "/api/v1/admin/audit", admin, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "admin header %q", admin)
		require.Equal(t, "unauthorized", decode[handlers.ErrorResponse](t, rec).Error)
	}

	rec := api.do(t, http.MethodGet, "/api/v1/admin/audit", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestComp_API_ErrorStatus(t *testing.T) {
	t.Parallel()
	api := newAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/users/999/wallet", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "user_not_found", decode[handlers.ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodGet, "/api/v1/users/abc/wallet", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", decode[handlers.ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodPost, "/api/v1/purchases", "", map[string]any{"unknown": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/users", "", engine.Registration{ReferralCode: "ORPHAN", Sponsor: "NOBODY"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "sponsor_not_found", decode[handlers.ErrorResponse](t, rec).Error)
}

func TestComp_API_StatusFor(t *testing.T) {
	t.Parallel()
	require.Equal(t, http.StatusUnprocessableEntity, handlers.StatusFor(fmt.Errorf("create: %w", apperr.ErrKycNotApproved)))
	require.Equal(t, http.StatusConflict, handlers.StatusFor(apperr.ErrPeriodConflict))
	require.Equal(t, http.StatusInternalServerError, handlers.StatusFor(fmt.Errorf("boom")))
}

func TestComp_API_PurchaseAndWithdrawal(t *testing.T) {
	t.Parallel()
	api := newAPI(t)
	ctx := t.Context()

	sponsor := api.activeUser(t, "SPONSOR")
	require.NoError(t, api.eng.SetKYC(ctx, 1, sponsor, true))

	rec := api.do(t, http.MethodPost, "/api/v1/users", "", engine.Registration{ReferralCode: "BUYER", Sponsor: "SPONSOR"})
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decode[engine.RegistrationResult](t, rec)
	require.NotNil(t, reg.Placement)
	require.Equal(t, sponsor, reg.Placement.SponsorID)
	buyer := reg.User.ID

	purchase := commission.Purchase{BuyerID: buyer, PurchaseRef: "ORD-1", BaseAmount: 10000, PaidAt: epoch}
	rec = api.do(t, http.MethodPost, "/api/v1/purchases", "", purchase)
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decode[commission.Result](t, rec)
	require.Len(t, res.Credits, 1)
	require.Equal(t, int64(1000), res.Total)

	rec = api.do(t, http.MethodPost, "/api/v1/purchases", "", purchase)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[commission.Result](t, rec).Replayed)

	walletPath := "/api/v1/users/" + strconv.FormatInt(sponsor, 10) + "/wallet"
	rec = api.do(t, http.MethodGet, walletPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1000), decode[ledger.Wallet](t, rec).Balance)

	rec = api.do(t, http.MethodPost, "/api/v1/withdrawals", "", withdrawal.CreateInput{UserID: sponsor, Amount: 5000, Method: "upi"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "insufficient_balance", decode[handlers.ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodPost, "/api/v1/withdrawals", "", withdrawal.CreateInput{UserID: sponsor, Amount: 600, Method: "upi"})
	require.Equal(t, http.StatusCreated, rec.Code)
	wreq := decode[withdrawal.Request](t, rec)
	require.Equal(t, withdrawal.StatusPending, wreq.Status)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/withdrawals/pending", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[handlers.PaginatedResponse[withdrawal.Request]](t, rec)
	require.Equal(t, 1, pending.Total)

	resolvePath := fmt.Sprintf("/api/v1/admin/withdrawals/%d/resolve", wreq.ID)
	rec = api.do(t, http.MethodPost, resolvePath, adminID, map[string]string{"action": "approve", "notes": "paid"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, withdrawal.StatusApproved, decode[withdrawal.Request](t, rec).Status)

	rec = api.do(t, http.MethodPost, resolvePath, adminID, map[string]string{"action": "approve"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, walletPath, "", nil)
	require.Equal(t, int64(400), decode[ledger.Wallet](t, rec).Balance)

	rec = api.do(t, http.MethodGet, "/api/v1/users/"+strconv.FormatInt(sponsor, 10)+"/ledger?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[handlers.PaginatedResponse[ledger.LedgerEntry]](t, rec)
	require.Equal(t, 2, history.Total)
	require.Len(t, history.Items, 1)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/reconcile", adminID, map[string]int64{"user_id": sponsor})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[ledger.Reconciliation](t, rec).Consistent)
}

func TestComp_API_Distributions(t *testing.T) {
	t.Parallel()
	api := newAPI(t)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := api.do(t, http.MethodPost, "/api/v1/admin/distributions", adminID, map[string]time.Time{
		"period_start": day,
		"period_end":   day.AddDate(0, 0, 1),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pool.StatusCompleted, decode[pool.DistributionSummary](t, rec).Distribution.Status)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/distributions/2026-03-01", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pool.Ref(day), decode[pool.Distribution](t, rec).Ref)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/distributions/2026-02-01", adminID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/distributions/yesterday", adminID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/distributions", adminID, map[string]time.Time{
		"period_start": day,
		"period_end":   day,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_period", decode[handlers.ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/audit?action=pool_distribution", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
