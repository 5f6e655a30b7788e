package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compensation_engine_build_info",
			Help: "Build information of the compensation engine",
		},
		[]string{"version", "commit", "date"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "status"},
	)

	JobRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compensation_engine_job_run_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"job"},
	)

	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_purchases_total",
			Help: "Qualifying purchases handled by the commission calculator",
		},
		[]string{"status"}, // "credited", "replayed", "error"
	)

	CommissionCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_commission_credits_total",
			Help: "Commission credits posted to the ledger",
		},
		[]string{"type", "level"},
	)

	CommissionForfeitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_commission_forfeits_total",
			Help: "Commission shares not paid because the ancestor was ineligible",
		},
		[]string{"reason"},
	)

	PlacementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_placements_total",
			Help: "Sponsorship placements and matrix allocations",
		},
		[]string{"kind", "status"}, // kind: "sponsor", "matrix", "reparent"
	)

	PoolCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_pool_credits_total",
			Help: "Turnover pool allocation credit attempts",
		},
		[]string{"status"}, // "credited", "skipped", "failed"
	)

	InstallmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_installments_total",
			Help: "Self income installment settlement outcomes",
		},
		[]string{"status"}, // "paid", "failed", "terminal"
	)

	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_withdrawals_total",
			Help: "Withdrawal request transitions",
		},
		[]string{"status"}, // "requested", "approved", "rejected"
	)

	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_reconciliations_total",
			Help: "Wallet reconciliation checks",
		},
		[]string{"status"}, // "consistent", "violation", "error"
	)
)
