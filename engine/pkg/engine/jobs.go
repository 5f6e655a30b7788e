package engine

import (
	"context"
	"time"

	"github.com/cartnet/compensation/engine/pkg/lock"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/settle"
)

const (
	JobInstallments = "installments"
	JobReconcile    = "reconcile"
)

// Start runs the periodic jobs until ctx is done. Each tick takes the job's
// lease first; a replica that misses the lease skips the tick. Wait blocks
// until the loops have exited.
func (e *Engine) Start(ctx context.Context) {
	s := e.cfg.Settings
	if s.InstallmentJobInterval > 0 {
		e.startLoop(ctx, JobInstallments, s.InstallmentJobInterval, e.RunInstallments)
	}
	if s.ReconcileJobInterval > 0 {
		e.startLoop(ctx, JobReconcile, s.ReconcileJobInterval, e.RunReconcile)
	}
}

func (e *Engine) Wait() { e.loops.Wait() }

func (e *Engine) startLoop(ctx context.Context, job string, interval time.Duration, fn func(ctx context.Context) (settle.Summary, error)) {
	e.log.Info("engine: job loop started", "job", job, "interval", interval)
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		ticker := e.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.log.Info("engine: job loop stopped", "job", job)
				return
			case <-ticker.Chan():
				e.runJob(ctx, job, fn)
			}
		}
	}()
}

func (e *Engine) runJob(ctx context.Context, job string, fn func(ctx context.Context) (settle.Summary, error)) {
	start := time.Now()
	var summary settle.Summary
	ran, err := lock.Run(ctx, e.log, e.cfg.Locker, "job:"+job, e.cfg.Settings.LeaseTTL, func(ctx context.Context) error {
		var err error
		summary, err = fn(ctx)
		return err
	})
	switch {
	case err != nil:
		metrics.JobRunsTotal.WithLabelValues(job, "error").Inc()
		e.log.Error("engine: job failed", "job", job, "error", err)
		return
	case !ran:
		metrics.JobRunsTotal.WithLabelValues(job, "skipped").Inc()
		return
	}
	metrics.JobRunsTotal.WithLabelValues(job, "ok").Inc()
	metrics.JobRunDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	e.log.Info("engine: job finished", "job", job, "processed", summary.Processed, "skipped", summary.Skipped,
		"failed", summary.Failed, "duration", time.Since(start))
}

// RunInstallments settles installments due as of now.
func (e *Engine) RunInstallments(ctx context.Context) (settle.Summary, error) {
	return e.Installments.ProcessDueInstallments(ctx, e.cfg.Clock.Now())
}

func (e *Engine) RunReconcile(ctx context.Context) (settle.Summary, error) {
	return e.Ledger.ReconcileAll(ctx)
}
