// Package settle implements the claim, attempt, record outcome, bounded
// retry cycle used by scheduled settlement jobs.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/utils/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// ErrSkip is returned by Source.Settle when the item no longer needs work,
// for example because another run settled it first.
var ErrSkip = errors.New("settle: item skipped")

// Policy bounds how an item is attempted.
type Policy struct {
	// MaxRetries is the number of failed attempts after which an item is
	// terminally failed.
	MaxRetries int
	// AttemptTimeout bounds a single attempt, including external calls.
	AttemptTimeout time.Duration
	// Retry covers transient errors within one attempt.
	Retry retry.Config
}

func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry = retry.Config{
			MaxAttempts: 2,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  time.Second,
		}
	}
	return nil
}

// Outcome classifies a finished attempt.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeSkipped
	OutcomeRetryable
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is the recorded outcome of one attempt.
type Result struct {
	Outcome Outcome
	// Retries is the item's failure count after this attempt.
	Retries int
	Err     error
}

// Attempt runs fn once under the policy's timeout. priorRetries is the number
// of earlier failed attempts recorded for the item.
func Attempt(ctx context.Context, p Policy, priorRetries int, fn func(ctx context.Context) error) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	err := retry.Do(attemptCtx, p.Retry, func() error { return fn(attemptCtx) })
	switch {
	case err == nil:
		return Result{Outcome: OutcomeSucceeded, Retries: priorRetries}
	case errors.Is(err, ErrSkip):
		return Result{Outcome: OutcomeSkipped, Retries: priorRetries}
	}

	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = apperr.Wrapf(apperr.ErrSettlementTimeout, "after %s: %v", p.AttemptTimeout, err)
	}

	retries := priorRetries + 1
	if retries >= p.MaxRetries {
		return Result{Outcome: OutcomeExhausted, Retries: retries, Err: err}
	}
	return Result{Outcome: OutcomeRetryable, Retries: retries, Err: err}
}

// Item is a unit of settlement work.
type Item interface {
	Key() string
	Retries() int
}

// Source supplies claimed items and persists their outcomes.
type Source[T Item] interface {
	// Claim atomically reserves up to limit items for this run. Items
	// attempted earlier in the same run must not be returned again.
	Claim(ctx context.Context, limit int) ([]T, error)
	// Settle performs the work for one claimed item.
	Settle(ctx context.Context, item T) error
	// RecordFailure persists a retryable or exhausted result.
	RecordFailure(ctx context.Context, item T, res Result) error
}

// ProcessConfig controls one Process run.
type ProcessConfig struct {
	Logger      *slog.Logger
	Policy      Policy
	BatchSize   int
	Concurrency int
	// OnExhausted is called for items that reached MaxRetries.
	OnExhausted func(ctx context.Context, key string, err error)
}

// Process drains src batch by batch. Per-item errors are reported in the
// returned Summary; the error return is reserved for claim failures.
func Process[T Item](ctx context.Context, cfg ProcessConfig, src Source[T]) (Summary, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	rec := NewRecorder()

	for {
		items, err := src.Claim(ctx, cfg.BatchSize)
		if err != nil {
			return rec.Summary(), fmt.Errorf("claim batch: %w", err)
		}
		if len(items) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(cfg.Concurrency)
		for _, item := range items {
			g.Go(func() error {
				settleOne(ctx, cfg, src, rec, item)
				return nil
			})
		}
		_ = g.Wait()

		if len(items) < cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}

	return rec.Summary(), nil
}

func settleOne[T Item](ctx context.Context, cfg ProcessConfig, src Source[T], rec *Recorder, item T) {
	res := Attempt(ctx, cfg.Policy, item.Retries(), func(ctx context.Context) error {
		return src.Settle(ctx, item)
	})

	switch res.Outcome {
	case OutcomeSucceeded:
		rec.Processed()
		return
	case OutcomeSkipped:
		rec.Skipped()
		return
	}

	if err := src.RecordFailure(context.WithoutCancel(ctx), item, res); err != nil {
		cfg.Logger.Error("settle: failed to record failure", "item", item.Key(), "error", err)
	}
	rec.Fail(item.Key(), res.Err)

	if res.Outcome == OutcomeExhausted {
		cfg.Logger.Warn("settle: item exhausted retries", "item", item.Key(), "retries", res.Retries, "error", res.Err)
		if cfg.OnExhausted != nil {
			cfg.OnExhausted(ctx, item.Key(), res.Err)
		}
		return
	}
	cfg.Logger.Info("settle: item failed, will retry", "item", item.Key(), "retries", res.Retries, "error", res.Err)
}
