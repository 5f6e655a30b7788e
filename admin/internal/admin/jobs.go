package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/settle"
)

// DistributePool runs the turnover pool for [start, end) on behalf of adminID.
// A rerun of a completed period prints the stored result.
func DistributePool(ctx context.Context, eng *engine.Engine, out io.Writer, adminID int64, start, end time.Time) error {
	res, err := eng.DistributePool(ctx, adminID, start, end)
	if err != nil {
		return fmt.Errorf("failed to distribute pool: %w", err)
	}
	d := res.Distribution

	fmt.Fprintf(out, "Distribution %s [%s, %s) %s\n\n", d.Ref, d.PeriodStart.Format(time.RFC3339), d.PeriodEnd.Format(time.RFC3339), d.Status)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "revenue\t%d\n", d.TotalRevenue)
	fmt.Fprintf(tw, "company\t%d\n", d.CompanyAmount)
	fmt.Fprintf(tw, "pool\t%d\n", d.PoolAmount)
	fmt.Fprintf(tw, "distributed\t%d\n", d.DistributedAmount)
	fmt.Fprintf(tw, "carried forward\t%d\n", d.CarriedForward)
	fmt.Fprintf(tw, "forfeited\t%d\n", d.Forfeited)
	fmt.Fprintf(tw, "participants\t%d\n", d.ParticipantCount)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return printSummary(out, res.Summary)
}

// ProcessInstallments settles installments due at asOf on behalf of adminID.
func ProcessInstallments(ctx context.Context, eng *engine.Engine, out io.Writer, adminID int64, asOf time.Time) error {
	sum, err := eng.ProcessInstallments(ctx, adminID, asOf)
	if err != nil {
		return fmt.Errorf("failed to process installments: %w", err)
	}
	return printSummary(out, sum)
}

// Reconcile checks every wallet against its ledger; mismatches freeze the
// wallet and raise an alert.
func Reconcile(ctx context.Context, eng *engine.Engine, out io.Writer) error {
	sum, err := eng.Ledger.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile: %w", err)
	}
	return printSummary(out, sum)
}

// PlaceUser performs a manual placement.
func PlaceUser(ctx context.Context, eng *engine.Engine, out io.Writer, req engine.ManualPlacement) error {
	res, err := eng.ManualPlace(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to place user %d: %w", req.UserID, err)
	}
	fmt.Fprintf(out, "Placed user %d under %d (%d edges)\n", res.Placement.UserID, res.Placement.SponsorID, len(res.Placement.Created))
	if res.Slot != nil {
		fmt.Fprintf(out, "Matrix slot: level %d position %d\n", res.Slot.Level, res.Slot.Position)
	}
	if res.Commission != nil {
		fmt.Fprintf(out, "Commission: %d across %d credit(s)\n", res.Commission.Total, len(res.Commission.Credits))
	}
	return nil
}

func printSummary(out io.Writer, sum settle.Summary) error {
	fmt.Fprintf(out, "processed=%d skipped=%d failed=%d\n", sum.Processed, sum.Skipped, sum.Failed)
	if len(sum.Errors) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tMESSAGE")
	for _, e := range sum.Errors {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Code, e.Message)
	}
	return tw.Flush()
}
