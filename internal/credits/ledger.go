// Package credits implements the credit ledger: the admission-control
// budget that decides whether a collection run may launch. Credits are
// reserved up front at the estimated cost, then settled down to the
// actual cost when the run finishes, or refunded in full when nothing
// was collected. The ledger never blocks a run that is already in
// flight — over-runs settle at actual cost and are logged, not clawed
// back mid-run.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/telemetry"
)

// TransactionStore is the durable ledger storage.
type TransactionStore interface {
	Available(ctx context.Context, userID string, now time.Time) (float64, error)
	Reserve(ctx context.Context, userID, runID string, amount float64) (*models.CreditTransaction, error)
	Settle(ctx context.Context, runID string, actualAmount float64) (bool, error)
	Refund(ctx context.Context, runID string) (bool, error)
	GetByRun(ctx context.Context, runID string) (*models.CreditTransaction, error)
}

// Ledger coordinates estimation, reservation, and settlement.
type Ledger struct {
	store    TransactionStore
	registry *arena.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a ledger over the given store and arena catalog.
func NewLedger(store TransactionStore, registry *arena.Registry, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, registry: registry, logger: logger, now: time.Now}
}

// Estimate projects the cost of a launch and annotates it with the user's
// current availability.
func (l *Ledger) Estimate(ctx context.Context, userID string, arenas []string, tier arena.Tier, requestedResults int) (*Estimate, error) {
	est, err := EstimateCost(l.registry, arenas, tier, requestedResults)
	if err != nil {
		return nil, err
	}

	available, err := l.store.Available(ctx, userID, l.now())
	if err != nil {
		return nil, fmt.Errorf("checking balance for user %s: %w", userID, err)
	}
	est.Available = available
	est.CanRun = available >= est.Total
	return est, nil
}

// Reserve places a pending hold of amount credits against the user's
// balance for the given run. Insufficient balance surfaces as
// collecterr.ErrInsufficientCredit with no transaction created; any other
// failure (lock contention, storage) is wrapped in a ReservationError so
// the caller rejects the launch rather than admitting it unpaid.
func (l *Ledger) Reserve(ctx context.Context, userID, runID string, amount float64) (*models.CreditTransaction, error) {
	txn, err := l.store.Reserve(ctx, userID, runID, amount)
	if err != nil {
		telemetry.CreditReservationsTotal.WithLabelValues("error").Inc()
		return nil, &collecterr.ReservationError{UserID: userID, Err: err}
	}
	if txn == nil {
		telemetry.CreditReservationsTotal.WithLabelValues("insufficient").Inc()
		return nil, fmt.Errorf("%w: user %s needs %.2f credits for run %s", collecterr.ErrInsufficientCredit, userID, amount, runID)
	}

	telemetry.CreditReservationsTotal.WithLabelValues("reserved").Inc()
	l.logger.Info("credits reserved",
		"user_id", userID, "run_id", runID, "amount", amount)
	return txn, nil
}

// Settle converts the run's reservation into settled spend at the actual
// cost. When the actual cost exceeds the reservation the settlement still
// goes through at the higher amount; the over-run is logged and counted
// but never interrupts a finished run. Settling an already-settled or
// refunded run is a no-op.
func (l *Ledger) Settle(ctx context.Context, runID string, actualAmount float64) error {
	txn, err := l.store.GetByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading transaction for run %s: %w", runID, err)
	}
	if txn == nil {
		return fmt.Errorf("no credit transaction for run %s", runID)
	}

	if actualAmount > txn.Amount && txn.Status == models.TransactionPending {
		telemetry.CreditOverrunsTotal.Inc()
		l.logger.Warn("run cost exceeded reservation",
			"run_id", runID, "reserved", txn.Amount, "actual", actualAmount)
	}

	settled, err := l.store.Settle(ctx, runID, actualAmount)
	if err != nil {
		return fmt.Errorf("settling run %s: %w", runID, err)
	}
	if !settled {
		l.logger.Debug("settlement skipped, transaction not pending", "run_id", runID)
	}
	return nil
}

// Refund cancels the run's unsettled reservation in full. Refunding an
// already-finalized transaction is a no-op.
func (l *Ledger) Refund(ctx context.Context, runID string) error {
	refunded, err := l.store.Refund(ctx, runID)
	if err != nil {
		return fmt.Errorf("refunding run %s: %w", runID, err)
	}
	if refunded {
		l.logger.Info("reservation refunded", "run_id", runID)
	}
	return nil
}

// Balance returns the user's spendable balance right now.
func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	return l.store.Available(ctx, userID, l.now())
}
