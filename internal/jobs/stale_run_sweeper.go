// stale_run_sweeper.go implements the StaleRunSweeper background job, which
// periodically force-fails collection runs stuck in running or suspended
// beyond a configurable age with no task progress. A stuck run holds a
// pending credit reservation forever; the sweep fails the run, cancels its
// outstanding tasks, and refunds the reservation so the user's balance
// recovers without operator intervention.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/events"
)

// SweeperRunStore is the run storage slice the sweeper needs.
type SweeperRunStore interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.CollectionRun, error)
	Finalize(ctx context.Context, id, status string, creditsSpent float64, errorMessage *string) error
}

// SweeperTaskStore cancels a stale run's outstanding tasks.
type SweeperTaskStore interface {
	CancelOutstanding(ctx context.Context, runID string) (int64, error)
}

// SweeperLedger refunds a stale run's unsettled reservation.
type SweeperLedger interface {
	Refund(ctx context.Context, runID string) error
}

// StaleRunSweeper periodically fails runs that stopped making progress.
type StaleRunSweeper struct {
	runs     SweeperRunStore
	tasks    SweeperTaskStore
	ledger   SweeperLedger
	bus      events.Publisher
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewStaleRunSweeper creates a sweeper. maxAge is how long a run may sit
// without progress before being failed (default 24h); interval is how
// often the sweep runs (default 1h).
func NewStaleRunSweeper(runs SweeperRunStore, tasks SweeperTaskStore, ledger SweeperLedger, bus events.Publisher, maxAge, interval time.Duration, logger *slog.Logger) *StaleRunSweeper {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &StaleRunSweeper{
		runs:     runs,
		tasks:    tasks,
		ledger:   ledger,
		bus:      bus,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits
// when ctx is cancelled or Stop is called.
func (s *StaleRunSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("stale run sweeper started", "max_age", s.maxAge, "interval", s.interval)

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopChan:
			s.logger.Info("stale run sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("stale run sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *StaleRunSweeper) Stop() {
	close(s.stopChan)
}

// RunOnce performs a single sweep pass and returns how many runs it
// force-failed.
func (s *StaleRunSweeper) RunOnce(ctx context.Context) int {
	cutoff := time.Now().Add(-s.maxAge)

	stale, err := s.runs.ListStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale run sweep failed to list runs", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	s.logger.Warn("found stale runs", "count", len(stale), "cutoff", cutoff)

	swept := 0
	for _, run := range stale {
		if err := s.sweep(ctx, run); err != nil {
			s.logger.Error("failed to sweep stale run", "run_id", run.ID, "error", err)
			continue
		}
		swept++
	}
	return swept
}

func (s *StaleRunSweeper) sweep(ctx context.Context, run *models.CollectionRun) error {
	cancelled, err := s.tasks.CancelOutstanding(ctx, run.ID)
	if err != nil {
		return err
	}

	if err := s.ledger.Refund(ctx, run.ID); err != nil {
		return err
	}

	msg := "run exceeded maximum age with no task progress"
	if err := s.runs.Finalize(ctx, run.ID, models.RunFailed, 0, &msg); err != nil {
		return err
	}

	s.logger.Warn("stale run force-failed",
		"run_id", run.ID, "previous_status", run.Status,
		"tasks_cancelled", cancelled, "last_update", run.UpdatedAt)

	s.bus.Publish(ctx, run.ID, events.RunCompleteEvent{
		Event:            events.EventRunComplete,
		Status:           models.RunFailed,
		RecordsCollected: run.RecordsCollected,
	})
	return nil
}
