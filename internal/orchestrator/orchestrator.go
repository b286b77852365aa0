// Package orchestrator owns the collection run lifecycle: admission,
// task dispatch, progress aggregation, retry, and finalization. It is
// the only writer of run and task state transitions; workers report
// progress through OnTaskUpdate and never touch run rows directly.
//
// Every state change is guarded at the SQL layer (status-conditional
// updates, unique constraints, SUM-recomputed aggregates), so a
// redelivered worker update or a concurrent cancel can reorder but never
// corrupt run state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/collecterr"
	"github.com/research-collector/research-collector/internal/credits"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/events"
	"github.com/research-collector/research-collector/internal/queue"
	"github.com/research-collector/research-collector/internal/safego"
	"github.com/research-collector/research-collector/internal/telemetry"
)

// RunStore is the durable run storage the orchestrator runs against.
type RunStore interface {
	Create(ctx context.Context, run *models.CollectionRun) error
	GetByID(ctx context.Context, id string) (*models.CollectionRun, error)
	UpdateStatus(ctx context.Context, id, from, to string) (bool, error)
	Suspend(ctx context.Context, id string) (bool, error)
	Resume(ctx context.Context, id string) (bool, error)
	RefreshAggregates(ctx context.Context, id string) error
	Finalize(ctx context.Context, id, status string, creditsSpent float64, errorMessage *string) error
}

// TaskStore is the durable task storage.
type TaskStore interface {
	Create(ctx context.Context, task *models.CollectionTask) error
	GetByID(ctx context.Context, id string) (*models.CollectionTask, error)
	ListByRun(ctx context.Context, runID string) ([]*models.CollectionTask, error)
	ApplyUpdate(ctx context.Context, id, status string, records, duplicates, actors int, errorMessage *string) (bool, error)
	MarkRetry(ctx context.Context, id string) error
	CancelOutstanding(ctx context.Context, runID string) (int64, error)
	CountNonTerminal(ctx context.Context, runID string) (int, error)
}

// CreditLedger is the slice of the credit ledger the orchestrator needs.
type CreditLedger interface {
	Estimate(ctx context.Context, userID string, arenas []string, tier arena.Tier, requestedResults int) (*credits.Estimate, error)
	Reserve(ctx context.Context, userID, runID string, amount float64) (*models.CreditTransaction, error)
	Settle(ctx context.Context, runID string, actualAmount float64) error
	Refund(ctx context.Context, runID string) error
}

// Options carries the orchestrator's tuning.
type Options struct {
	CompletionPolicy CompletionPolicy
	// MaxTaskRetries is the per-task retry ceiling for retryable failures.
	MaxTaskRetries int
	// RetryBaseDelay seeds the exponential backoff between retry
	// dispatches. A provider-mandated retry_after longer than the computed
	// backoff takes precedence.
	RetryBaseDelay time.Duration
}

// Orchestrator drives collection runs from launch to terminal state.
type Orchestrator struct {
	runs       RunStore
	tasks      TaskStore
	ledger     CreditLedger
	dispatcher queue.Dispatcher
	bus        events.Publisher
	registry   *arena.Registry
	opts       Options
	logger     *slog.Logger

	// baseCtx outlives any single worker callback. Retry timers run on it:
	// OnTaskUpdate arrives on a request-scoped context that dies when the
	// handler returns, which must not take the backoff timer with it.
	baseCtx context.Context
	stop    context.CancelFunc
}

// New creates an orchestrator.
func New(runs RunStore, tasks TaskStore, ledger CreditLedger, dispatcher queue.Dispatcher, bus events.Publisher, registry *arena.Registry, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.CompletionPolicy == "" {
		opts.CompletionPolicy = PolicyAnySuccess
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		runs:       runs,
		tasks:      tasks,
		ledger:     ledger,
		dispatcher: dispatcher,
		bus:        bus,
		registry:   registry,
		opts:       opts,
		logger:     logger,
		baseCtx:    baseCtx,
		stop:       stop,
	}
}

// Shutdown cancels pending retry timers. A task already marked pending
// for retry stays pending; after a restart the stale-run sweeper picks
// up whatever never got redispatched.
func (o *Orchestrator) Shutdown() {
	o.stop()
}

// LaunchRequest describes a run to admit.
type LaunchRequest struct {
	QueryDesignID    string
	UserID           string
	Mode             string // batch or live
	Tier             arena.Tier
	Arenas           []string
	RequestedResults int
	DateFrom         *time.Time // batch mode only
	DateTo           *time.Time
}

// Validate checks the request against the arena catalog without touching
// any state. Launch runs it first; the HTTP layer runs it up front to
// reject malformed requests before the credit estimate.
func (r *LaunchRequest) Validate(registry *arena.Registry) error {
	if r.Mode != models.ModeBatch && r.Mode != models.ModeLive {
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if !arena.ValidTier(r.Tier) {
		return fmt.Errorf("unknown tier %q", r.Tier)
	}
	if r.RequestedResults <= 0 {
		return fmt.Errorf("requested_results must be positive")
	}
	if len(r.Arenas) == 0 {
		return fmt.Errorf("at least one arena is required")
	}
	for _, name := range r.Arenas {
		desc, ok := registry.Get(name)
		if !ok {
			return fmt.Errorf("unknown arena %q", name)
		}
		if !desc.SupportsTier(r.Tier) {
			return fmt.Errorf("arena %q does not offer tier %q", name, r.Tier)
		}
	}
	return nil
}

// Launch admits a run: estimate, reserve credits, create the run and its
// per-arena tasks, then dispatch each task to the work queue. A dispatch
// failure for one arena fails only that arena's task; the rest of the
// run proceeds. Credit rejection surfaces before any run row exists.
func (o *Orchestrator) Launch(ctx context.Context, req *LaunchRequest) (*models.CollectionRun, error) {
	if err := req.Validate(o.registry); err != nil {
		return nil, err
	}

	est, err := o.ledger.Estimate(ctx, req.UserID, req.Arenas, req.Tier, req.RequestedResults)
	if err != nil {
		return nil, fmt.Errorf("estimating run cost: %w", err)
	}

	runID := uuid.New().String()
	if _, err := o.ledger.Reserve(ctx, req.UserID, runID, est.Total); err != nil {
		return nil, err
	}

	run := &models.CollectionRun{
		ID:               runID,
		QueryDesignID:    req.QueryDesignID,
		UserID:           req.UserID,
		Mode:             req.Mode,
		Status:           models.RunPending,
		Tier:             string(req.Tier),
		RequestedResults: req.RequestedResults,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
		EstimatedCredits: est.Total,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		// The reservation must not outlive a run that never existed.
		if refundErr := o.ledger.Refund(ctx, runID); refundErr != nil {
			o.logger.Error("failed to refund after run creation failure",
				"run_id", runID, "error", refundErr)
		}
		return nil, fmt.Errorf("creating run: %w", err)
	}

	tasks := make([]*models.CollectionTask, 0, len(req.Arenas))
	for _, name := range req.Arenas {
		desc, _ := o.registry.Get(name)
		task := &models.CollectionTask{
			RunID:    runID,
			Arena:    name,
			Platform: desc.Platform,
			Status:   models.TaskPending,
		}
		if err := o.tasks.Create(ctx, task); err != nil {
			// Same rule as run creation: the reservation must not survive
			// a launch that failed. The stale sweeper never revisits
			// pending runs, so fail the run here too.
			if refundErr := o.ledger.Refund(ctx, runID); refundErr != nil {
				o.logger.Error("failed to refund after task creation failure",
					"run_id", runID, "error", refundErr)
			}
			msg := fmt.Sprintf("task creation failed for arena %s", name)
			if finErr := o.runs.Finalize(ctx, runID, models.RunFailed, 0, &msg); finErr != nil {
				o.logger.Error("failed to finalize run after task creation failure",
					"run_id", runID, "error", finErr)
			}
			return nil, fmt.Errorf("creating task for arena %s: %w", name, err)
		}
		tasks = append(tasks, task)
	}

	if _, err := o.runs.UpdateStatus(ctx, runID, models.RunPending, models.RunRunning); err != nil {
		return nil, fmt.Errorf("marking run running: %w", err)
	}
	run.Status = models.RunRunning

	telemetry.RunsLaunchedTotal.WithLabelValues(req.Mode, string(req.Tier)).Inc()
	o.logger.Info("run launched",
		"run_id", runID, "user_id", req.UserID, "mode", req.Mode,
		"tier", req.Tier, "arenas", len(req.Arenas), "estimated_credits", est.Total)

	for _, task := range tasks {
		if err := o.dispatchTask(ctx, run, task); err != nil {
			o.logger.Error("dispatch failed, failing task",
				"run_id", runID, "task_id", task.ID, "arena", task.Arena, "error", err)
			msg := fmt.Sprintf("dispatch failed: %v", err)
			o.applyTaskUpdate(ctx, task, &TaskUpdate{
				TaskID:       task.ID,
				Status:       models.TaskFailed,
				ErrorMessage: &msg,
			})
		}
	}

	return run, nil
}

func (o *Orchestrator) dispatchTask(ctx context.Context, run *models.CollectionRun, task *models.CollectionTask) error {
	// The worker's ceiling is the requested volume capped at the arena
	// maximum, the same bound the estimate priced. Dispatching the arena
	// maximum regardless would let a task collect past its reservation.
	maxResults := run.RequestedResults
	if desc, ok := o.registry.Get(task.Platform); ok {
		if cost, ok := desc.Cost(arena.Tier(run.Tier)); ok && cost.MaxResultsPerRun < maxResults {
			maxResults = cost.MaxResultsPerRun
		}
	}
	return o.dispatcher.Dispatch(ctx, queue.TaskMessage{
		TaskID:     task.ID,
		RunID:      run.ID,
		Arena:      task.Arena,
		Platform:   task.Platform,
		Tier:       run.Tier,
		Mode:       run.Mode,
		MaxResults: maxResults,
		RetryCount: task.RetryCount,
	})
}

// TaskUpdate is a worker progress report for one task.
type TaskUpdate struct {
	TaskID            string
	Status            string
	RecordsCollected  int
	DuplicatesSkipped int
	ActorsSkipped     int
	ErrorMessage      *string
	ElapsedSeconds    float64
	// Cause is the classified failure behind a failed status, when the
	// worker supplied one. It drives the retry decision; a nil cause on a
	// failed task means no retry.
	Cause error
}

// OnTaskUpdate applies a worker progress report. It is safe to redeliver:
// terminal tasks never mutate, and run aggregates are recomputed rather
// than incremented. A retryable failure under the retry ceiling is turned
// into a redispatch instead of a terminal failure.
func (o *Orchestrator) OnTaskUpdate(ctx context.Context, update *TaskUpdate) error {
	task, err := o.tasks.GetByID(ctx, update.TaskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", update.TaskID, err)
	}
	if task == nil {
		return fmt.Errorf("unknown task %s", update.TaskID)
	}

	if update.Status == models.TaskFailed && collecterr.Retryable(update.Cause) && task.RetryCount < o.opts.MaxTaskRetries {
		return o.retryTask(ctx, task, update.Cause)
	}

	return o.applyTaskUpdate(ctx, task, update)
}

func (o *Orchestrator) retryTask(ctx context.Context, task *models.CollectionTask, cause error) error {
	if err := o.tasks.MarkRetry(ctx, task.ID); err != nil {
		return fmt.Errorf("marking task %s for retry: %w", task.ID, err)
	}

	delay := o.opts.RetryBaseDelay << task.RetryCount
	if after := collecterr.RetryAfter(cause); after > delay {
		delay = after
	}

	telemetry.TaskRetriesTotal.WithLabelValues(task.Platform).Inc()
	o.logger.Info("retrying task",
		"task_id", task.ID, "run_id", task.RunID, "arena", task.Arena,
		"attempt", task.RetryCount+1, "delay", delay)

	// The timer runs on the orchestrator's own context, not the caller's:
	// the worker callback's request context is cancelled as soon as the
	// handler returns, long before the backoff elapses.
	runID, taskID := task.RunID, task.ID
	safego.Go("task-retry", func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-o.baseCtx.Done():
			return
		case <-timer.C:
		}

		// Re-read both rows: the run may have been cancelled while the
		// backoff timer ran.
		run, err := o.runs.GetByID(o.baseCtx, runID)
		if err != nil || run == nil || run.Terminal() {
			return
		}
		fresh, err := o.tasks.GetByID(o.baseCtx, taskID)
		if err != nil || fresh == nil || fresh.Terminal() {
			return
		}
		if err := o.dispatchTask(o.baseCtx, run, fresh); err != nil {
			o.logger.Error("retry dispatch failed",
				"task_id", taskID, "run_id", runID, "error", err)
		}
	})
	return nil
}

func (o *Orchestrator) applyTaskUpdate(ctx context.Context, task *models.CollectionTask, update *TaskUpdate) error {
	applied, err := o.tasks.ApplyUpdate(ctx, task.ID, update.Status,
		update.RecordsCollected, update.DuplicatesSkipped, update.ActorsSkipped, update.ErrorMessage)
	if err != nil {
		return fmt.Errorf("applying update to task %s: %w", task.ID, err)
	}
	if !applied {
		// The task already reached a terminal state; a late or duplicated
		// delivery changes nothing.
		o.logger.Debug("ignoring update for terminal task",
			"task_id", task.ID, "run_id", task.RunID, "status", update.Status)
		return nil
	}

	if err := o.runs.RefreshAggregates(ctx, task.RunID); err != nil {
		return fmt.Errorf("refreshing aggregates for run %s: %w", task.RunID, err)
	}

	errMsg := ""
	if update.ErrorMessage != nil {
		errMsg = *update.ErrorMessage
	}
	o.bus.Publish(ctx, task.RunID, events.TaskUpdateEvent{
		Event:             events.EventTaskUpdate,
		Arena:             task.Arena,
		Platform:          task.Platform,
		Status:            update.Status,
		RecordsCollected:  update.RecordsCollected,
		DuplicatesSkipped: update.DuplicatesSkipped,
		ErrorMessage:      errMsg,
		ElapsedSeconds:    update.ElapsedSeconds,
	})

	if !models.TaskStatusTerminal(update.Status) {
		return nil
	}

	telemetry.TasksFinishedTotal.WithLabelValues(task.Platform, update.Status).Inc()
	if update.RecordsCollected > 0 {
		telemetry.RecordsCollectedTotal.WithLabelValues(task.Platform).Add(float64(update.RecordsCollected))
	}

	remaining, err := o.tasks.CountNonTerminal(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("counting open tasks for run %s: %w", task.RunID, err)
	}
	if remaining == 0 {
		return o.finalizeRun(ctx, task.RunID)
	}
	return nil
}

// finalizeRun settles credits and sets the run's terminal status once
// every task is terminal.
func (o *Orchestrator) finalizeRun(ctx context.Context, runID string) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run == nil || run.Terminal() {
		return nil
	}

	tasks, err := o.tasks.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("listing tasks for run %s: %w", runID, err)
	}

	actualCost := o.actualCost(run, tasks)
	if actualCost > 0 {
		if err := o.ledger.Settle(ctx, runID, actualCost); err != nil {
			return fmt.Errorf("settling run %s: %w", runID, err)
		}
	} else {
		if err := o.ledger.Refund(ctx, runID); err != nil {
			return fmt.Errorf("refunding run %s: %w", runID, err)
		}
	}

	status := o.opts.CompletionPolicy.RunStatus(tasks)
	var errMsg *string
	if status == models.RunFailed {
		msg := "all collection tasks failed"
		errMsg = &msg
	}

	if err := o.runs.Finalize(ctx, runID, status, actualCost, errMsg); err != nil {
		return fmt.Errorf("finalizing run %s: %w", runID, err)
	}

	records := 0
	for _, t := range tasks {
		records += t.RecordsCollected
	}

	telemetry.RunsFinishedTotal.WithLabelValues(status).Inc()
	o.logger.Info("run finished",
		"run_id", runID, "status", status, "records", records, "credits_spent", actualCost)

	o.bus.Publish(ctx, runID, events.RunCompleteEvent{
		Event:            events.EventRunComplete,
		Status:           status,
		RecordsCollected: records,
		CreditsSpent:     actualCost,
	})
	return nil
}

// actualCost prices the run at what was actually collected, using the
// same per-1k rates the estimate used.
func (o *Orchestrator) actualCost(run *models.CollectionRun, tasks []*models.CollectionTask) float64 {
	total := 0.0
	for _, t := range tasks {
		if t.RecordsCollected == 0 {
			continue
		}
		desc, ok := o.registry.Get(t.Platform)
		if !ok {
			continue
		}
		cost, ok := desc.Cost(arena.Tier(run.Tier))
		if !ok {
			continue
		}
		total += cost.CreditsPer1k * float64(t.RecordsCollected) / 1000.0
	}
	return total
}

// Suspend pauses scheduling for a live run. In-flight tasks finish
// naturally; no further scheduling cycles start until Resume.
func (o *Orchestrator) Suspend(ctx context.Context, runID string) error {
	applied, err := o.runs.Suspend(ctx, runID)
	if err != nil {
		return fmt.Errorf("suspending run %s: %w", runID, err)
	}
	if !applied {
		run, err := o.runs.GetByID(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading run %s: %w", runID, err)
		}
		if run == nil {
			return fmt.Errorf("unknown run %s", runID)
		}
		if run.Mode != models.ModeLive {
			return fmt.Errorf("run %s is a %s run; only live runs can be suspended", runID, run.Mode)
		}
		return fmt.Errorf("run %s is %s; only running runs can be suspended", runID, run.Status)
	}

	o.logger.Info("run suspended", "run_id", runID)
	return nil
}

// Resume returns a suspended run to running.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	applied, err := o.runs.Resume(ctx, runID)
	if err != nil {
		return fmt.Errorf("resuming run %s: %w", runID, err)
	}
	if !applied {
		return fmt.Errorf("run %s is not suspended", runID)
	}

	o.logger.Info("run resumed", "run_id", runID)
	return nil
}

// Cancel terminally cancels a non-terminal run: outstanding tasks are
// cancelled and any unsettled reservation is refunded in full.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run == nil {
		return fmt.Errorf("unknown run %s", runID)
	}
	if run.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	cancelled, err := o.tasks.CancelOutstanding(ctx, runID)
	if err != nil {
		return fmt.Errorf("cancelling tasks for run %s: %w", runID, err)
	}

	if err := o.ledger.Refund(ctx, runID); err != nil {
		return fmt.Errorf("refunding run %s: %w", runID, err)
	}

	if err := o.runs.RefreshAggregates(ctx, runID); err != nil {
		return fmt.Errorf("refreshing aggregates for run %s: %w", runID, err)
	}
	if err := o.runs.Finalize(ctx, runID, models.RunCancelled, 0, nil); err != nil {
		return fmt.Errorf("finalizing run %s: %w", runID, err)
	}

	telemetry.RunsFinishedTotal.WithLabelValues(models.RunCancelled).Inc()
	o.logger.Info("run cancelled", "run_id", runID, "tasks_cancelled", cancelled)

	records := 0
	if tasks, err := o.tasks.ListByRun(ctx, runID); err == nil {
		for _, t := range tasks {
			records += t.RecordsCollected
		}
	}
	o.bus.Publish(ctx, runID, events.RunCompleteEvent{
		Event:            events.EventRunComplete,
		Status:           models.RunCancelled,
		RecordsCollected: records,
	})
	return nil
}
