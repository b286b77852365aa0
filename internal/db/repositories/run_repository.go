// run_repository.go implements RunRepository, providing database queries for
// collection run lifecycle transitions and aggregate maintenance. Aggregates
// are recomputed with SQL SUMs over child tasks rather than incremented, so
// re-applying a status update can never double-count.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/research-collector/research-collector/internal/db/models"
)

const runColumns = `
	id, query_design_id, user_id, mode, status, tier, requested_results, date_from, date_to,
	estimated_credits::float8, credits_spent::float8, records_collected, duplicates_skipped,
	error_message, suspended_at, created_at, updated_at, completed_at
`

// RunRepository handles collection_runs database operations
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new RunRepository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

func scanRun(scanner interface{ Scan(...any) error }) (*models.CollectionRun, error) {
	run := &models.CollectionRun{}
	err := scanner.Scan(
		&run.ID,
		&run.QueryDesignID,
		&run.UserID,
		&run.Mode,
		&run.Status,
		&run.Tier,
		&run.RequestedResults,
		&run.DateFrom,
		&run.DateTo,
		&run.EstimatedCredits,
		&run.CreditsSpent,
		&run.RecordsCollected,
		&run.DuplicatesSkipped,
		&run.ErrorMessage,
		&run.SuspendedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Create inserts a new run
func (r *RunRepository) Create(ctx context.Context, run *models.CollectionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt

	query := `
		INSERT INTO collection_runs (id, query_design_id, user_id, mode, status, tier,
		                             requested_results, date_from, date_to, estimated_credits,
		                             created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.QueryDesignID,
		run.UserID,
		run.Mode,
		run.Status,
		run.Tier,
		run.RequestedResults,
		run.DateFrom,
		run.DateTo,
		run.EstimatedCredits,
		run.CreatedAt,
		run.UpdatedAt,
	)

	return err
}

// GetByID retrieves a run by ID
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.CollectionRun, error) {
	query := `SELECT ` + runColumns + ` FROM collection_runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateStatus transitions a run's status guarded by its current status.
// It reports whether the transition was applied, so callers can detect
// races (e.g. cancel arriving after completion) without a separate read.
func (r *RunRepository) UpdateStatus(ctx context.Context, id, from, to string) (bool, error) {
	query := `
		UPDATE collection_runs
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`

	res, err := r.db.ExecContext(ctx, query, id, from, to, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Suspend marks a run suspended and records the suspension time.
func (r *RunRepository) Suspend(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE collection_runs
		SET status = $2, suspended_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4 AND mode = $5
	`

	res, err := r.db.ExecContext(ctx, query, id, models.RunSuspended, time.Now(), models.RunRunning, models.ModeLive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Resume returns a suspended run to running and clears suspended_at.
func (r *RunRepository) Resume(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE collection_runs
		SET status = $2, suspended_at = NULL, updated_at = $3
		WHERE id = $1 AND status = $4
	`

	res, err := r.db.ExecContext(ctx, query, id, models.RunRunning, time.Now(), models.RunSuspended)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RefreshAggregates recomputes the run's counters from its child tasks.
func (r *RunRepository) RefreshAggregates(ctx context.Context, id string) error {
	query := `
		UPDATE collection_runs SET
			records_collected = agg.records,
			duplicates_skipped = agg.duplicates,
			updated_at = $2
		FROM (
			SELECT COALESCE(SUM(records_collected), 0) AS records,
			       COALESCE(SUM(duplicates_skipped), 0) AS duplicates
			FROM collection_tasks
			WHERE run_id = $1
		) agg
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, time.Now())
	return err
}

// Finalize sets the terminal state and final cost of a run.
func (r *RunRepository) Finalize(ctx context.Context, id, status string, creditsSpent float64, errorMessage *string) error {
	query := `
		UPDATE collection_runs
		SET status = $2, credits_spent = $3, error_message = $4, completed_at = $5, updated_at = $5
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, status, creditsSpent, errorMessage, time.Now())
	return err
}

// ListStale returns non-terminal runs with no progress since the cutoff.
// Progress is judged by the newest updated_at across the run and its tasks.
func (r *RunRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.CollectionRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM collection_runs cr
		WHERE cr.status IN ($1, $2)
		  AND cr.updated_at < $3
		  AND NOT EXISTS (
			SELECT 1 FROM collection_tasks ct
			WHERE ct.run_id = cr.id AND ct.updated_at >= $3
		  )
		ORDER BY cr.updated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, models.RunRunning, models.RunSuspended, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*models.CollectionRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
