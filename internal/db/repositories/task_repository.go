// task_repository.go implements TaskRepository, providing database queries
// for collection task creation and worker status updates. The terminal-state
// guard lives in SQL: a task that already finished never mutates again, no
// matter how often a late or duplicated update is delivered.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/research-collector/research-collector/internal/db/models"
)

const taskColumns = `
	id, run_id, arena, platform, status, records_collected, duplicates_skipped,
	actors_skipped, retry_count, error_message, worker_ref, created_at, updated_at, finished_at
`

// TaskRepository handles collection_tasks database operations
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new TaskRepository
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func scanTask(scanner interface{ Scan(...any) error }) (*models.CollectionTask, error) {
	task := &models.CollectionTask{}
	err := scanner.Scan(
		&task.ID,
		&task.RunID,
		&task.Arena,
		&task.Platform,
		&task.Status,
		&task.RecordsCollected,
		&task.DuplicatesSkipped,
		&task.ActorsSkipped,
		&task.RetryCount,
		&task.ErrorMessage,
		&task.WorkerRef,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Create inserts a new task. The unique (run_id, arena) constraint rejects a
// second task for an arena already admitted to the run; ON CONFLICT turns
// that into a silent no-op so redelivered launches stay idempotent.
func (r *TaskRepository) Create(ctx context.Context, task *models.CollectionTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt

	query := `
		INSERT INTO collection_tasks (id, run_id, arena, platform, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, arena) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.RunID,
		task.Arena,
		task.Platform,
		task.Status,
		task.CreatedAt,
		task.UpdatedAt,
	)

	return err
}

// GetByID retrieves a task by ID
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.CollectionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM collection_tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetByRunAndArena retrieves the task for one arena of a run.
func (r *TaskRepository) GetByRunAndArena(ctx context.Context, runID, arena string) (*models.CollectionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM collection_tasks WHERE run_id = $1 AND arena = $2`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, runID, arena))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListByRun retrieves all tasks of a run
func (r *TaskRepository) ListByRun(ctx context.Context, runID string) ([]*models.CollectionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM collection_tasks WHERE run_id = $1 ORDER BY arena`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]*models.CollectionTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// ApplyUpdate writes a worker status update. Terminal tasks are immutable;
// the WHERE guard makes a late update a reported no-op rather than an error.
func (r *TaskRepository) ApplyUpdate(ctx context.Context, id, status string, records, duplicates, actors int, errorMessage *string) (bool, error) {
	var finishedAt *time.Time
	if models.TaskStatusTerminal(status) {
		now := time.Now()
		finishedAt = &now
	}

	query := `
		UPDATE collection_tasks
		SET status = $2, records_collected = $3, duplicates_skipped = $4, actors_skipped = $5,
		    error_message = $6, finished_at = $7, updated_at = $8
		WHERE id = $1 AND status IN ($9, $10)
	`

	res, err := r.db.ExecContext(ctx, query,
		id, status, records, duplicates, actors, errorMessage, finishedAt, time.Now(),
		models.TaskPending, models.TaskRunning,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkRetry returns a failed-in-flight task to pending and bumps its retry
// counter ahead of a redispatch.
func (r *TaskRepository) MarkRetry(ctx context.Context, id string) error {
	query := `
		UPDATE collection_tasks
		SET status = $2, retry_count = retry_count + 1, updated_at = $3
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, models.TaskPending, time.Now())
	return err
}

// CancelOutstanding marks every non-terminal task of a run cancelled and
// returns how many were affected.
func (r *TaskRepository) CancelOutstanding(ctx context.Context, runID string) (int64, error) {
	query := `
		UPDATE collection_tasks
		SET status = $2, finished_at = $3, updated_at = $3
		WHERE run_id = $1 AND status IN ($4, $5)
	`

	res, err := r.db.ExecContext(ctx, query, runID, models.TaskCancelled, time.Now(), models.TaskPending, models.TaskRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountNonTerminal returns how many tasks of a run are still pending/running.
func (r *TaskRepository) CountNonTerminal(ctx context.Context, runID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM collection_tasks
		WHERE run_id = $1 AND status IN ($2, $3)
	`

	var n int
	err := r.db.QueryRowContext(ctx, query, runID, models.TaskPending, models.TaskRunning).Scan(&n)
	return n, err
}
