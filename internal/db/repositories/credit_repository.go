// credit_repository.go implements CreditRepository, the persistence layer of
// the credit ledger. Reserve is the single correctness-critical serialization
// point in the core: it locks the user's allocation rows FOR UPDATE inside
// one transaction so two concurrent reservations can never both pass the
// balance check against the same allocations.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/research-collector/research-collector/internal/db/models"
)

// ErrReservationExists is returned when a run already holds a reservation.
var ErrReservationExists = fmt.Errorf("a credit transaction already exists for this run")

// CreditRepository handles credit_allocations/credit_transactions operations
type CreditRepository struct {
	db *sql.DB
}

// NewCreditRepository creates a new CreditRepository
func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// CreateAllocation grants credits to a user (administrator operation).
func (r *CreditRepository) CreateAllocation(ctx context.Context, alloc *models.CreditAllocation) error {
	if alloc.ID == "" {
		alloc.ID = uuid.New().String()
	}
	alloc.CreatedAt = time.Now()

	query := `
		INSERT INTO credit_allocations (id, user_id, amount, valid_from, valid_until, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		alloc.ID,
		alloc.UserID,
		alloc.Amount,
		alloc.ValidFrom,
		alloc.ValidUntil,
		alloc.Note,
		alloc.CreatedAt,
	)

	return err
}

// Available computes the user's spendable balance at time now:
// Σ(active allocations) − Σ(pending reservations) − Σ(settled spend).
func (r *CreditRepository) Available(ctx context.Context, userID string, now time.Time) (float64, error) {
	return available(ctx, r.db, userID, now, false)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func available(ctx context.Context, q querier, userID string, now time.Time, forUpdate bool) (float64, error) {
	allocQuery := `
		SELECT COALESCE(SUM(amount), 0)::float8
		FROM credit_allocations
		WHERE user_id = $1 AND valid_from <= $2 AND valid_until >= $2
	`
	if forUpdate {
		// Row locks serialize concurrent reservations for the same user.
		allocQuery = `
			SELECT COALESCE(SUM(amount), 0)::float8 FROM (
				SELECT amount
				FROM credit_allocations
				WHERE user_id = $1 AND valid_from <= $2 AND valid_until >= $2
				FOR UPDATE
			) locked
		`
	}

	var allocated float64
	if err := q.QueryRowContext(ctx, allocQuery, userID, now).Scan(&allocated); err != nil {
		return 0, err
	}

	var committed float64
	spendQuery := `
		SELECT COALESCE(SUM(amount), 0)::float8
		FROM credit_transactions
		WHERE user_id = $1 AND status IN ($2, $3)
	`
	if err := q.QueryRowContext(ctx, spendQuery, userID, models.TransactionPending, models.TransactionSettled).Scan(&committed); err != nil {
		return 0, err
	}

	return allocated - committed, nil
}

// Reserve atomically checks availability and creates a pending transaction
// for the run. It returns the created transaction, or (nil, nil) when the
// balance is insufficient — the caller maps that to InsufficientCreditError.
func (r *CreditRepository) Reserve(ctx context.Context, userID, runID string, amount float64) (*models.CreditTransaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	avail, err := available(ctx, tx, userID, time.Now(), true)
	if err != nil {
		return nil, err
	}
	if avail < amount {
		return nil, nil
	}

	txn := &models.CreditTransaction{
		ID:        uuid.New().String(),
		RunID:     runID,
		UserID:    userID,
		Amount:    amount,
		Status:    models.TransactionPending,
		CreatedAt: time.Now(),
	}

	insert := `
		INSERT INTO credit_transactions (id, run_id, user_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, insert, txn.ID, txn.RunID, txn.UserID, txn.Amount, txn.Status, txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrReservationExists
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// GetByRun retrieves the run's transaction, or nil when none exists.
func (r *CreditRepository) GetByRun(ctx context.Context, runID string) (*models.CreditTransaction, error) {
	query := `
		SELECT id, run_id, user_id, amount::float8, status, created_at, settled_at
		FROM credit_transactions
		WHERE run_id = $1
	`

	txn := &models.CreditTransaction{}
	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&txn.ID,
		&txn.RunID,
		&txn.UserID,
		&txn.Amount,
		&txn.Status,
		&txn.CreatedAt,
		&txn.SettledAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Settle converts the run's pending reservation into settled spend of the
// actual amount. The status guard makes it a no-op when the transaction was
// already settled or refunded, so redelivered finalizations are safe.
// It reports whether a row was actually settled.
func (r *CreditRepository) Settle(ctx context.Context, runID string, actualAmount float64) (bool, error) {
	query := `
		UPDATE credit_transactions
		SET amount = $2, status = $3, settled_at = $4
		WHERE run_id = $1 AND status = $5
	`

	res, err := r.db.ExecContext(ctx, query, runID, actualAmount, models.TransactionSettled, time.Now(), models.TransactionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refund cancels an unsettled reservation in full. Like Settle it is
// idempotent via the status guard.
func (r *CreditRepository) Refund(ctx context.Context, runID string) (bool, error) {
	query := `
		UPDATE credit_transactions
		SET status = $2, settled_at = $3
		WHERE run_id = $1 AND status = $4
	`

	res, err := r.db.ExecContext(ctx, query, runID, models.TransactionRefunded, time.Now(), models.TransactionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
