package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/research-collector/research-collector/internal/db/models"
)

var transactionCols = []string{"id", "run_id", "user_id", "amount", "status", "created_at", "settled_at"}

func newCreditRepo(t *testing.T) (*CreditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCreditRepository(db), mock
}

func expectAvailable(mock sqlmock.Sqlmock, allocated, committed float64) {
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\)(.+)FROM credit_allocations").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(allocated))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\)(.+)FROM credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(committed))
}

// ---------------------------------------------------------------------------
// Available
// ---------------------------------------------------------------------------

func TestAvailable_SubtractsCommittedFromAllocated(t *testing.T) {
	repo, mock := newCreditRepo(t)
	expectAvailable(mock, 100, 35)

	avail, err := repo.Available(context.Background(), "user-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if avail != 65 {
		t.Errorf("Available = %v, want 65", avail)
	}
}

func TestAvailable_NoAllocations(t *testing.T) {
	repo, mock := newCreditRepo(t)
	expectAvailable(mock, 0, 0)

	avail, err := repo.Available(context.Background(), "user-none", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if avail != 0 {
		t.Errorf("Available = %v, want 0", avail)
	}
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestReserve_Success(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectBegin()
	expectAvailable(mock, 100, 20)
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	txn, err := repo.Reserve(context.Background(), "user-1", "run-1", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn == nil {
		t.Fatal("expected a transaction, got nil")
	}
	if txn.Status != models.TransactionPending {
		t.Errorf("transaction status = %q, want pending", txn.Status)
	}
	if txn.Amount != 50 {
		t.Errorf("transaction amount = %v, want 50", txn.Amount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserve_InsufficientBalance(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectBegin()
	expectAvailable(mock, 40, 0)
	mock.ExpectRollback()

	txn, err := repo.Reserve(context.Background(), "user-1", "run-1", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn != nil {
		t.Errorf("expected nil transaction on insufficient balance, got %+v", txn)
	}
	// No INSERT must have been attempted.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserve_DuplicateRun(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectBegin()
	expectAvailable(mock, 100, 0)
	mock.ExpectExec("INSERT INTO credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0)) // ON CONFLICT DO NOTHING hit
	mock.ExpectRollback()

	_, err := repo.Reserve(context.Background(), "user-1", "run-1", 10)
	if err != ErrReservationExists {
		t.Errorf("expected ErrReservationExists, got %v", err)
	}
}

func TestReserve_LockQueryError(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").WillReturnError(errDB)
	mock.ExpectRollback()

	_, err := repo.Reserve(context.Background(), "user-1", "run-1", 10)
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Settle / Refund
// ---------------------------------------------------------------------------

func TestSettle_ConvertsPendingReservation(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectExec("UPDATE credit_transactions").
		WithArgs("run-1", 42.5, models.TransactionSettled, sqlmock.AnyArg(), models.TransactionPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Settle(context.Background(), "run-1", 42.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected settle to report an affected row")
	}
}

func TestSettle_AlreadySettledIsNoop(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectExec("UPDATE credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Settle(context.Background(), "run-1", 42.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("second settle must be a no-op")
	}
}

func TestRefund_CancelsPendingReservation(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectExec("UPDATE credit_transactions").
		WithArgs("run-1", models.TransactionRefunded, sqlmock.AnyArg(), models.TransactionPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Refund(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected refund to report an affected row")
	}
}

// ---------------------------------------------------------------------------
// GetByRun
// ---------------------------------------------------------------------------

func TestGetByRun_Found(t *testing.T) {
	repo, mock := newCreditRepo(t)
	rows := sqlmock.NewRows(transactionCols).
		AddRow("txn-1", "run-1", "user-1", 25.0, models.TransactionPending, time.Now(), nil)
	mock.ExpectQuery("SELECT (.+) FROM credit_transactions").
		WithArgs("run-1").
		WillReturnRows(rows)

	txn, err := repo.GetByRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn == nil || txn.Amount != 25.0 {
		t.Errorf("unexpected transaction: %+v", txn)
	}
}

func TestGetByRun_NotFound(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM credit_transactions").
		WithArgs("run-x").
		WillReturnRows(sqlmock.NewRows(transactionCols))

	txn, err := repo.GetByRun(context.Background(), "run-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn != nil {
		t.Errorf("expected nil, got %+v", txn)
	}
}

// ---------------------------------------------------------------------------
// CreateAllocation
// ---------------------------------------------------------------------------

func TestCreateAllocation_Success(t *testing.T) {
	repo, mock := newCreditRepo(t)
	mock.ExpectExec("INSERT INTO credit_allocations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	alloc := &models.CreditAllocation{
		UserID:     "user-1",
		Amount:     500,
		ValidFrom:  time.Now(),
		ValidUntil: time.Now().AddDate(0, 1, 0),
	}
	if err := repo.CreateAllocation(context.Background(), alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alloc.ID == "" {
		t.Error("CreateAllocation did not assign an ID")
	}
}
