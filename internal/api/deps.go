package api

import (
	"context"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/credits"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/orchestrator"
)

// RunOrchestrator is the slice of the orchestrator the HTTP surface
// drives.
type RunOrchestrator interface {
	Launch(ctx context.Context, req *orchestrator.LaunchRequest) (*models.CollectionRun, error)
	OnTaskUpdate(ctx context.Context, update *orchestrator.TaskUpdate) error
	Suspend(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID string) error
}

// CreditLedger is the read-only slice of the ledger the preview endpoints
// need. Reservation and settlement stay inside the orchestrator.
type CreditLedger interface {
	Estimate(ctx context.Context, userID string, arenas []string, tier arena.Tier, requestedResults int) (*credits.Estimate, error)
	Balance(ctx context.Context, userID string) (float64, error)
}

// RunReader reads runs for the detail and stream endpoints.
type RunReader interface {
	GetByID(ctx context.Context, id string) (*models.CollectionRun, error)
}

// TaskReader reads tasks for the detail endpoint and the worker
// callback's existence check.
type TaskReader interface {
	GetByID(ctx context.Context, id string) (*models.CollectionTask, error)
	ListByRun(ctx context.Context, runID string) ([]*models.CollectionTask, error)
}

// CredentialAdminStore is the credential repository surface the admin
// endpoints need.
type CredentialAdminStore interface {
	Create(ctx context.Context, cred *models.APICredential) error
	GetByID(ctx context.Context, id string) (*models.APICredential, error)
	ListByPlatform(ctx context.Context, platform string) ([]*models.APICredential, error)
	Deactivate(ctx context.Context, id, reason string) error
	Reactivate(ctx context.Context, id string) error
}

// CredentialUsage exposes the pool's shared usage counters so the admin
// list can show quota consumption.
type CredentialUsage interface {
	Usage(ctx context.Context, credentialID string) (day, month int64, err error)
}

// PayloadSealer encrypts credential payloads before they touch storage.
// Only the sealing half is exposed here: nothing on the HTTP surface ever
// decrypts.
type PayloadSealer interface {
	Seal(plaintext string) (string, error)
}

// EventSubscriber delivers a run's event stream for the SSE endpoint.
type EventSubscriber interface {
	Subscribe(ctx context.Context, runID string) (<-chan []byte, error)
}
