package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/credentials"
	"github.com/research-collector/research-collector/internal/credits"
	"github.com/research-collector/research-collector/internal/db/models"
	"github.com/research-collector/research-collector/internal/orchestrator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *arena.Registry {
	t.Helper()
	return arena.NewRegistry(
		&arena.Descriptor{
			Platform:    "alpha",
			DisplayName: "Alpha",
			Tiers: map[arena.Tier]arena.TierCost{
				arena.TierFree: {CreditsPer1k: 10, MaxResultsPerRun: 1000},
			},
			Limits: map[arena.Tier]arena.RateLimit{
				arena.TierFree: {MaxCalls: 10, Window: time.Minute},
			},
		},
		&arena.Descriptor{
			Platform:    "beta",
			DisplayName: "Beta",
			Tiers: map[arena.Tier]arena.TierCost{
				arena.TierFree: {CreditsPer1k: 20, MaxResultsPerRun: 500},
			},
			Limits: map[arena.Tier]arena.RateLimit{
				arena.TierFree: {MaxCalls: 5, Window: time.Minute},
			},
			LimitPerCredential: true,
		},
	)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeOrchestrator struct {
	launchRun *models.CollectionRun
	launchErr error
	launched  []*orchestrator.LaunchRequest

	updates   []*orchestrator.TaskUpdate
	updateErr error

	suspendErr error
	resumeErr  error
	cancelErr  error
	suspended  []string
	resumed    []string
	cancelled  []string
}

func (f *fakeOrchestrator) Launch(_ context.Context, req *orchestrator.LaunchRequest) (*models.CollectionRun, error) {
	f.launched = append(f.launched, req)
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return f.launchRun, nil
}

func (f *fakeOrchestrator) OnTaskUpdate(_ context.Context, update *orchestrator.TaskUpdate) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeOrchestrator) Suspend(_ context.Context, runID string) error {
	if f.suspendErr != nil {
		return f.suspendErr
	}
	f.suspended = append(f.suspended, runID)
	return nil
}

func (f *fakeOrchestrator) Resume(_ context.Context, runID string) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, runID)
	return nil
}

func (f *fakeOrchestrator) Cancel(_ context.Context, runID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type fakeRunReader struct {
	runs map[string]*models.CollectionRun
	err  error
}

func (f *fakeRunReader) GetByID(_ context.Context, id string) (*models.CollectionRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runs[id], nil
}

type fakeTaskReader struct {
	tasks map[string]*models.CollectionTask
	byRun map[string][]*models.CollectionTask
}

func (f *fakeTaskReader) GetByID(_ context.Context, id string) (*models.CollectionTask, error) {
	return f.tasks[id], nil
}

func (f *fakeTaskReader) ListByRun(_ context.Context, runID string) ([]*models.CollectionTask, error) {
	return f.byRun[runID], nil
}

type fakeLedger struct {
	estimate    *credits.Estimate
	estimateErr error
	balance     float64
	balanceErr  error
}

func (f *fakeLedger) Estimate(_ context.Context, _ string, _ []string, _ arena.Tier, _ int) (*credits.Estimate, error) {
	if f.estimateErr != nil {
		return nil, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeLedger) Balance(_ context.Context, _ string) (float64, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balance, nil
}

type fakeCredentialStore struct {
	creds       map[string]*models.APICredential
	created     []*models.APICredential
	deactivated map[string]string
	reactivated []string
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{
		creds:       make(map[string]*models.APICredential),
		deactivated: make(map[string]string),
	}
}

func (f *fakeCredentialStore) Create(_ context.Context, cred *models.APICredential) error {
	if cred.ID == "" {
		cred.ID = fmt.Sprintf("cred-%d", len(f.created)+1)
	}
	f.created = append(f.created, cred)
	f.creds[cred.ID] = cred
	return nil
}

func (f *fakeCredentialStore) GetByID(_ context.Context, id string) (*models.APICredential, error) {
	return f.creds[id], nil
}

func (f *fakeCredentialStore) ListByPlatform(_ context.Context, platform string) ([]*models.APICredential, error) {
	var out []*models.APICredential
	for _, cred := range f.creds {
		if cred.Platform == platform {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (f *fakeCredentialStore) Deactivate(_ context.Context, id, reason string) error {
	f.deactivated[id] = reason
	if cred, ok := f.creds[id]; ok {
		cred.IsActive = false
		cred.DisabledReason = &reason
	}
	return nil
}

func (f *fakeCredentialStore) Reactivate(_ context.Context, id string) error {
	f.reactivated = append(f.reactivated, id)
	if cred, ok := f.creds[id]; ok {
		cred.IsActive = true
		cred.DisabledReason = nil
	}
	return nil
}

type fakeUsage struct {
	day   int64
	month int64
}

func (f *fakeUsage) Usage(_ context.Context, _ string) (int64, int64, error) {
	return f.day, f.month, nil
}

type fakeSealer struct {
	err error
}

func (f *fakeSealer) Seal(plaintext string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "sealed:" + plaintext, nil
}

type fakeLeaseBroker struct {
	lease      *credentials.Lease
	acquireErr error
	acquired   []string
	successes  []*credentials.Lease
	failures   []*credentials.Lease
	causes     []error
}

func (f *fakeLeaseBroker) Acquire(_ context.Context, platform string, _ arena.Tier) (*credentials.Lease, error) {
	f.acquired = append(f.acquired, platform)
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.lease, nil
}

func (f *fakeLeaseBroker) ReportSuccess(_ context.Context, lease *credentials.Lease) error {
	f.successes = append(f.successes, lease)
	return nil
}

func (f *fakeLeaseBroker) ReportError(_ context.Context, lease *credentials.Lease, cause error) error {
	f.failures = append(f.failures, lease)
	f.causes = append(f.causes, cause)
	return nil
}

type fakeSlotLimiter struct {
	acquireErr error
	keys       []string
	backoffs   map[string]time.Duration
}

func (f *fakeSlotLimiter) AcquireSlot(_ context.Context, key string, _ int, _, _ time.Duration) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeSlotLimiter) ReportBackoff(_ context.Context, key string, d time.Duration) error {
	if f.backoffs == nil {
		f.backoffs = make(map[string]time.Duration)
	}
	f.backoffs[key] = d
	return nil
}

type fakeSubscriber struct {
	ch  chan []byte
	err error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}
