package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/research-collector/research-collector/internal/config"
)

func newTestRouter(t *testing.T, pingErr error) (*gin.Engine, *BackgroundServices) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingErr != nil {
		mock.ExpectPing().WillReturnError(pingErr)
	} else {
		mock.ExpectPing()
	}

	cfg := &config.Config{}
	cfg.Credentials.ErrorThreshold = 5

	router, bg := NewRouter(cfg, Deps{
		DB:           db,
		Orchestrator: &fakeOrchestrator{},
		Ledger:       &fakeLedger{},
		Runs:         &fakeRunReader{},
		Tasks:        &fakeTaskReader{},
		Credentials:  newFakeCredentialStore(),
		Usage:        &fakeUsage{},
		Cipher:       &fakeSealer{},
		Pool:         &fakeLeaseBroker{},
		Limiter:      &fakeSlotLimiter{},
		Bus:          &fakeSubscriber{},
		Registry:     testRegistry(t),
		Logger:       testLogger(),
	})
	t.Cleanup(bg.Shutdown)
	return router, bg
}

// ---------------------------------------------------------------------------
// System endpoints
// ---------------------------------------------------------------------------

func TestHealthCheck_Healthy(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := getPath(t, router, "/health")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestHealthCheck_DatabaseDown(t *testing.T) {
	router, _ := newTestRouter(t, fmt.Errorf("connection refused"))

	w := getPath(t, router, "/health")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestVersion(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := getPath(t, router, "/version")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		APIVersion string `json:"api_version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.APIVersion != "v1" {
		t.Errorf("api_version = %q, want v1", resp.APIVersion)
	}
}

// ---------------------------------------------------------------------------
// Arena catalog
// ---------------------------------------------------------------------------

func TestArenaCatalog(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := getPath(t, router, "/api/v1/arenas")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Arenas []struct {
			Platform string `json:"platform"`
			Tiers    map[string]struct {
				CreditsPer1k float64 `json:"credits_per_1k"`
			} `json:"tiers"`
		} `json:"arenas"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Arenas) != 2 {
		t.Fatalf("len(arenas) = %d, want 2", len(resp.Arenas))
	}
	for _, a := range resp.Arenas {
		if len(a.Tiers) == 0 {
			t.Errorf("arena %q has no tiers", a.Platform)
		}
	}
}
