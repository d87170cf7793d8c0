package deploy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
	"github.com/splax/settingsd/internal/repository/memory"
	"github.com/splax/settingsd/internal/service/build"
	"github.com/splax/settingsd/pkg/config"
)

func newStoreService(t *testing.T, store repository.Store, provider build.Provider, mutate func(cfg *config.APIConfig)) *Service {
	t.Helper()
	cfg := config.APIConfig{EstimatedDeployTime: time.Hour, MaxHistory: 32, FinalizeRetries: 3}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := New(store, &fakeNotifier{}, testTargets, provider, nil, testLogger(), cfg)
	svc.finalizeBackoff = time.Millisecond
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
	})
	return svc
}

func TestFinalizeMirrorsStatusWhenCommitReplyIsLost(t *testing.T) {
	ctx := context.Background()
	store := &lostReplyStore{Store: memory.New()}
	svc := newStoreService(t, store, nil, nil)

	d, err := svc.InitiateDeployment(ctx, "", "ops")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.Wait(ctx, d.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	stored, _ := store.GetDeploymentByID(ctx, d.ID)
	if stored.Status != domain.StatusOK {
		t.Fatalf("expected record ok, got %s", stored.Status)
	}
	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != domain.StatusOK {
		t.Fatalf("expected deploy status ok, got %s", status)
	}
}

func TestMirrorFailureStillPrunesAndSettles(t *testing.T) {
	ctx := context.Background()
	store := &mirrorFailingStore{Store: memory.New()}
	svc := newStoreService(t, store, nil, func(cfg *config.APIConfig) {
		cfg.MaxHistory = 1
		cfg.FinalizeRetries = 1
	})

	var last string
	for i := 0; i < 3; i++ {
		d, err := svc.InitiateDeployment(ctx, "", "ops")
		if err != nil {
			t.Fatalf("initiate %d: %v", i, err)
		}
		if err := svc.Wait(ctx, d.ID); err != nil {
			t.Fatalf("expected settled pipeline despite mirror failure, got %v", err)
		}
		last = d.ID
	}
	ledger, err := store.ListDeployments(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected ledger bounded to 1, got %d", len(ledger))
	}
	if ledger[0].ID != last || ledger[0].Status != domain.StatusOK {
		t.Fatalf("expected newest record ok, got %+v", ledger[0])
	}
}

func TestRedeployRevertsSettingsWhenRecordCannotBeCreated(t *testing.T) {
	ctx := context.Background()
	store := &createFailingStore{Store: memory.New()}
	if _, err := store.SaveSettings(ctx, json.RawMessage(`{"theme":"dark"}`), "ops"); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	svc := newStoreService(t, store, nil, nil)

	first, err := svc.InitiateDeployment(ctx, "", "ops")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_ = svc.Wait(ctx, first.ID)
	if _, err := store.SaveSettings(ctx, json.RawMessage(`{"theme":"light"}`), "ops"); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	store.setFailCreate(true)
	if _, err := svc.InitiateDeployment(ctx, first.ID, "ops"); err == nil {
		t.Fatal("expected redeploy to fail")
	}
	settings, _ := store.GetSettings(ctx)
	if settings.Values["theme"] != "light" {
		t.Fatalf("expected replaced values restored, got %+v", settings.Values)
	}
	ledger, _ := store.ListDeployments(ctx, 0)
	if len(ledger) != 1 {
		t.Fatalf("expected no new record, got %d", len(ledger))
	}
}

func TestFallbackReleasesStalledBuildStream(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	provider := &scriptedProvider{
		events:  []build.Event{{Type: build.EventBuilding}},
		pauseAt: 0,
		gate:    make(chan struct{}),
	}
	svc := newStoreService(t, store, provider, func(cfg *config.APIConfig) {
		cfg.EstimatedDeployTime = 100 * time.Millisecond
	})

	d, err := svc.InitiateDeployment(ctx, "", "ops")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.Wait(waitCtx, d.ID); err != nil {
		t.Fatalf("expected pipeline to finish after fallback, got %v", err)
	}
	stored, _ := store.GetDeploymentByID(ctx, d.ID)
	if stored.Status != domain.StatusOK {
		t.Fatalf("expected ok from fallback, got %s", stored.Status)
	}
	if status, _ := svc.Status(ctx); status != domain.StatusOK {
		t.Fatalf("expected deploy status ok, got %s", status)
	}
}
