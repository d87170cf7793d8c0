package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
)

func TestTransitionDeploymentOnlyFromNonTerminal(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.CreateDeployment(ctx, &domain.Deployment{ID: "dep-1", Status: domain.StatusDeploying, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}

	diag := "build failed"
	applied, err := store.TransitionDeployment(ctx, domain.DeploymentTransition{DeploymentID: "dep-1", Status: domain.StatusError, Description: &diag})
	if err != nil || !applied {
		t.Fatalf("expected first transition to apply, got applied=%v err=%v", applied, err)
	}
	applied, err = store.TransitionDeployment(ctx, domain.DeploymentTransition{DeploymentID: "dep-1", Status: domain.StatusOK})
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if applied {
		t.Fatal("expected terminal status to be kept")
	}

	got, err := store.GetDeploymentByID(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.Status != domain.StatusError {
		t.Fatalf("expected status error, got %s", got.Status)
	}
	if got.Description != diag {
		t.Fatalf("expected description %q, got %q", diag, got.Description)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestTransitionDeploymentConcurrentWritersSingleWinner(t *testing.T) {
	store := New()
	ctx := context.Background()
	_ = store.CreateDeployment(ctx, &domain.Deployment{ID: "dep-race", Status: domain.StatusDeploying, CreatedAt: time.Now()})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		status := domain.StatusOK
		if i%2 == 0 {
			status = domain.StatusError
		}
		wg.Add(1)
		go func(status domain.Status) {
			defer wg.Done()
			applied, err := store.TransitionDeployment(ctx, domain.DeploymentTransition{DeploymentID: "dep-race", Status: status})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if applied {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(status)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", winners)
	}
}

func TestTransitionDeploymentRejectsNonTerminalTarget(t *testing.T) {
	store := New()
	_, err := store.TransitionDeployment(context.Background(), domain.DeploymentTransition{DeploymentID: "x", Status: domain.StatusDeploying})
	if !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestPruneDeploymentsKeepsNewest(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = store.CreateDeployment(ctx, &domain.Deployment{
			ID:        fmt.Sprintf("dep-%d", i),
			Status:    domain.StatusOK,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	removed, err := store.PruneDeployments(ctx, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	list, _ := store.ListDeployments(ctx, 0)
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].ID != "dep-4" || list[2].ID != "dep-2" {
		t.Fatalf("unexpected retained order: %s..%s", list[0].ID, list[2].ID)
	}

	removed, err = store.PruneDeployments(ctx, 3)
	if err != nil || removed != 0 {
		t.Fatalf("expected idempotent prune, got removed=%d err=%v", removed, err)
	}
}

func TestSaveSettingsVersionsAndGuardedStatus(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.GetSettings(ctx); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}
	first, err := store.SaveSettings(ctx, json.RawMessage(`{"theme":"dark"}`), "user-1")
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
	second, err := store.SaveSettings(ctx, json.RawMessage(`{"theme":"light"}`), "user-2")
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("unexpected versions %d, %d", first.Version, second.Version)
	}
	if second.Values["theme"] != "light" {
		t.Fatalf("unexpected values %v", second.Values)
	}
	versions, _ := store.ListSettingsVersions(ctx, 10)
	if len(versions) != 2 || versions[0].ID != second.VersionID {
		t.Fatalf("expected newest version first, got %+v", versions)
	}

	if _, err := store.UpdateSettingsStatus(ctx, domain.SettingsStatusUpdate{Status: domain.StatusDeploying, DeploymentID: "dep-2"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	applied, err := store.UpdateSettingsStatus(ctx, domain.SettingsStatusUpdate{Status: domain.StatusError, OnlyIfDeployment: "dep-1"})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if applied {
		t.Fatal("expected guarded update for a superseded deployment to be skipped")
	}
	got, _ := store.GetSettings(ctx)
	if got.Status != domain.StatusDeploying || got.DeploymentID != "dep-2" {
		t.Fatalf("unexpected settings state %s/%s", got.Status, got.DeploymentID)
	}
}

func TestSaveSettingsRejectsNonObject(t *testing.T) {
	store := New()
	if _, err := store.SaveSettings(context.Background(), json.RawMessage(`[1,2]`), ""); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
