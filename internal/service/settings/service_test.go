package settings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository/memory"
	"github.com/splax/settingsd/internal/service/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	targets []notify.Target
}

func (n *fakeNotifier) Notify(ctx context.Context, targets []notify.Target) []notify.Outcome {
	n.targets = targets
	out := make([]notify.Outcome, len(targets))
	for i, target := range targets {
		out[i] = notify.Outcome{Target: target, StatusCode: 200}
		if target.Kind == notify.KindWeb {
			out[i].StatusCode = 503
			out[i].Err = notify.ErrUnexpectedStatus
		}
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.DeploymentEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event domain.DeploymentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func TestGetReturnsEmptyDocumentWhenUnset(t *testing.T) {
	svc := New(memory.New(), nil, nil, nil, testLogger())
	got, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != domain.SettingsID || len(got.Values) != 0 || got.Status != domain.StatusOK {
		t.Fatalf("unexpected empty document %+v", got)
	}
}

func TestUpdateStoresVersionAndRefreshesTargets(t *testing.T) {
	store := memory.New()
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	targets := notify.Targets{
		Services: []notify.Target{{Kind: notify.KindService, Name: "auth", Address: "http://auth"}},
		Web:      &notify.Target{Kind: notify.KindWeb, Name: "web", Address: "http://web"},
	}
	svc := New(store, notifier, targets.ForSettingsUpdate(), publisher, testLogger())

	saved, outcomes, err := svc.Update(context.Background(), json.RawMessage(` {"theme":"dark","maxUsers":10} `), "ops")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Version != 1 || saved.Values["theme"] != "dark" {
		t.Fatalf("expected stored values at version 1, got %+v", saved)
	}
	if len(outcomes) != 2 || notify.Failed(outcomes) != 1 {
		t.Fatalf("expected 2 outcomes with 1 failure, got %+v", outcomes)
	}
	if len(notifier.targets) != 2 || notifier.targets[1].Kind != notify.KindWeb {
		t.Fatalf("expected services plus web, got %+v", notifier.targets)
	}
	if len(publisher.events) != 1 || publisher.events[0].Kind != domain.EventSettingsUpdated {
		t.Fatalf("expected settings.updated event, got %+v", publisher.events)
	}

	got, _ := svc.Get(context.Background())
	if got.VersionID != saved.VersionID {
		t.Fatalf("expected get to return the new version")
	}
	versions, err := svc.Versions(context.Background(), 0)
	if err != nil || len(versions) != 1 {
		t.Fatalf("expected one version, got %d (%v)", len(versions), err)
	}
}

func TestUpdateRejectsNonObject(t *testing.T) {
	svc := New(memory.New(), nil, nil, nil, testLogger())
	for _, raw := range []string{"", "[1,2]", `"text"`, "{broken"} {
		if _, _, err := svc.Update(context.Background(), json.RawMessage(raw), "ops"); !errors.Is(err, ErrInvalidSettings) {
			t.Fatalf("expected ErrInvalidSettings for %q, got %v", raw, err)
		}
	}
}
