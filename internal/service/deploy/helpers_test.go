package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository/memory"
	"github.com/splax/settingsd/internal/service/build"
	"github.com/splax/settingsd/internal/service/notify"
	"github.com/splax/settingsd/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

var testTargets = []notify.Target{
	{Kind: notify.KindService, Name: "auth", Address: "http://auth.test"},
	{Kind: notify.KindService, Name: "billing", Address: "http://billing.test"},
	{Kind: notify.KindWebhook, Name: "hook-1", Address: "http://hooks.test/1"},
}

func newTestService(t *testing.T, store *memory.Store, notifier notify.Notifier, provider build.Provider, mutate func(cfg *config.APIConfig)) *Service {
	t.Helper()
	cfg := config.APIConfig{
		PublicURL:           "http://api.test",
		EstimatedDeployTime: time.Hour,
		MaxHistory:          32,
		FinalizeRetries:     3,
		BuildProject:        "web",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := New(store, notifier, testTargets, provider, nil, testLogger(), cfg)
	svc.finalizeBackoff = time.Millisecond
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
	})
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	fail  map[string]bool
}

func (n *fakeNotifier) Notify(ctx context.Context, targets []notify.Target) []notify.Outcome {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
		}
	}
	out := make([]notify.Outcome, 0, len(targets))
	for _, target := range targets {
		o := notify.Outcome{Target: target, StatusCode: 200}
		if n.fail[target.Name] {
			o.StatusCode = 500
			o.Err = errors.New("refresh failed")
		}
		if ctx.Err() != nil {
			o.Err = ctx.Err()
		}
		out = append(out, o)
	}
	return out
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// scriptedProvider replays events, pausing before index pauseAt until gate closes.
type scriptedProvider struct {
	events  []build.Event
	pauseAt int
	gate    chan struct{}
	err     error

	mu       sync.Mutex
	requests []build.Request
}

func (p *scriptedProvider) StreamBuild(ctx context.Context, req build.Request) (build.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &scriptedStream{events: p.events, pauseAt: p.pauseAt, gate: p.gate}, nil
}

type scriptedStream struct {
	events  []build.Event
	pauseAt int
	gate    chan struct{}
	next    int
}

func (s *scriptedStream) Next(ctx context.Context) (build.Event, error) {
	if s.gate != nil && s.next == s.pauseAt {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return build.Event{}, ctx.Err()
		}
	}
	if s.next >= len(s.events) {
		return build.Event{}, io.EOF
	}
	event := s.events[s.next]
	s.next++
	return event, nil
}

func (s *scriptedStream) Close() error { return nil }

// flakyStore fails the first transitions with a transient error.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (bool, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return false, errors.New("connection reset by peer")
	}
	return f.Store.TransitionDeployment(ctx, transition)
}

// lostReplyStore commits the first transition but reports a transport error,
// as when the connection drops after the server applied the update.
type lostReplyStore struct {
	*memory.Store
	mu    sync.Mutex
	calls int
}

func (s *lostReplyStore) TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (bool, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	applied, err := s.Store.TransitionDeployment(ctx, transition)
	if first && err == nil {
		return false, errors.New("connection reset by peer")
	}
	return applied, err
}

// mirrorFailingStore rejects every settings write guarded by a deployment id.
type mirrorFailingStore struct {
	*memory.Store
}

func (s *mirrorFailingStore) UpdateSettingsStatus(ctx context.Context, update domain.SettingsStatusUpdate) (bool, error) {
	if update.OnlyIfDeployment != "" {
		return false, errors.New("settings table locked")
	}
	return s.Store.UpdateSettingsStatus(ctx, update)
}

// createFailingStore fails CreateDeployment while failCreate is set.
type createFailingStore struct {
	*memory.Store
	mu         sync.Mutex
	failCreate bool
}

func (s *createFailingStore) setFailCreate(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = fail
}

func (s *createFailingStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	fail := s.failCreate
	s.mu.Unlock()
	if fail {
		return errors.New("insert deployment: disk full")
	}
	return s.Store.CreateDeployment(ctx, deployment)
}
