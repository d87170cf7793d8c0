package build

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/splax/settingsd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeStream struct {
	events []Event
	err    error
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	event := s.events[0]
	s.events = s.events[1:]
	return event, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type recordingWriter struct {
	mu           sync.Mutex
	descriptions []string
}

func (w *recordingWriter) UpdateDeploymentDescription(ctx context.Context, deploymentID, description string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.descriptions = append(w.descriptions, description)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DeploymentEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.DeploymentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}
