package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/splax/settingsd/internal/domain"
)

// DescriptionWriter persists the progress annotation of a deployment.
type DescriptionWriter interface {
	UpdateDeploymentDescription(ctx context.Context, deploymentID, description string) error
}

// Publisher receives live deployment events.
type Publisher interface {
	Publish(ctx context.Context, event domain.DeploymentEvent)
}

// Result is the terminal outcome of consuming a build stream.
type Result struct {
	Success bool
	Last    *Event
	Events  int
	Err     error
}

// Diagnostic summarises a failed result for the deployment description.
func (r Result) Diagnostic() string {
	switch {
	case r.Last != nil && r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Last.Type, r.Err)
	case r.Last != nil:
		return r.Last.Type
	case r.Err != nil:
		return r.Err.Error()
	default:
		return ""
	}
}

// Adapter consumes a build stream sequentially, recording each event type as
// the deployment description.
type Adapter struct {
	descriptions DescriptionWriter
	publisher    Publisher
	logger       *slog.Logger
	now          func() time.Time
}

// NewAdapter constructs an Adapter. publisher may be nil.
func NewAdapter(descriptions DescriptionWriter, publisher Publisher, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		descriptions: descriptions,
		publisher:    publisher,
		logger:       logger.With("component", "build"),
		now:          time.Now,
	}
}

// Run drains stream until a ready event, a failure, or exhaustion. The stream is
// closed before returning.
func (a *Adapter) Run(ctx context.Context, deploymentID string, stream Stream) Result {
	defer func() {
		if err := stream.Close(); err != nil {
			a.logger.Debug("close build stream", "deployment_id", deploymentID, "error", err)
		}
	}()

	var res Result
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				res.Err = ErrStreamExhausted
			} else {
				res.Err = fmt.Errorf("read build stream: %w", err)
			}
			a.logger.Warn("build stream failed", "deployment_id", deploymentID, "events", res.Events, "error", res.Err)
			return res
		}
		if event.Type == "" {
			continue
		}
		res.Events++
		last := event
		res.Last = &last

		if err := a.descriptions.UpdateDeploymentDescription(ctx, deploymentID, event.Type); err != nil {
			a.logger.Warn("persist build progress failed", "deployment_id", deploymentID, "event", event.Type, "error", err)
		}
		a.publish(ctx, deploymentID, event)

		switch event.Type {
		case EventReady:
			res.Success = true
			a.logger.Info("build ready", "deployment_id", deploymentID, "events", res.Events)
			return res
		case EventError, EventCanceled:
			res.Err = ErrBuildFailed
			if msg := event.Message(); msg != "" {
				res.Err = fmt.Errorf("%w: %s", ErrBuildFailed, msg)
			}
			a.logger.Warn("build reported failure", "deployment_id", deploymentID, "event", event.Type, "error", res.Err)
			return res
		}
	}
}

func (a *Adapter) publish(ctx context.Context, deploymentID string, event Event) {
	if a.publisher == nil {
		return
	}
	a.publisher.Publish(ctx, domain.DeploymentEvent{
		Kind:         domain.EventDeploymentProgress,
		DeploymentID: deploymentID,
		Status:       domain.StatusDeploying,
		Description:  event.Type,
		OccurredAt:   a.now().UTC(),
	})
}
