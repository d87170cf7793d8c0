package deploy

import (
	"context"

	"github.com/splax/settingsd/internal/domain"
)

// Task is the join handle of one running deployment pipeline.
type Task struct {
	DeploymentID string

	done      chan struct{}
	stopBuild context.CancelFunc
	status    domain.Status
	err       error
}

func newTask(deploymentID string, stopBuild context.CancelFunc) *Task {
	if stopBuild == nil {
		stopBuild = func() {}
	}
	return &Task{DeploymentID: deploymentID, done: make(chan struct{}), stopBuild: stopBuild}
}

// Done is closed once the pipeline has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the pipeline finishes or ctx ends. It returns the status
// the record held when the pipeline exited.
func (t *Task) Wait(ctx context.Context) (domain.Status, error) {
	select {
	case <-t.done:
		return t.status, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Task) complete(status domain.Status, err error) {
	t.status = status
	t.err = err
	close(t.done)
}
