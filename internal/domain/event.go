package domain

import "time"

// Deployment event kinds streamed to subscribers.
const (
	EventDeploymentCreated  = "deployment.created"
	EventDeploymentProgress = "deployment.progress"
	EventDeploymentFinished = "deployment.finished"
	EventSettingsUpdated    = "settings.updated"
)

// DeploymentEvent is a live progress notification for a deployment.
type DeploymentEvent struct {
	Kind         string    `json:"kind"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Status       Status    `json:"status,omitempty"`
	Description  string    `json:"description,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
