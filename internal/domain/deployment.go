package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle marker shared by deployments and the settings document.
type Status string

// Deployment lifecycle states.
const (
	StatusDeploying Status = "deploying"
	StatusOK        Status = "ok"
	StatusError     Status = "error"
)

// IsTerminal reports whether the status will never change again.
func (s Status) IsTerminal() bool {
	return s == StatusOK || s == StatusError
}

// Valid reports whether s is one of the canonical states.
func (s Status) Valid() bool {
	switch s {
	case StatusDeploying, StatusOK, StatusError:
		return true
	}
	return false
}

// ParseStatus normalises the extended lexicon (info, warning, deployed) onto the
// three canonical states. Unknown values map to deploying.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ok", "deployed", "success":
		return StatusOK
	case "error", "failed":
		return StatusError
	default:
		return StatusDeploying
	}
}

// Deployment is one attempt to propagate a settings snapshot.
type Deployment struct {
	ID                string                `json:"id"`
	SettingsVersionID string                `json:"settings_version_id,omitempty"`
	Snapshot          json.RawMessage       `json:"snapshot"`
	Status            Status                `json:"status"`
	Description       string                `json:"description"`
	RedeployOf        *string               `json:"redeploy_of,omitempty"`
	Notifications     []NotificationOutcome `json:"notifications,omitempty"`
	CreatedBy         string                `json:"created_by,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// DeploymentTransition moves a non-terminal deployment to a terminal state.
type DeploymentTransition struct {
	DeploymentID string
	Status       Status
	Description  *string
	CompletedAt  time.Time
}

// NotificationOutcome records how one fan-out target responded.
type NotificationOutcome struct {
	Target     string `json:"target"`
	Kind       string `json:"kind"`
	Address    string `json:"address"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
