package domain

import (
	"encoding/json"
	"time"
)

// SettingsID is the fixed identity of the singleton settings document.
const SettingsID = "settings"

// Settings is the singleton configuration document propagated to dependent services.
type Settings struct {
	ID           string         `json:"id"`
	Values       map[string]any `json:"values"`
	Status       Status         `json:"status"`
	Version      int            `json:"version"`
	VersionID    string         `json:"version_id,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// EmptySettings returns the document observed before anything was stored.
func EmptySettings() *Settings {
	return &Settings{
		ID:     SettingsID,
		Values: map[string]any{},
		Status: StatusOK,
	}
}

// Snapshot serialises the values for embedding in a deployment record.
func (s *Settings) Snapshot() (json.RawMessage, error) {
	values := s.Values
	if values == nil {
		values = map[string]any{}
	}
	return json.Marshal(values)
}

// SettingsVersion is an immutable revision of the settings values.
type SettingsVersion struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Values    json.RawMessage `json:"values"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SettingsStatusUpdate mirrors a deployment state onto the settings document.
type SettingsStatusUpdate struct {
	Status       Status
	DeploymentID string
	// OnlyIfDeployment restricts the write to documents whose DeploymentID matches.
	OnlyIfDeployment string
}
