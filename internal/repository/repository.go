package repository

import (
	"context"
	"encoding/json"

	"github.com/splax/settingsd/internal/domain"
)

// SettingsRepository persists the singleton settings document and its versions.
type SettingsRepository interface {
	// GetSettings returns ErrNotFound when nothing has been stored yet.
	GetSettings(ctx context.Context) (*domain.Settings, error)
	// SaveSettings appends a new version with the given values and points the
	// document at it, atomically.
	SaveSettings(ctx context.Context, values json.RawMessage, actor string) (*domain.Settings, error)
	// UpdateSettingsStatus writes the status marker. With OnlyIfDeployment set it
	// only applies while the document still references that deployment and
	// reports false otherwise.
	UpdateSettingsStatus(ctx context.Context, update domain.SettingsStatusUpdate) (bool, error)
	ListSettingsVersions(ctx context.Context, limit int) ([]domain.SettingsVersion, error)
}

// DeploymentRepository stores the deployment ledger.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// ListDeployments returns records newest first; limit <= 0 returns all.
	ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	UpdateDeploymentDescription(ctx context.Context, deploymentID, description string) error
	RecordNotifications(ctx context.Context, deploymentID string, outcomes []domain.NotificationOutcome) error
	// TransitionDeployment applies a terminal status only while the record is
	// still non-terminal. It reports whether the write happened.
	TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (bool, error)
	// PruneDeployments deletes every record beyond the newest keep entries.
	PruneDeployments(ctx context.Context, keep int) (int64, error)
}

// Store bundles every repository the service needs.
type Store interface {
	SettingsRepository
	DeploymentRepository
	Ping(ctx context.Context) error
}
