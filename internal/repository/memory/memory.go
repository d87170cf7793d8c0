// Package memory provides an in-process Store used for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
)

// Store keeps settings and the deployment ledger in memory.
type Store struct {
	mu          sync.Mutex
	settings    *domain.Settings
	versions    []domain.SettingsVersion
	deployments map[string]*entry
	seq         int64
	now         func() time.Time
}

type entry struct {
	seq        int64
	deployment domain.Deployment
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		deployments: make(map[string]*entry),
		now:         time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// GetSettings returns a copy of the settings document.
func (s *Store) GetSettings(context.Context) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return nil, repository.ErrNotFound
	}
	return cloneSettings(s.settings), nil
}

// SaveSettings appends a version and points the document at it.
func (s *Store) SaveSettings(_ context.Context, values json.RawMessage, actor string) (*domain.Settings, error) {
	decoded := map[string]any{}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &decoded); err != nil {
			return nil, fmt.Errorf("%w: settings values must be a JSON object", repository.ErrInvalidArgument)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	current := s.settings
	if current == nil {
		current = domain.EmptySettings()
	}
	version := domain.SettingsVersion{
		ID:        uuid.NewString(),
		Version:   current.Version + 1,
		Values:    append(json.RawMessage(nil), values...),
		CreatedBy: actor,
		CreatedAt: now,
	}
	if len(version.Values) == 0 {
		version.Values = json.RawMessage(`{}`)
	}
	s.versions = append(s.versions, version)

	next := cloneSettings(current)
	next.Values = decoded
	next.Version = version.Version
	next.VersionID = version.ID
	next.UpdatedAt = now
	s.settings = next
	return cloneSettings(next), nil
}

// UpdateSettingsStatus writes the status marker, optionally guarded by deployment id.
func (s *Store) UpdateSettingsStatus(_ context.Context, update domain.SettingsStatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.OnlyIfDeployment != "" {
		if s.settings == nil || s.settings.DeploymentID != update.OnlyIfDeployment {
			return false, nil
		}
	}
	if s.settings == nil {
		s.settings = domain.EmptySettings()
	}
	s.settings.Status = update.Status
	if update.DeploymentID != "" {
		s.settings.DeploymentID = update.DeploymentID
	}
	s.settings.UpdatedAt = s.now().UTC()
	return true, nil
}

// ListSettingsVersions returns versions newest first.
func (s *Store) ListSettingsVersions(_ context.Context, limit int) ([]domain.SettingsVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SettingsVersion, 0, len(s.versions))
	for i := len(s.versions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.versions[i])
	}
	return out, nil
}

// CreateDeployment appends a record to the ledger.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	if deployment == nil || deployment.ID == "" {
		return fmt.Errorf("%w: deployment id required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[deployment.ID]; exists {
		return fmt.Errorf("%w: duplicate deployment id", repository.ErrConflict)
	}
	s.seq++
	s.deployments[deployment.ID] = &entry{seq: s.seq, deployment: cloneDeployment(*deployment)}
	return nil
}

// GetDeploymentByID returns a copy of one record.
func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d := cloneDeployment(e.deployment)
	return &d, nil
}

// ListDeployments returns records newest first.
func (s *Store) ListDeployments(_ context.Context, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.orderedLocked()
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]domain.Deployment, 0, len(ordered))
	for _, e := range ordered {
		out = append(out, cloneDeployment(e.deployment))
	}
	return out, nil
}

// ListActiveDeployments returns non-terminal records newest first.
func (s *Store) ListActiveDeployments(_ context.Context) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for _, e := range s.orderedLocked() {
		if !e.deployment.Status.IsTerminal() {
			out = append(out, cloneDeployment(e.deployment))
		}
	}
	return out, nil
}

// UpdateDeploymentDescription sets the progress annotation.
func (s *Store) UpdateDeploymentDescription(_ context.Context, deploymentID, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	e.deployment.Description = description
	e.deployment.UpdatedAt = s.now().UTC()
	return nil
}

// RecordNotifications stores fan-out outcomes on the record.
func (s *Store) RecordNotifications(_ context.Context, deploymentID string, outcomes []domain.NotificationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	e.deployment.Notifications = append([]domain.NotificationOutcome(nil), outcomes...)
	e.deployment.UpdatedAt = s.now().UTC()
	return nil
}

// TransitionDeployment applies a terminal status only to non-terminal records.
func (s *Store) TransitionDeployment(_ context.Context, transition domain.DeploymentTransition) (bool, error) {
	if !transition.Status.IsTerminal() {
		return false, fmt.Errorf("%w: transition target must be terminal", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deployments[transition.DeploymentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if e.deployment.Status.IsTerminal() {
		return false, nil
	}
	completed := transition.CompletedAt
	if completed.IsZero() {
		completed = s.now().UTC()
	}
	e.deployment.Status = transition.Status
	if transition.Description != nil {
		e.deployment.Description = *transition.Description
	}
	e.deployment.CompletedAt = &completed
	e.deployment.UpdatedAt = completed
	return true, nil
}

// PruneDeployments removes everything beyond the newest keep records.
func (s *Store) PruneDeployments(_ context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.orderedLocked()
	if len(ordered) <= keep {
		return 0, nil
	}
	var removed int64
	for _, e := range ordered[keep:] {
		delete(s.deployments, e.deployment.ID)
		removed++
	}
	return removed, nil
}

func (s *Store) orderedLocked() []*entry {
	ordered := make([]*entry, 0, len(s.deployments))
	for _, e := range s.deployments {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.deployment.CreatedAt.Equal(b.deployment.CreatedAt) {
			return a.deployment.CreatedAt.After(b.deployment.CreatedAt)
		}
		return a.seq > b.seq
	})
	return ordered
}

func cloneSettings(in *domain.Settings) *domain.Settings {
	out := *in
	out.Values = make(map[string]any, len(in.Values))
	for k, v := range in.Values {
		out.Values[k] = v
	}
	return &out
}

func cloneDeployment(in domain.Deployment) domain.Deployment {
	out := in
	out.Snapshot = append(json.RawMessage(nil), in.Snapshot...)
	out.Notifications = append([]domain.NotificationOutcome(nil), in.Notifications...)
	if in.RedeployOf != nil {
		v := *in.RedeployOf
		out.RedeployOf = &v
	}
	if in.CompletedAt != nil {
		v := *in.CompletedAt
		out.CompletedAt = &v
	}
	return out
}
