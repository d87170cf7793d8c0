// Package settings reads and updates the singleton settings document.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
	"github.com/splax/settingsd/internal/service/notify"
)

// ErrInvalidSettings is returned when the submitted values are not a JSON object.
var ErrInvalidSettings = errors.New("settings must be a JSON object")

const defaultVersionLimit = 20

// Publisher receives live events.
type Publisher interface {
	Publish(ctx context.Context, event domain.DeploymentEvent)
}

// Service coordinates settings reads and writes.
type Service struct {
	store     repository.SettingsRepository
	notifier  notify.Notifier
	targets   []notify.Target
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a settings service. publisher may be nil.
func New(store repository.SettingsRepository, notifier notify.Notifier, targets []notify.Target, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		notifier:  notifier,
		targets:   append([]notify.Target(nil), targets...),
		publisher: publisher,
		logger:    logger.With("component", "settings"),
		now:       time.Now,
	}
}

// Get returns the settings document, or the empty document if none is stored.
func (s *Service) Get(ctx context.Context) (*domain.Settings, error) {
	current, err := s.store.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.EmptySettings(), nil
		}
		return nil, err
	}
	if !current.Status.Valid() {
		current.Status = domain.ParseStatus(string(current.Status))
	}
	return current, nil
}

// Update stores values as a new version and asks every dependent service and
// the web front end to refresh. It returns the stored document along with the
// per-target outcomes; refresh failures do not fail the update.
func (s *Service) Update(ctx context.Context, values json.RawMessage, actor string) (*domain.Settings, []notify.Outcome, error) {
	trimmed := bytes.TrimSpace(values)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, nil, ErrInvalidSettings
	}
	saved, err := s.store.SaveSettings(ctx, trimmed, actor)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		return nil, nil, fmt.Errorf("save settings: %w", err)
	}
	s.logger.Info("settings updated", "version", saved.Version, "version_id", saved.VersionID, "actor", actor)

	var outcomes []notify.Outcome
	if s.notifier != nil && len(s.targets) > 0 {
		outcomes = s.notifier.Notify(ctx, s.targets)
		if failed := notify.Failed(outcomes); failed > 0 {
			s.logger.Warn("settings refresh incomplete", "failed", failed, "targets", len(outcomes))
		}
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, domain.DeploymentEvent{
			Kind:        domain.EventSettingsUpdated,
			Status:      saved.Status,
			Description: fmt.Sprintf("version %d", saved.Version),
			OccurredAt:  s.now().UTC(),
		})
	}
	return saved, outcomes, nil
}

// Versions lists stored revisions newest first.
func (s *Service) Versions(ctx context.Context, limit int) ([]domain.SettingsVersion, error) {
	if limit <= 0 {
		limit = defaultVersionLimit
	}
	return s.store.ListSettingsVersions(ctx, limit)
}
