// Package deploy orchestrates settings deployments: it snapshots the settings
// document, fans the change out to dependent services, follows the optional
// build provider and settles each attempt exactly once.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
	"github.com/splax/settingsd/internal/service/build"
	"github.com/splax/settingsd/internal/service/notify"
	"github.com/splax/settingsd/pkg/config"
)

var (
	// ErrNotFound is returned when a referenced deployment does not exist.
	ErrNotFound = errors.New("deployment not found")
	// ErrDeploymentInProgress is returned when exclusivity is enabled and a
	// deployment is still pending.
	ErrDeploymentInProgress = errors.New("deployment already in progress")
	// ErrClosed is returned once the service has been shut down.
	ErrClosed = errors.New("deployment service closed")
)

// Publisher receives live deployment events.
type Publisher interface {
	Publish(ctx context.Context, event domain.DeploymentEvent)
}

// Service runs deployment pipelines in the background and exposes the ledger.
type Service struct {
	store     repository.Store
	notifier  notify.Notifier
	targets   []notify.Target
	provider  build.Provider
	adapter   *build.Adapter
	publisher Publisher
	pruner    *Pruner
	fallback  *fallbackTimer
	metrics   *pipelineMetrics
	logger    *slog.Logger

	publicURL       string
	project         build.ProjectConfig
	estimated       time.Duration
	exclusive       bool
	finalizeRetries int
	finalizeBackoff time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	initMu sync.Mutex
	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool

	now func() time.Time
}

// New constructs the orchestrator. provider and publisher may be nil; without a
// provider a deployment succeeds once fan-out has settled.
func New(store repository.Store, notifier notify.Notifier, targets []notify.Target, provider build.Provider, publisher Publisher, logger *slog.Logger, cfg config.APIConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "deploy")
	estimated := cfg.EstimatedDeployTime
	if estimated <= 0 {
		estimated = DefaultEstimatedDeployTime
	}
	retries := cfg.FinalizeRetries
	if retries < 0 {
		retries = 0
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     store,
		notifier:  notifier,
		targets:   append([]notify.Target(nil), targets...),
		provider:  provider,
		adapter:   build.NewAdapter(store, publisher, logger),
		publisher: publisher,
		pruner:    NewPruner(store, cfg.MaxHistory, logger),
		metrics:   loadMetrics(),
		logger:    logger,

		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		project: build.ProjectConfig{
			Name:       cfg.BuildProject,
			Target:     cfg.BuildTarget,
			ContextDir: cfg.BuildContextDir,
			ImageTag:   cfg.BuildImageTag,
		},
		estimated:       estimated,
		exclusive:       cfg.DeployExclusive,
		finalizeRetries: retries,
		finalizeBackoff: defaultFinalizeBackoff,

		baseCtx: baseCtx,
		cancel:  cancel,
		tasks:   make(map[string]*Task),
		now:     time.Now,
	}
	s.fallback = newFallbackTimer(realAfterFunc, s.expire)
	return s
}

// InitiateDeployment records a new deployment and starts its pipeline in the
// background. With priorID set, the snapshot of that record is replayed and
// the settings document is restored to it. Pipeline failures are never
// reported here; they surface through the ledger and event stream.
func (s *Service) InitiateDeployment(ctx context.Context, priorID, actor string) (*domain.Deployment, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.isClosed() {
		return nil, ErrClosed
	}

	var prior *domain.Deployment
	if id := strings.TrimSpace(priorID); id != "" {
		found, err := s.store.GetDeploymentByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("load deployment: %w", err)
		}
		prior = found
	}

	if s.exclusive {
		active, err := s.store.ListActiveDeployments(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active deployments: %w", err)
		}
		if len(active) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrDeploymentInProgress, active[0].ID)
		}
	}

	snapshot, versionID, undo, err := s.resolveSnapshot(ctx, prior, actor)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:                uuid.NewString(),
		SettingsVersionID: versionID,
		Snapshot:          snapshot,
		Status:            domain.StatusDeploying,
		Description:       "deployment requested",
		CreatedBy:         actor,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if prior != nil {
		replayed := prior.ID
		deployment.RedeployOf = &replayed
		deployment.Description = "redeploy of " + replayed
	}

	if _, err := s.store.UpdateSettingsStatus(ctx, domain.SettingsStatusUpdate{
		Status:       domain.StatusDeploying,
		DeploymentID: deployment.ID,
	}); err != nil {
		undo(ctx)
		return nil, fmt.Errorf("mark settings deploying: %w", err)
	}
	if err := s.store.CreateDeployment(ctx, deployment); err != nil {
		undo(ctx)
		if _, restoreErr := s.store.UpdateSettingsStatus(ctx, domain.SettingsStatusUpdate{
			Status:           domain.StatusError,
			OnlyIfDeployment: deployment.ID,
		}); restoreErr != nil {
			s.logger.Warn("reset settings status failed", "deployment_id", deployment.ID, "error", restoreErr)
		}
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	s.logger.Info("deployment initiated", "deployment_id", deployment.ID, "settings_version_id", versionID, "redeploy", prior != nil, "actor", actor)
	s.publish(ctx, domain.EventDeploymentCreated, deployment.ID, domain.StatusDeploying, deployment.Description)
	s.start(*deployment)
	return deployment, nil
}

// resolveSnapshot returns the snapshot to deploy and the settings version it
// belongs to. A redeploy restores the prior snapshot as a new version; the
// returned undo puts the replaced values back if the deployment cannot be
// recorded. undo is never nil.
func (s *Service) resolveSnapshot(ctx context.Context, prior *domain.Deployment, actor string) (json.RawMessage, string, func(context.Context), error) {
	noop := func(context.Context) {}
	current, err := s.store.GetSettings(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		current, err = domain.EmptySettings(), nil
	}
	if err != nil {
		return nil, "", noop, fmt.Errorf("load settings: %w", err)
	}
	currentSnapshot, err := current.Snapshot()
	if err != nil {
		return nil, "", noop, fmt.Errorf("snapshot settings: %w", err)
	}
	if prior == nil {
		return currentSnapshot, current.VersionID, noop, nil
	}

	snapshot := append(json.RawMessage(nil), prior.Snapshot...)
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}
	restored, err := s.store.SaveSettings(ctx, snapshot, actor)
	if err != nil {
		return nil, "", noop, fmt.Errorf("restore settings: %w", err)
	}
	undo := func(ctx context.Context) {
		if _, err := s.store.SaveSettings(context.WithoutCancel(ctx), currentSnapshot, actor); err != nil {
			s.logger.Error("revert restored settings failed", "redeploy_of", prior.ID, "error", err)
		}
	}
	return snapshot, restored.VersionID, undo, nil
}

func (s *Service) start(d domain.Deployment) *Task {
	buildCtx, cancelBuild := context.WithCancel(s.baseCtx)
	task := newTask(d.ID, cancelBuild)
	s.mu.Lock()
	s.tasks[d.ID] = task
	s.mu.Unlock()

	s.wg.Add(1)
	s.metrics.inflight.Inc()
	go func() {
		defer s.wg.Done()
		defer s.metrics.inflight.Dec()
		defer cancelBuild()
		status, err := s.run(s.baseCtx, buildCtx, d)
		s.mu.Lock()
		delete(s.tasks, d.ID)
		s.mu.Unlock()
		task.complete(status, err)
	}()
	return task
}

// stopBuild abandons the build stream of a running pipeline, used once the
// fallback has settled its record.
func (s *Service) stopBuild(deploymentID string) {
	s.mu.Lock()
	task := s.tasks[deploymentID]
	s.mu.Unlock()
	if task != nil {
		task.stopBuild()
	}
}

// run is the pipeline body. It returns the status the record holds afterwards.
// buildCtx bounds only the build stream.
func (s *Service) run(ctx, buildCtx context.Context, d domain.Deployment) (domain.Status, error) {
	logger := s.logger.With("deployment_id", d.ID)
	stop := s.fallback.schedule(d.ID, s.estimated)
	defer stop()

	var (
		outcomes []notify.Outcome
		result   *build.Result
		g        errgroup.Group
	)
	g.Go(func() error {
		outcomes = s.notifier.Notify(ctx, s.targets)
		return nil
	})
	if s.provider != nil {
		g.Go(func() error {
			res := s.runBuild(buildCtx, d)
			result = &res
			return nil
		})
	}
	_ = g.Wait()

	s.recordOutcomes(ctx, d.ID, outcomes)
	if err := ctx.Err(); err != nil {
		logger.Warn("deployment pipeline interrupted, leaving record for recovery", "error", err)
		return domain.StatusDeploying, err
	}

	status, description := verdict(outcomes, result)
	applied, err := s.finalize(ctx, d.ID, status, description)
	if err != nil && !applied {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("deployment record vanished before finalize")
			return status, fmt.Errorf("%w: %s", ErrNotFound, d.ID)
		}
		logger.Error("finalize deployment failed", "status", status, "error", err)
		return domain.StatusDeploying, err
	}
	if err != nil {
		logger.Error("deployment settled but settings status not mirrored", "status", status, "error", err)
	}

	final := status
	finalDescription := ""
	if description != nil {
		finalDescription = *description
	}
	if applied {
		s.metrics.recordFinished(string(status), "pipeline")
		logger.Info("deployment finished", "status", status, "notified", len(outcomes), "failed", notify.Failed(outcomes))
	} else if current, getErr := s.store.GetDeploymentByID(ctx, d.ID); getErr == nil {
		final = current.Status
		finalDescription = current.Description
		logger.Info("deployment already settled", "status", current.Status, "pipeline_status", status)
	}

	s.prune(ctx)
	s.publish(ctx, domain.EventDeploymentFinished, d.ID, final, finalDescription)
	return final, nil
}

func (s *Service) runBuild(ctx context.Context, d domain.Deployment) build.Result {
	stream, err := s.provider.StreamBuild(ctx, build.Request{
		DeploymentID:     d.ID,
		SettingsVersion:  d.SettingsVersionID,
		SnapshotLocation: s.SnapshotLocation(d.ID),
		Project:          s.project,
	})
	if err != nil {
		s.logger.Warn("start build failed", "deployment_id", d.ID, "error", err)
		return build.Result{Err: err}
	}
	return s.adapter.Run(ctx, d.ID, stream)
}

func verdict(outcomes []notify.Outcome, result *build.Result) (domain.Status, *string) {
	if result != nil {
		if result.Success {
			return domain.StatusOK, nil
		}
		description := result.Diagnostic()
		if description == "" {
			description = "build failed"
		}
		return domain.StatusError, &description
	}
	description := fmt.Sprintf("notified %d targets, %d failed", len(outcomes), notify.Failed(outcomes))
	return domain.StatusOK, &description
}

func (s *Service) recordOutcomes(ctx context.Context, deploymentID string, outcomes []notify.Outcome) {
	for _, o := range outcomes {
		s.metrics.recordNotification(string(o.Target.Kind), o.OK())
	}
	if len(outcomes) == 0 {
		return
	}
	if err := s.store.RecordNotifications(context.WithoutCancel(ctx), deploymentID, notify.Records(outcomes)); err != nil {
		s.logger.Warn("record notification outcomes failed", "deployment_id", deploymentID, "error", err)
	}
}

// expire is the fallback path: a deployment with no definitive signal after
// the estimated deploy time is assumed to have succeeded.
func (s *Service) expire(deploymentID string) {
	ctx := s.baseCtx
	if ctx.Err() != nil {
		return
	}
	applied, err := s.finalize(ctx, deploymentID, domain.StatusOK, nil)
	if err != nil && !applied {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("fallback skipped, record gone", "deployment_id", deploymentID)
			return
		}
		s.logger.Error("fallback finalize failed", "deployment_id", deploymentID, "error", err)
		return
	}
	if err != nil {
		s.logger.Error("fallback settled deployment but settings status not mirrored", "deployment_id", deploymentID, "error", err)
	}
	if !applied {
		return
	}
	s.stopBuild(deploymentID)
	s.metrics.fallbacks.Inc()
	s.metrics.recordFinished(string(domain.StatusOK), "fallback")
	s.logger.Info("estimated deploy time elapsed, assuming success", "deployment_id", deploymentID, "after", s.estimated)
	s.prune(ctx)
	s.publish(ctx, domain.EventDeploymentFinished, deploymentID, domain.StatusOK, "estimated deploy time elapsed")
}

func (s *Service) prune(ctx context.Context) {
	if _, err := s.pruner.Prune(ctx); err != nil {
		s.logger.Warn("prune deployment history failed", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, kind, deploymentID string, status domain.Status, description string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, domain.DeploymentEvent{
		Kind:         kind,
		DeploymentID: deploymentID,
		Status:       status,
		Description:  description,
		OccurredAt:   s.now().UTC(),
	})
}

// SnapshotLocation is the URL the build provider fetches the snapshot from.
func (s *Service) SnapshotLocation(deploymentID string) string {
	return fmt.Sprintf("%s/deployments/%s/snapshot", s.publicURL, deploymentID)
}

// Wait blocks until the pipeline of deploymentID has finished. It returns
// immediately for records whose pipeline is not running in this process.
func (s *Service) Wait(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	task := s.tasks[deploymentID]
	s.mu.Unlock()
	if task == nil {
		_, err := s.Get(ctx, deploymentID)
		return err
	}
	_, err := task.Wait(ctx)
	return err
}

// Status reports the deploy status mirrored on the settings document.
func (s *Service) Status(ctx context.Context) (domain.Status, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.StatusOK, nil
		}
		return "", err
	}
	if !settings.Status.Valid() {
		return domain.ParseStatus(string(settings.Status)), nil
	}
	return settings.Status, nil
}

// List returns deployments newest first; limit <= 0 returns the whole ledger.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Deployment, error) {
	return s.store.ListDeployments(ctx, limit)
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	d, err := s.store.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
		}
		return nil, err
	}
	return d, nil
}

// Close stops accepting deployments, cancels running pipelines and disarms
// fallback timers. Interrupted records stay pending until Recover.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.fallback.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
