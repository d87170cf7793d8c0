package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/repository"
)

const (
	defaultFinalizeBackoff = 200 * time.Millisecond
	finalizeTimeout        = 30 * time.Second
)

// finalize applies a terminal status if the record is still pending and
// mirrors the settled status onto the settings document as long as the
// document still belongs to this deployment. Store failures are retried with
// exponential backoff; a missing record is not. A (true, err) result means the
// record was settled but the mirror write failed.
func (s *Service) finalize(ctx context.Context, deploymentID string, status domain.Status, description *string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		ok, err := s.store.TransitionDeployment(ctx, domain.DeploymentTransition{
			DeploymentID: deploymentID,
			Status:       status,
			Description:  description,
			CompletedAt:  s.now().UTC(),
		})
		if err != nil {
			return err
		}
		applied = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("transition deployment: %w", err)
	}
	if !applied {
		// The record may have been settled by an earlier attempt whose reply
		// was lost, so the mirror is rewritten from what the record holds.
		current, getErr := s.store.GetDeploymentByID(ctx, deploymentID)
		if getErr != nil || !current.Status.IsTerminal() {
			return false, nil
		}
		if err := s.mirror(ctx, deploymentID, current.Status); err != nil {
			s.logger.Warn("mirror settled status failed", "deployment_id", deploymentID, "status", current.Status, "error", err)
		}
		return false, nil
	}

	if err := s.mirror(ctx, deploymentID, status); err != nil {
		return true, fmt.Errorf("mirror settings status: %w", err)
	}
	return true, nil
}

// mirror copies status onto the settings document while it still belongs to
// deploymentID. The write is idempotent.
func (s *Service) mirror(ctx context.Context, deploymentID string, status domain.Status) error {
	var mirrored bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		ok, err := s.store.UpdateSettingsStatus(ctx, domain.SettingsStatusUpdate{
			Status:           status,
			OnlyIfDeployment: deploymentID,
		})
		if err != nil {
			return err
		}
		mirrored = ok
		return nil
	})
	if err != nil {
		return err
	}
	if !mirrored {
		s.logger.Debug("settings owned by a newer deployment", "deployment_id", deploymentID, "status", status)
	}
	return nil
}

func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.finalizeRetries), retry.NewExponential(s.finalizeBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			return err
		}
		s.logger.Warn("finalize write failed, retrying", "error", err)
		return retry.RetryableError(err)
	})
}
