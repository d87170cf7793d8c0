package deploy

import (
	"context"
	"log/slog"

	"github.com/splax/settingsd/internal/repository"
)

// DefaultMaxHistory bounds the ledger when no positive limit is configured.
const DefaultMaxHistory = 32

// Pruner keeps the deployment ledger bounded.
type Pruner struct {
	deployments repository.DeploymentRepository
	max         int
	logger      *slog.Logger
}

// NewPruner constructs a Pruner. Non-positive limits fall back to DefaultMaxHistory.
func NewPruner(deployments repository.DeploymentRepository, max int, logger *slog.Logger) *Pruner {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{deployments: deployments, max: max, logger: logger}
}

// Max returns the retention limit.
func (p *Pruner) Max() int {
	return p.max
}

// Prune deletes every record beyond the newest Max in a single batch.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	removed, err := p.deployments.PruneDeployments(ctx, p.max)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		p.logger.Info("pruned deployment history", "removed", removed, "max_history", p.max)
	}
	return removed, nil
}
