package deploy

import (
	"context"
	"fmt"
)

// Recover re-arms fallback timers for deployments a previous process left
// pending. Records older than the fallback window are settled immediately.
func (s *Service) Recover(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveDeployments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active deployments: %w", err)
	}
	now := s.now()
	recovered := 0
	for _, d := range active {
		s.mu.Lock()
		_, running := s.tasks[d.ID]
		s.mu.Unlock()
		if running {
			continue
		}
		remaining := s.estimated - now.Sub(d.CreatedAt)
		if remaining <= 0 {
			s.expire(d.ID)
		} else {
			s.fallback.schedule(d.ID, remaining)
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered pending deployments", "count", recovered)
	}
	return recovered, nil
}
