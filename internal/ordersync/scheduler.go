package ordersync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunOnce executes one bounded sync batch, then the abandoned-order
// cleanup when it is enabled.
func (s *Service) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	if _, err := s.SyncToday(ctx); err != nil {
		return err
	}

	if s.cfg.AutoCancelPending {
		if _, err := s.CancelAbandoned(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunForever runs sync batches on a ticker until ctx is canceled.
func (s *Service) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sync run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
