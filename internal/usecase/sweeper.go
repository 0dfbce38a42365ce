package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = time.Hour

type sweepRunner interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper runs the retention sweep on a fixed interval until its context ends.
type Sweeper struct {
	runner   sweepRunner
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper. interval <= 0 selects one hour.
func NewSweeper(runner sweepRunner, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{runner: runner, interval: interval, logger: logger}
}

// Run blocks, sweeping once per interval. It returns when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("session sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and logs the outcome.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	removed, err := s.runner.Sweep(ctx)
	if err != nil {
		s.logger.Warn("session sweep failed", zap.Error(err))
		return 0
	}
	if removed > 0 {
		s.logger.Info("expired sessions swept", zap.Int("removed", removed))
	}
	return removed
}
