package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// RateLimitSweepJob drops empty rate-limit windows and lapsed penalties.
func (s *Scheduler) RateLimitSweepJob(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	ctx, run, owner := s.ensureJobRun(ctx, JobRateLimitSweep, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	removed, err := s.limiter.Sweep(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	run.AddProcessed(removed)
	s.metrics.AddBatchProcessed(JobRateLimitSweep, "ratelimit_keys", removed)
	if removed > 0 {
		s.logger(ctx).Debug("scheduler.ratelimit.swept", zap.Int("removed", removed))
	}
	return nil
}
