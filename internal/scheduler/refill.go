package scheduler

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/smallbiznis/creditguard/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"github.com/smallbiznis/creditguard/internal/redis"
	"go.uber.org/zap"
)

// maxCatchUpPeriods bounds how many missed periods a stale entry skips over
// to reach the period containing now.
const maxCatchUpPeriods = 1000

// PeriodRefillJob tops up ledgers whose period ended. Subscribers on an
// entitled paid plan are deferred to the end of their paid period: their
// renewal credit arrives with the provider's payment event.
func (s *Scheduler) PeriodRefillJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPeriodRefill, s.cfg.RefillBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	lease, err := s.locker.Acquire(ctx, JobPeriodRefill, s.cfg.LockTTL)
	if errors.Is(err, redis.ErrLockHeld) {
		s.logger(ctx).Debug("period refill held by another replica")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx).Warn("failed to release refill lock", zap.Error(err))
		}
	}()

	now := s.clock.Now().UTC()
	entries, err := s.ledger.ListDueForRefill(ctx, now, s.cfg.RefillBatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		applied, err := s.refillEntry(ctx, entry, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.refill.failed", JobPeriodRefill, entry.SubscriberID, err)
			continue
		}
		if applied {
			processed++
		}
	}
	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobPeriodRefill, "credit_ledgers", processed)
	return jobErr
}

func (s *Scheduler) refillEntry(ctx context.Context, entry ledgerdomain.LedgerEntry, now time.Time) (bool, error) {
	effective, err := s.subscriptions.Effective(ctx, entry.SubscriberID, now)
	if err != nil {
		return false, err
	}
	if effective.Entitled && effective.Plan.IsPaid() {
		// Park the entry until the paid period ends so it does not hold a
		// slot at the head of every batch.
		until := effective.Subscription.CurrentPeriodEnd
		if !until.After(now) {
			until = nextPeriod(effective.Plan, entry.PeriodEnd, now).End
		}
		return false, s.ledger.DeferRefill(ctx, entry.SubscriberID, until)
	}

	period := nextPeriod(effective.Plan, entry.PeriodEnd, now)
	result, err := s.ledger.Refill(ctx, ledgerdomain.RefillRequest{
		SubscriberID: entry.SubscriberID,
		Target:       effective.Plan.CreditsPerPeriod,
		Period:       period,
		Now:          now,
	})
	if err != nil {
		return false, err
	}
	if !result.Applied {
		return false, nil
	}

	subCtx := s.withLogContext(ctx, entry.SubscriberID)
	s.logger(subCtx).Info("scheduler.refill.applied",
		zap.String("plan_code", effective.Plan.Code),
		zap.Int64("granted", result.Granted),
		zap.Int64("balance", result.Balance),
		zap.Time("period_start", period.Start),
		zap.Time("period_end", period.End),
	)
	s.emitAuditEvent(subCtx, auditdomain.Entry{
		SubscriberID: entry.SubscriberID,
		ActorType:    auditdomain.ActorTypeSystem,
		ActorID:      "scheduler",
		Action:       "ledger.period_refill",
		TargetType:   "credit_ledger",
		TargetID:     entry.SubscriberID,
		Severity:     auditdomain.SeverityInfo,
		Metadata: map[string]any{
			"plan_code":    effective.Plan.Code,
			"granted":      result.Granted,
			"balance":      result.Balance,
			"period_start": period.Start.Format(time.RFC3339),
			"period_end":   period.End.Format(time.RFC3339),
		},
	})
	return true, nil
}

// nextPeriod returns the plan period that contains now, stepping forward
// from the end of the previous one so windows stay aligned.
func nextPeriod(plan plandomain.Plan, previousEnd, now time.Time) ledgerdomain.Period {
	start := previousEnd.UTC()
	if start.IsZero() || start.After(now) {
		start = now
	}
	end := plan.PeriodEnd(start)
	for i := 0; i < maxCatchUpPeriods && !end.After(now); i++ {
		start = end
		end = plan.PeriodEnd(start)
	}
	if !end.After(now) {
		start = now
		end = plan.PeriodEnd(now)
	}
	return ledgerdomain.Period{Start: start, End: end}
}
