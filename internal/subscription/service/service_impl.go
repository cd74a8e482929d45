package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       subscriptiondomain.Repository
	LedgerRepo ledgerdomain.Repository
	Catalog    plandomain.Catalog
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	ledgerRepo ledgerdomain.Repository
	catalog    plandomain.Catalog
}

func NewService(p Params) subscriptiondomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		ledgerRepo: p.LedgerRepo,
		catalog:    p.Catalog,
	}
}

// AsProvisioner exposes the service to the ledger, which creates accounts on
// first credit without depending on this package.
func AsProvisioner(svc subscriptiondomain.Service) ledgerdomain.Provisioner {
	return svc
}

// EnsureAccount inserts the ledger entry first. Only the caller whose insert
// lands goes on to create the default subscription and the signup grant, so
// concurrent first requests produce one of each.
func (s *Service) EnsureAccount(ctx context.Context, subscriberID string) error {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return subscriptiondomain.ErrInvalidSubscriber
	}

	plan := s.catalog.Default()
	now := s.clock.Now().UTC()
	periodEnd := plan.PeriodEnd(now)

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := &ledgerdomain.LedgerEntry{
			ID:                s.genID.Generate(),
			SubscriberID:      subscriberID,
			CurrentBalance:    plan.CreditsPerPeriod,
			LifetimePurchased: plan.CreditsPerPeriod,
			PeriodStart:       now,
			PeriodEnd:         periodEnd,
			LastRefillAt:      &now,
			NextRefillAt:      &periodEnd,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		inserted, err := s.ledgerRepo.Insert(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		created = true

		// A billing event may have created the subscription before the ledger.
		current, err := s.repo.FindCurrent(ctx, tx, subscriberID, false)
		if err != nil {
			return err
		}
		if current == nil {
			current = &subscriptiondomain.Subscription{
				ID:                 s.genID.Generate(),
				SubscriberID:       subscriberID,
				PlanCode:           plan.Code,
				Status:             subscriptiondomain.SubscriptionStatusActive,
				CurrentPeriodStart: now,
				CurrentPeriodEnd:   periodEnd,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := s.repo.Insert(ctx, tx, current); err != nil {
				return err
			}
		}
		if err := s.ledgerRepo.LinkSubscription(ctx, tx, subscriberID, current.ID, now); err != nil {
			return err
		}

		_, err = s.ledgerRepo.InsertTransaction(ctx, tx, &ledgerdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			SubscriberID: subscriberID,
			Direction:    ledgerdomain.DirectionCredit,
			Amount:       plan.CreditsPerPeriod,
			BalanceAfter: plan.CreditsPerPeriod,
			SourceType:   ledgerdomain.SourceTypeSignupGrant,
			SourceID:     subscriberID,
			CreatedAt:    now,
		})
		return err
	})
	if err != nil {
		return err
	}
	if created {
		s.log.Info("subscriber provisioned",
			zap.String("subscriber_id", subscriberID),
			zap.String("plan_code", plan.Code),
			zap.Int64("starting_balance", plan.CreditsPerPeriod),
		)
	}
	return nil
}

func (s *Service) EnsureDefault(ctx context.Context, subscriberID string) (*subscriptiondomain.Subscription, error) {
	current, err := s.Current(ctx, subscriberID)
	if err == nil || !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return current, err
	}
	if err := s.EnsureAccount(ctx, subscriberID); err != nil {
		return nil, err
	}
	return s.Current(ctx, subscriberID)
}

func (s *Service) Current(ctx context.Context, subscriberID string) (*subscriptiondomain.Subscription, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscriber
	}
	current, err := s.repo.FindCurrent(ctx, s.db, subscriberID, false)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return current, nil
}

func (s *Service) Effective(ctx context.Context, subscriberID string, now time.Time) (subscriptiondomain.Effective, error) {
	current, err := s.Current(ctx, subscriberID)
	if err != nil {
		return subscriptiondomain.Effective{}, err
	}

	entitled := current.IsEntitled(now)
	plan := s.catalog.Default()
	if entitled {
		resolved, err := s.catalog.Get(current.PlanCode)
		switch {
		case err == nil:
			plan = resolved
		case errors.Is(err, plandomain.ErrPlanNotFound):
			s.log.Warn("subscription references unknown plan, using default",
				zap.String("subscriber_id", current.SubscriberID),
				zap.String("plan_code", current.PlanCode),
			)
		default:
			return subscriptiondomain.Effective{}, err
		}
	}

	return subscriptiondomain.Effective{
		Subscription: *current,
		Plan:         plan,
		Entitled:     entitled,
	}, nil
}

// Apply moves the subscriber onto the requested plan and status. A plan change
// or a lapsed (terminal) row is replaced by a new row; otherwise the current
// row is updated in place when the status transition is allowed.
func (s *Service) Apply(ctx context.Context, req subscriptiondomain.ApplyRequest) (subscriptiondomain.ApplyResult, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	if req.SubscriberID == "" {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrInvalidSubscriber
	}
	if !req.Status.Valid() {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrInvalidStatus
	}
	plan, err := s.catalog.Get(req.PlanCode)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}

	now := s.clock.Now().UTC()
	if req.PeriodStart.IsZero() {
		req.PeriodStart = now
	}
	if req.PeriodEnd.IsZero() {
		req.PeriodEnd = plan.PeriodEnd(req.PeriodStart)
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return subscriptiondomain.ApplyResult{}, subscriptiondomain.ErrInvalidPeriod
	}

	var result subscriptiondomain.ApplyResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindCurrent(ctx, tx, req.SubscriberID, true)
		if err != nil {
			return err
		}

		if current != nil && current.PlanCode == plan.Code && !subscriptiondomain.IsTerminal(current.Status) {
			if !subscriptiondomain.CanTransition(current.Status, req.Status) {
				return subscriptiondomain.ErrInvalidTransition
			}
			previous := *current
			s.applyFields(current, req, now)
			if err := s.repo.Update(ctx, tx, current); err != nil {
				return err
			}
			result = subscriptiondomain.ApplyResult{Subscription: *current, Previous: &previous}
			return nil
		}

		next := &subscriptiondomain.Subscription{
			ID:           s.genID.Generate(),
			SubscriberID: req.SubscriberID,
			PlanCode:     plan.Code,
			CreatedAt:    now,
		}
		s.applyFields(next, req, now)
		if current != nil {
			if err := s.repo.Supersede(ctx, tx, current.ID, now); err != nil {
				return err
			}
		}
		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}
		if err := s.ledgerRepo.LinkSubscription(ctx, tx, req.SubscriberID, next.ID, now); err != nil {
			return err
		}
		result = subscriptiondomain.ApplyResult{Subscription: *next, Previous: current, Replaced: current != nil}
		return nil
	})
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}

	s.log.Info("subscription applied",
		zap.String("subscriber_id", req.SubscriberID),
		zap.String("plan_code", plan.Code),
		zap.String("status", string(result.Subscription.Status)),
		zap.Bool("replaced", result.Replaced),
	)
	return result, nil
}

func (s *Service) applyFields(sub *subscriptiondomain.Subscription, req subscriptiondomain.ApplyRequest, now time.Time) {
	sub.Status = req.Status
	sub.CurrentPeriodStart = req.PeriodStart.UTC()
	sub.CurrentPeriodEnd = req.PeriodEnd.UTC()
	sub.CancelAtPeriodEnd = req.CancelAtPeriodEnd
	if req.TrialEnd != nil {
		trialStart := sub.CurrentPeriodStart
		trialEnd := req.TrialEnd.UTC()
		sub.TrialStart = &trialStart
		sub.TrialEnd = &trialEnd
	}
	if req.ExternalSubscriptionID != "" {
		sub.ExternalSubscriptionID = req.ExternalSubscriptionID
	}
	if req.ExternalCustomerID != "" {
		sub.ExternalCustomerID = req.ExternalCustomerID
	}
	sub.UpdatedAt = now
}

func (s *Service) HasActivePaidPlan(ctx context.Context, subscriberID string, now time.Time) (bool, error) {
	effective, err := s.Effective(ctx, subscriberID, now)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return false, nil
		}
		return false, err
	}
	return effective.Entitled && effective.Plan.IsPaid(), nil
}
