package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/creditguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	quotadomain "github.com/smallbiznis/creditguard/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Catalog       plandomain.Catalog
	Subscriptions subscriptiondomain.Service
	Ledger        ledgerdomain.Service
	Usage         usagedomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	log        *zap.Logger
	clock      clock.Clock
	catalog    plandomain.Catalog
	subs       subscriptiondomain.Service
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) quotadomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &service{
		log:        p.Log.Named("quota.service"),
		clock:      clk,
		catalog:    p.Catalog,
		subs:       p.Subscriptions,
		ledger:     p.Ledger,
		usage:      p.Usage,
		obsMetrics: p.ObsMetrics,
	}
}

type state struct {
	effective subscriptiondomain.Effective
	entry     *ledgerdomain.LedgerEntry
	dailyUsed int64
}

// load assigns the default plan on first contact, then reads the effective
// plan, the ledger entry and today's usage count.
func (s *service) load(ctx context.Context, subscriberID string) (state, error) {
	now := s.clock.Now()
	if _, err := s.subs.EnsureDefault(ctx, subscriberID); err != nil {
		return state{}, err
	}
	effective, err := s.subs.Effective(ctx, subscriberID, now)
	if err != nil {
		return state{}, err
	}
	entry, err := s.ledger.Ensure(ctx, subscriberID)
	if err != nil {
		return state{}, err
	}
	dailyUsed, err := s.usage.DailyCount(ctx, subscriberID, now)
	if err != nil {
		return state{}, err
	}
	return state{effective: effective, entry: entry, dailyUsed: dailyUsed}, nil
}

// Authorize checks the daily cap before the balance. Both limits are
// independent: a large balance never lifts the cap.
func (s *service) Authorize(ctx context.Context, req quotadomain.AuthorizeRequest) (quotadomain.Decision, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	if req.SubscriberID == "" {
		return quotadomain.Decision{}, subscriptiondomain.ErrInvalidSubscriber
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	cost, err := plandomain.Cost(req.OperationType, req.Quantity)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	st, err := s.load(ctx, req.SubscriberID)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	plan := st.effective.Plan
	_, resetsAt := usagedomain.DayWindow(s.clock.Now())
	decision := quotadomain.Decision{
		Balance: quotadomain.BalanceInfo{
			Balance:      st.entry.CurrentBalance,
			RequiredCost: cost,
		},
		Daily: quotadomain.DailyInfo{
			Used:      st.dailyUsed,
			Limit:     plan.MaxOperationsPerDay,
			Remaining: nonNegative(plan.MaxOperationsPerDay - st.dailyUsed),
			ResetsAt:  resetsAt,
		},
		SubscriptionTier: plan.Code,
		PeriodRefreshAt:  st.entry.PeriodEnd,
	}

	switch {
	case st.dailyUsed >= plan.MaxOperationsPerDay:
		decision.Reason = quotadomain.ReasonQuotaExceeded
	case st.entry.CurrentBalance < cost:
		decision.Reason = quotadomain.ReasonInsufficientBalance
	default:
		decision.Allowed = true
		decision.Balance.RemainingAfter = st.entry.CurrentBalance - cost
	}
	if !decision.Allowed {
		decision.Balance.RemainingAfter = st.entry.CurrentBalance
		decision.Upgrade = s.hasHigherTier(plan)
	}

	s.obsMetrics.RecordAuthorization(ctx, string(req.OperationType), decision.Allowed, string(decision.Reason))
	if !decision.Allowed {
		s.log.Info("operation denied",
			zap.String("subscriber_id", req.SubscriberID),
			zap.String("operation_type", string(req.OperationType)),
			zap.String("reason", string(decision.Reason)),
			zap.Int64("balance", st.entry.CurrentBalance),
			zap.Int64("daily_used", st.dailyUsed),
			zap.Int64("daily_limit", plan.MaxOperationsPerDay),
		)
	}
	return decision, nil
}

func (s *service) CreditInfo(ctx context.Context, subscriberID string) (quotadomain.CreditInfo, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return quotadomain.CreditInfo{}, subscriptiondomain.ErrInvalidSubscriber
	}
	st, err := s.load(ctx, subscriberID)
	if err != nil {
		return quotadomain.CreditInfo{}, err
	}
	return quotadomain.CreditInfo{
		Balance:            st.entry.CurrentBalance,
		DailyUsed:          st.dailyUsed,
		DailyLimit:         st.effective.Plan.MaxOperationsPerDay,
		SubscriptionTier:   st.effective.Plan.Code,
		SubscriptionStatus: string(st.effective.Subscription.Status),
		PeriodRefreshDate:  st.entry.PeriodEnd,
		UsedThisPeriod:     st.entry.UsedThisPeriod,
		LifetimeUsed:       st.entry.LifetimeUsed,
		LifetimePurchased:  st.entry.LifetimePurchased,
	}, nil
}

func (s *service) hasHigherTier(current plandomain.Plan) bool {
	for _, p := range s.catalog.List() {
		if p.Tier > current.Tier {
			return true
		}
	}
	return false
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
