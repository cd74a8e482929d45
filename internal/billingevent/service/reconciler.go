package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/creditguard/internal/audit/domain"
	"github.com/smallbiznis/creditguard/internal/billingevent/adapters"
	billingeventdomain "github.com/smallbiznis/creditguard/internal/billingevent/domain"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/smallbiznis/creditguard/internal/config"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	operationdomain "github.com/smallbiznis/creditguard/internal/operation/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	"github.com/smallbiznis/creditguard/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Repo          billingeventdomain.Repository
	Adapters      *adapters.Registry
	Catalog       plandomain.Catalog
	Subscriptions subscriptiondomain.Service
	Executor      operationdomain.Executor
	Audit         auditdomain.Service `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          billingeventdomain.Repository
	provider      string
	adapter       billingeventdomain.Adapter
	adapterErr    error
	catalog       plandomain.Catalog
	subscriptions subscriptiondomain.Service
	executor      operationdomain.Executor
	audit         auditdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

// NewService resolves the configured provider adapter once. A missing secret
// does not fail startup; every delivery is rejected until it is configured.
func NewService(p Params) billingeventdomain.Reconciler {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	provider := strings.ToLower(strings.TrimSpace(p.Config.Webhook.Provider))
	adapter, err := p.Adapters.NewAdapter(provider, p.Config.Webhook.Secret)
	log := p.Log.Named("billingevent.service")
	if err != nil {
		log.Warn("billing webhook adapter unavailable", zap.String("provider", provider), zap.Error(err))
	}
	return &Service{
		db:            p.DB,
		log:           log,
		genID:         p.GenID,
		clock:         clk,
		repo:          p.Repo,
		provider:      provider,
		adapter:       adapter,
		adapterErr:    err,
		catalog:       p.Catalog,
		subscriptions: p.Subscriptions,
		executor:      p.Executor,
		audit:         p.Audit,
		obsMetrics:    p.ObsMetrics,
	}
}

// Handle verifies the signature before touching the body, records the event
// id, and applies the event unless it was already seen. A duplicate is
// reprocessed when the subscriber still has no active paid plan, or when its
// record was never marked processed, which heals deliveries whose first
// application failed after the record was written. Grants stay exactly-once
// because the ledger keys them by event id.
func (s *Service) Handle(ctx context.Context, payload []byte, signature string) (billingeventdomain.Result, error) {
	if s.adapter == nil {
		return billingeventdomain.Result{}, s.adapterErr
	}
	if err := s.adapter.Verify(ctx, payload, signature); err != nil {
		s.rejectSignature(ctx, err)
		return billingeventdomain.Result{}, err
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		s.obsMetrics.RecordBillingEvent(ctx, "unknown", "rejected")
		return billingeventdomain.Result{}, err
	}
	ctx = correlation.ContextWithCorrelationID(ctx, event.ID)
	result := billingeventdomain.Result{
		EventID:      event.ID,
		EventType:    event.Type,
		SubscriberID: event.SubscriberID,
	}
	log := s.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subscriber_id", event.SubscriberID),
	)

	if !handled(event.Type) {
		log.Info("billing event ignored")
		result.Outcome = billingeventdomain.OutcomeIgnored
		s.obsMetrics.RecordBillingEvent(ctx, string(event.Type), string(result.Outcome))
		return result, nil
	}
	if event.SubscriberID == "" {
		s.reject(ctx, event, billingeventdomain.ErrMissingSubscriber)
		return result, billingeventdomain.ErrMissingSubscriber
	}

	plan, err := s.resolvePlan(ctx, event)
	if err != nil {
		s.reject(ctx, event, err)
		return result, err
	}

	now := s.clock.Now().UTC()
	inserted, err := s.repo.Insert(ctx, s.db, &billingeventdomain.BillingEvent{
		ID:           s.genID.Generate(),
		Provider:     s.provider,
		EventID:      event.ID,
		EventType:    string(event.Type),
		SubscriberID: event.SubscriberID,
		Payload:      datatypes.JSON(payload),
		ReceivedAt:   now,
	})
	if err != nil {
		return result, err
	}

	result.Outcome = billingeventdomain.OutcomeApplied
	if !inserted {
		stored, err := s.repo.FindByEventID(ctx, s.db, event.ID)
		if err != nil {
			return result, err
		}
		unfinished := stored == nil || stored.ProcessedAt == nil
		paid, err := s.subscriptions.HasActivePaidPlan(ctx, event.SubscriberID, now)
		if err != nil {
			return result, err
		}
		if paid && !unfinished {
			log.Info("billing event already processed", zap.Timep("processed_at", stored.ProcessedAt))
			result.Outcome = billingeventdomain.OutcomeDuplicate
			s.obsMetrics.RecordBillingEvent(ctx, string(event.Type), string(result.Outcome))
			s.record(ctx, event, "billing_event.duplicate", auditdomain.SeverityInfo, nil)
			return result, nil
		}
		log.Warn("reprocessing billing event",
			zap.Bool("unfinished", unfinished),
			zap.Bool("active_paid_plan", paid),
		)
		result.Outcome = billingeventdomain.OutcomeReprocessed
	}

	granted, err := s.apply(ctx, event, plan, now)
	if err != nil {
		log.Error("billing event apply failed", zap.Error(err))
		s.obsMetrics.RecordBillingEvent(ctx, string(event.Type), "failed")
		s.record(ctx, event, "billing_event.failed", auditdomain.SeverityWarning, map[string]any{"error": err.Error()})
		return result, err
	}
	result.Granted = granted

	if err := s.repo.MarkProcessed(ctx, s.db, event.ID, s.clock.Now().UTC()); err != nil {
		log.Warn("failed to mark billing event processed", zap.Error(err))
	}

	log.Info("billing event applied",
		zap.String("plan_code", plan.Code),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("granted", granted),
	)
	s.obsMetrics.RecordBillingEvent(ctx, string(event.Type), string(result.Outcome))
	s.record(ctx, event, "billing_event.applied", auditdomain.SeverityInfo, map[string]any{
		"plan_code": plan.Code,
		"outcome":   string(result.Outcome),
		"granted":   granted,
	})
	return result, nil
}

// resolvePlan prefers the variant on the event. Invoice events carry none and
// fall back to the subscriber's current plan.
func (s *Service) resolvePlan(ctx context.Context, event *billingeventdomain.Event) (plandomain.Plan, error) {
	if event.VariantID != "" {
		plan, err := s.catalog.ByVariant(event.VariantID)
		if errors.Is(err, plandomain.ErrVariantNotFound) {
			return plandomain.Plan{}, fmt.Errorf("%w: %s", billingeventdomain.ErrUnknownVariant, event.VariantID)
		}
		return plan, err
	}

	current, err := s.subscriptions.Current(ctx, event.SubscriberID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return plandomain.Plan{}, fmt.Errorf("%w: event has no variant and subscriber has no subscription", billingeventdomain.ErrUnknownVariant)
	}
	if err != nil {
		return plandomain.Plan{}, err
	}
	plan, err := s.catalog.Get(current.PlanCode)
	if errors.Is(err, plandomain.ErrPlanNotFound) {
		return plandomain.Plan{}, fmt.Errorf("%w: %s", billingeventdomain.ErrUnknownVariant, current.PlanCode)
	}
	return plan, err
}

func (s *Service) apply(ctx context.Context, event *billingeventdomain.Event, plan plandomain.Plan, now time.Time) (int64, error) {
	if err := s.subscriptions.EnsureAccount(ctx, event.SubscriberID); err != nil {
		return 0, err
	}

	start := now
	end := plan.PeriodEnd(start)
	if event.RenewsAt != nil && event.RenewsAt.After(start) {
		end = *event.RenewsAt
	}
	if event.Type == billingeventdomain.EventSubscriptionCancelled && event.EndsAt != nil && event.EndsAt.After(start) {
		end = *event.EndsAt
	}

	applied, err := s.subscriptions.Apply(ctx, subscriptiondomain.ApplyRequest{
		SubscriberID:           event.SubscriberID,
		PlanCode:               plan.Code,
		Status:                 statusFor(event),
		PeriodStart:            start,
		PeriodEnd:              end,
		TrialEnd:               event.TrialEndsAt,
		CancelAtPeriodEnd:      event.Type == billingeventdomain.EventSubscriptionCancelled,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		ExternalCustomerID:     event.ExternalCustomerID,
	})
	if errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		// Out-of-order delivery; the current state wins.
		s.log.Warn("billing event transition skipped",
			zap.String("event_id", event.ID),
			zap.String("subscriber_id", event.SubscriberID),
			zap.String("status", string(statusFor(event))),
		)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if !event.Type.Grants() || plan.CreditsPerPeriod <= 0 {
		return 0, nil
	}

	period := ledgerdomain.Period{
		Start: applied.Subscription.CurrentPeriodStart,
		End:   applied.Subscription.CurrentPeriodEnd,
	}
	res, err := s.executor.Execute(ctx, operationdomain.Request{
		Type:          operationdomain.TypeGrant,
		SubscriberID:  event.SubscriberID,
		CorrelationID: event.ID,
		Amount:        plan.CreditsPerPeriod,
		SourceType:    grantSource(event.Type),
		SourceID:      event.ID,
		Period:        &period,
	})
	if err != nil {
		return 0, err
	}
	if res.Duplicate {
		return 0, nil
	}
	return res.Amount, nil
}

func (s *Service) rejectSignature(ctx context.Context, err error) {
	s.log.Error("billing webhook signature rejected", zap.String("provider", s.provider), zap.Error(err))
	s.obsMetrics.RecordBillingEvent(ctx, "unknown", "signature_invalid")
	if s.audit == nil {
		return
	}
	if auditErr := s.audit.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeProvider,
		ActorID:    s.provider,
		Action:     "billing_event.signature_invalid",
		TargetType: "billing_webhook",
		Severity:   auditdomain.SeverityCritical,
		Metadata:   map[string]any{"reason": err.Error()},
	}); auditErr != nil {
		s.log.Warn("billing webhook audit failed", zap.Error(auditErr))
	}
}

func (s *Service) reject(ctx context.Context, event *billingeventdomain.Event, err error) {
	s.log.Warn("billing event rejected",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Error(err),
	)
	s.obsMetrics.RecordBillingEvent(ctx, string(event.Type), "rejected")
	s.record(ctx, event, "billing_event.rejected", auditdomain.SeverityWarning, map[string]any{"error": err.Error()})
}

func (s *Service) record(ctx context.Context, event *billingeventdomain.Event, action string, severity auditdomain.Severity, extra map[string]any) {
	if s.audit == nil {
		return
	}
	metadata := map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"provider":   s.provider,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	if err := s.audit.Record(ctx, auditdomain.Entry{
		SubscriberID: event.SubscriberID,
		ActorType:    auditdomain.ActorTypeProvider,
		ActorID:      s.provider,
		Action:       action,
		TargetType:   "subscription",
		TargetID:     event.ExternalSubscriptionID,
		Severity:     severity,
		Metadata:     metadata,
	}); err != nil {
		s.log.Warn("billing event audit failed", zap.Error(err))
	}
}

func handled(t billingeventdomain.EventType) bool {
	switch t {
	case billingeventdomain.EventSubscriptionCreated,
		billingeventdomain.EventSubscriptionUpdated,
		billingeventdomain.EventSubscriptionCancelled,
		billingeventdomain.EventSubscriptionExpired,
		billingeventdomain.EventSubscriptionPaused,
		billingeventdomain.EventSubscriptionResumed,
		billingeventdomain.EventSubscriptionUnpaused,
		billingeventdomain.EventPaymentSuccess,
		billingeventdomain.EventPaymentFailed:
		return true
	}
	return false
}

func statusFor(event *billingeventdomain.Event) subscriptiondomain.SubscriptionStatus {
	switch event.Type {
	case billingeventdomain.EventSubscriptionCancelled, billingeventdomain.EventSubscriptionExpired:
		return subscriptiondomain.SubscriptionStatusCanceled
	case billingeventdomain.EventSubscriptionPaused:
		return subscriptiondomain.SubscriptionStatusPaused
	case billingeventdomain.EventPaymentFailed:
		return subscriptiondomain.SubscriptionStatusPastDue
	case billingeventdomain.EventSubscriptionUpdated:
		return providerStatus(event.ProviderStatus)
	default:
		return subscriptiondomain.SubscriptionStatusActive
	}
}

// providerStatus maps the provider's subscription status on update events.
func providerStatus(raw string) subscriptiondomain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on_trial":
		return subscriptiondomain.SubscriptionStatusTrialing
	case "past_due", "unpaid":
		return subscriptiondomain.SubscriptionStatusPastDue
	case "paused":
		return subscriptiondomain.SubscriptionStatusPaused
	case "cancelled", "expired":
		return subscriptiondomain.SubscriptionStatusCanceled
	default:
		return subscriptiondomain.SubscriptionStatusActive
	}
}

func grantSource(t billingeventdomain.EventType) ledgerdomain.SourceType {
	if t == billingeventdomain.EventPaymentSuccess {
		return ledgerdomain.SourceTypePaymentSuccess
	}
	return ledgerdomain.SourceTypeSubscriptionCreated
}
