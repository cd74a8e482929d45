package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/smallbiznis/creditguard/internal/audit/domain"
	auditrepository "github.com/smallbiznis/creditguard/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditguard/internal/audit/service"
	"github.com/smallbiznis/creditguard/internal/billingevent/adapters"
	"github.com/smallbiznis/creditguard/internal/billingevent/adapters/lemonsqueezy"
	billingeventdomain "github.com/smallbiznis/creditguard/internal/billingevent/domain"
	"github.com/smallbiznis/creditguard/internal/billingevent/repository"
	"github.com/smallbiznis/creditguard/internal/billingevent/service"
	"github.com/smallbiznis/creditguard/internal/config"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	operationservice "github.com/smallbiznis/creditguard/internal/operation/service"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	"github.com/smallbiznis/creditguard/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type harness struct {
	world      *testkit.World
	audit      auditdomain.Service
	reconciler billingeventdomain.Reconciler
}

func newHarness(t *testing.T, freeCredits int64) *harness {
	t.Helper()
	w := testkit.NewWorld(t, testkit.Catalog(freeCredits, 100))
	audit := auditservice.NewService(auditservice.Params{
		DB:    w.DB,
		Log:   w.Log,
		GenID: w.Node,
		Clock: w.Clock,
		Repo:  auditrepository.Provide(),
	})
	cfg := config.Config{
		Webhook: config.WebhookConfig{Secret: secret, Provider: "lemonsqueezy"},
		Operation: config.OperationConfig{
			MaxAmount:        10_000,
			GrantMaxAttempts: 3,
			BackoffBase:      10 * time.Millisecond,
			BackoffMax:       100 * time.Millisecond,
		},
	}
	executor := operationservice.NewExecutor(operationservice.Params{
		Config:  cfg,
		Log:     w.Log,
		Clock:   w.Clock,
		Ledger:  w.Ledger,
		Usage:   w.Usage,
		Audit:   audit,
		Metrics: obsmetrics.NewOperationMetrics(prometheus.NewRegistry(), obsmetrics.Config{}),
	})
	reconciler := service.NewService(service.Params{
		DB:            w.DB,
		Log:           w.Log,
		GenID:         w.Node,
		Clock:         w.Clock,
		Config:        cfg,
		Repo:          repository.Provide(),
		Adapters:      adapters.NewRegistry(lemonsqueezy.NewFactory()),
		Catalog:       w.Catalog,
		Subscriptions: w.Subscriptions,
		Executor:      executor,
		Audit:         audit,
	})
	return &harness{world: w, audit: audit, reconciler: reconciler}
}

func payload(eventName, eventID, subscriberID, variantID string) []byte {
	return []byte(fmt.Sprintf(`{
  "meta": {
    "event_name": %q,
    "event_id": %q,
    "custom_data": {"subscriber_id": %q}
  },
  "data": {
    "id": "ls_sub_1",
    "type": "subscriptions",
    "attributes": {
      "status": "active",
      "variant_id": %q,
      "customer_id": "cus_1",
      "renews_at": "2026-07-15T12:00:00Z"
    }
  }
}`, eventName, eventID, subscriberID, variantID))
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleSubscriptionCreatedIsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	body := payload("subscription_created", "evt_1", "sub_1", "var_pro")

	result, err := h.reconciler.Handle(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeApplied, result.Outcome)
	assert.Equal(t, int64(100), result.Granted)
	assert.Equal(t, int64(100), h.world.Balance(t, "sub_1"))

	result, err = h.reconciler.Handle(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeDuplicate, result.Outcome)
	assert.Zero(t, result.Granted)

	assert.Equal(t, int64(100), h.world.Balance(t, "sub_1"))
	assert.Equal(t, int64(1), h.world.Count(t, "billing_events", "event_id = ?", "evt_1"))
	assert.Equal(t, int64(1), h.world.Count(t, "credit_transactions", "source_type = ? AND source_id = ?", "subscription_created", "evt_1"))

	paid, err := h.world.Subscriptions.HasActivePaidPlan(ctx, "sub_1", h.world.Clock.Now())
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	body := payload("subscription_created", "evt_1", "sub_1", "var_pro")

	_, err := h.reconciler.Handle(ctx, body, "deadbeef")
	require.ErrorIs(t, err, billingeventdomain.ErrSignatureInvalid)

	_, err = h.reconciler.Handle(ctx, body, "")
	require.ErrorIs(t, err, billingeventdomain.ErrSignatureMissing)

	assert.Zero(t, h.world.Count(t, "billing_events", "1 = 1"))
	assert.Zero(t, h.world.Count(t, "credit_ledgers", "subscriber_id = ?", "sub_1"))

	logs, err := h.audit.List(ctx, auditdomain.ListFilter{Action: "billing_event.signature_invalid"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, string(auditdomain.SeverityCritical), logs[0].Severity)
}

func TestHandleReprocessesDuplicateWithoutPaidPlan(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	body := payload("subscription_created", "evt_heal", "sub_heal", "var_pro")

	// A previous delivery recorded the event and then failed before applying it.
	require.NoError(t, h.world.DB.Exec(
		`INSERT INTO billing_events (id, provider, event_id, event_type, subscriber_id, payload, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(h.world.Node.Generate()), "lemonsqueezy", "evt_heal", "subscription_created", "sub_heal", string(body), h.world.Clock.Now(),
	).Error)

	result, err := h.reconciler.Handle(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeReprocessed, result.Outcome)
	assert.Equal(t, int64(100), h.world.Balance(t, "sub_heal"))

	result, err = h.reconciler.Handle(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeDuplicate, result.Outcome)
	assert.Equal(t, int64(100), h.world.Balance(t, "sub_heal"))
}

func TestHandleReprocessesUnfinishedEventForPaidSubscriber(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	first := payload("subscription_created", "evt_1", "sub_1", "var_pro")
	_, err := h.reconciler.Handle(ctx, first, sign(first))
	require.NoError(t, err)
	require.Equal(t, int64(100), h.world.Balance(t, "sub_1"))

	// evt_2 was recorded earlier but its application never completed.
	body := payload("subscription_created", "evt_2", "sub_1", "var_pro")
	require.NoError(t, h.world.DB.Exec(
		`INSERT INTO billing_events (id, provider, event_id, event_type, subscriber_id, payload, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(h.world.Node.Generate()), "lemonsqueezy", "evt_2", "subscription_created", "sub_1", string(body), h.world.Clock.Now(),
	).Error)

	result, err := h.reconciler.Handle(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeReprocessed, result.Outcome)
	assert.Equal(t, int64(200), h.world.Balance(t, "sub_1"))
	assert.Equal(t, int64(1), h.world.Count(t, "billing_events", "event_id = ? AND processed_at IS NOT NULL", "evt_2"))

	result, err = h.reconciler.Handle(ctx, body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeDuplicate, result.Outcome)
	assert.Equal(t, int64(200), h.world.Balance(t, "sub_1"))
}

func TestHandleRejectsUnresolvableEvents(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	body := payload("subscription_created", "evt_var", "sub_1", "var_unknown")
	_, err := h.reconciler.Handle(ctx, body, sign(body))
	require.ErrorIs(t, err, billingeventdomain.ErrUnknownVariant)

	body = payload("subscription_created", "evt_anon", "", "var_pro")
	_, err = h.reconciler.Handle(ctx, body, sign(body))
	require.ErrorIs(t, err, billingeventdomain.ErrMissingSubscriber)

	assert.Zero(t, h.world.Count(t, "billing_events", "1 = 1"))
}

func TestHandleIgnoresUnknownEventTypes(t *testing.T) {
	h := newHarness(t, 0)
	body := payload("order_created", "evt_order", "sub_1", "var_pro")

	result, err := h.reconciler.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.OutcomeIgnored, result.Outcome)
	assert.Zero(t, h.world.Count(t, "billing_events", "1 = 1"))
}

func TestHandleLifecycle(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	deliver := func(name, id string) billingeventdomain.Result {
		t.Helper()
		body := payload(name, id, "sub_1", "var_pro")
		result, err := h.reconciler.Handle(ctx, body, sign(body))
		require.NoError(t, err)
		return result
	}

	deliver("subscription_created", "evt_1")
	assert.Equal(t, int64(100), h.world.Balance(t, "sub_1"))

	deliver("subscription_payment_failed", "evt_2")
	current, err := h.world.Subscriptions.Current(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, current.Status)

	h.world.Clock.Advance(time.Hour)
	result := deliver("subscription_payment_success", "evt_3")
	assert.Equal(t, int64(100), result.Granted)
	assert.Equal(t, int64(200), h.world.Balance(t, "sub_1"))

	deliver("subscription_cancelled", "evt_4")
	current, err = h.world.Subscriptions.Current(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, current.Status)
	assert.True(t, current.CancelAtPeriodEnd)
	assert.Equal(t, int64(200), h.world.Balance(t, "sub_1"))
}

func TestNewServiceWithoutSecretRejectsDeliveries(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(0, 100))
	reconciler := service.NewService(service.Params{
		DB:       w.DB,
		Log:      w.Log,
		GenID:    w.Node,
		Clock:    w.Clock,
		Config:   config.Config{Webhook: config.WebhookConfig{Provider: "lemonsqueezy"}},
		Repo:     repository.Provide(),
		Adapters: adapters.NewRegistry(lemonsqueezy.NewFactory()),
		Catalog:  w.Catalog,
	})

	body := payload("subscription_created", "evt_1", "sub_1", "var_pro")
	_, err := reconciler.Handle(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, billingeventdomain.ErrSecretMissing)
}
