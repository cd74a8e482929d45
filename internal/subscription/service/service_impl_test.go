package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	"github.com/smallbiznis/creditguard/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDefaultIsIdempotent(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	ctx := context.Background()

	first, err := w.Subscriptions.EnsureDefault(ctx, "sub_1")
	require.NoError(t, err)
	second, err := w.Subscriptions.EnsureDefault(ctx, "sub_1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "free", first.PlanCode)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, first.Status)
	assert.Equal(t, int64(1), w.Count(t, "subscriptions", "subscriber_id = ?", "sub_1"))
	assert.Equal(t, int64(20), w.Balance(t, "sub_1"))
}

func TestEnsureAccountConcurrentCreatesOneOfEach(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Subscriptions.EnsureDefault(ctx, "sub_race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), w.Count(t, "subscriptions", "subscriber_id = ?", "sub_race"))
	assert.Equal(t, int64(1), w.Count(t, "credit_ledgers", "subscriber_id = ?", "sub_race"))
	assert.Equal(t, int64(1), w.Count(t, "credit_transactions", "subscriber_id = ? AND source_type = ?", "sub_race", ledgerdomain.SourceTypeSignupGrant))
	assert.Equal(t, int64(20), w.Balance(t, "sub_race"))

	entry, err := w.Ledger.Read(ctx, "sub_race")
	require.NoError(t, err)
	current, err := w.Subscriptions.Current(ctx, "sub_race")
	require.NoError(t, err)
	assert.Equal(t, current.ID, entry.SubscriptionID)
}

func TestApplyPlanChangeSupersedes(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	ctx := context.Background()
	initial, err := w.Subscriptions.EnsureDefault(ctx, "sub_1")
	require.NoError(t, err)

	res, err := w.Subscriptions.Apply(ctx, subscriptiondomain.ApplyRequest{
		SubscriberID:           "sub_1",
		PlanCode:               "pro",
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		ExternalSubscriptionID: "ls_sub_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	require.NotNil(t, res.Previous)
	assert.Equal(t, initial.ID, res.Previous.ID)
	assert.Equal(t, "pro", res.Subscription.PlanCode)

	assert.Equal(t, int64(2), w.Count(t, "subscriptions", "subscriber_id = ?", "sub_1"))
	assert.Equal(t, int64(1), w.Count(t, "subscriptions", "subscriber_id = ? AND superseded_at IS NULL", "sub_1"))

	entry, err := w.Ledger.Read(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, res.Subscription.ID, entry.SubscriptionID)

	paid, err := w.Subscriptions.HasActivePaidPlan(ctx, "sub_1", w.Clock.Now())
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestApplySamePlanUpdatesInPlace(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	ctx := context.Background()
	created, err := w.Subscriptions.Apply(ctx, subscriptiondomain.ApplyRequest{
		SubscriberID: "sub_1", PlanCode: "pro", Status: subscriptiondomain.SubscriptionStatusActive,
	})
	require.NoError(t, err)
	assert.False(t, created.Replaced)

	paused, err := w.Subscriptions.Apply(ctx, subscriptiondomain.ApplyRequest{
		SubscriberID: "sub_1", PlanCode: "pro", Status: subscriptiondomain.SubscriptionStatusPaused,
	})
	require.NoError(t, err)
	assert.Equal(t, created.Subscription.ID, paused.Subscription.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPaused, paused.Subscription.Status)

	_, err = w.Subscriptions.Apply(ctx, subscriptiondomain.ApplyRequest{
		SubscriberID: "sub_1", PlanCode: "pro", Status: subscriptiondomain.SubscriptionStatusPastDue,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
	assert.Equal(t, int64(1), w.Count(t, "subscriptions", "subscriber_id = ?", "sub_1"))
}

func TestApplyRejectsUnknownPlan(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	_, err := w.Subscriptions.Apply(context.Background(), subscriptiondomain.ApplyRequest{
		SubscriberID: "sub_1", PlanCode: "enterprise", Status: subscriptiondomain.SubscriptionStatusActive,
	})
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestEffectiveFallsBackAfterCanceledPeriod(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	ctx := context.Background()
	now := w.Clock.Now()

	_, err := w.Subscriptions.Apply(ctx, subscriptiondomain.ApplyRequest{
		SubscriberID: "sub_1", PlanCode: "pro", Status: subscriptiondomain.SubscriptionStatusCanceled,
		PeriodStart: now.Add(-24 * time.Hour), PeriodEnd: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	effective, err := w.Subscriptions.Effective(ctx, "sub_1", now)
	require.NoError(t, err)
	assert.True(t, effective.Entitled)
	assert.Equal(t, "pro", effective.Plan.Code)

	later := now.Add(48 * time.Hour)
	effective, err = w.Subscriptions.Effective(ctx, "sub_1", later)
	require.NoError(t, err)
	assert.False(t, effective.Entitled)
	assert.Equal(t, "free", effective.Plan.Code)

	paid, err := w.Subscriptions.HasActivePaidPlan(ctx, "sub_1", later)
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestHasActivePaidPlanUnknownSubscriber(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(20, 5))
	paid, err := w.Subscriptions.HasActivePaidPlan(context.Background(), "nobody", w.Clock.Now())
	require.NoError(t, err)
	assert.False(t, paid)
}
