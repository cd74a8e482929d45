package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	quotadomain "github.com/smallbiznis/creditguard/internal/quota/domain"
	"github.com/smallbiznis/creditguard/internal/quota/service"
	"github.com/smallbiznis/creditguard/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, freeCredits, freeDaily int64) (*testkit.World, quotadomain.Service) {
	t.Helper()
	w := testkit.NewWorld(t, testkit.Catalog(freeCredits, freeDaily))
	svc := service.NewService(service.ServiceParam{
		Log:           w.Log,
		Clock:         w.Clock,
		Catalog:       w.Catalog,
		Subscriptions: w.Subscriptions,
		Ledger:        w.Ledger,
		Usage:         w.Usage,
	})
	return w, svc
}

func single(sub string) quotadomain.AuthorizeRequest {
	return quotadomain.AuthorizeRequest{SubscriberID: sub, OperationType: plandomain.OperationSingle, Quantity: 1}
}

func deduct(t *testing.T, w *testkit.World, sub string, n int) {
	t.Helper()
	_, err := w.Ledger.Deduct(context.Background(), ledgerdomain.DeductRequest{
		SubscriberID:  sub,
		Amount:        1,
		OperationType: string(plandomain.OperationSingle),
		CorrelationID: fmt.Sprintf("%s_op_%d", sub, n),
	})
	require.NoError(t, err)
}

func TestFreePlanScenario(t *testing.T) {
	w, resolver := newResolver(t, 2, 2)
	ctx := context.Background()

	first, err := resolver.Authorize(ctx, single("S"))
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(0), first.Daily.Used)
	assert.Equal(t, int64(1), first.Balance.RemainingAfter)
	deduct(t, w, "S", 1)
	assert.Equal(t, int64(1), w.Balance(t, "S"))

	second, err := resolver.Authorize(ctx, single("S"))
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, int64(1), second.Daily.Used)
	deduct(t, w, "S", 2)
	assert.Equal(t, int64(0), w.Balance(t, "S"))

	w.SetBalance(t, "S", 10)
	third, err := resolver.Authorize(ctx, single("S"))
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, quotadomain.ReasonQuotaExceeded, third.Reason)
	assert.Equal(t, int64(10), third.Balance.Balance)
	assert.Equal(t, int64(2), third.Daily.Used)
	assert.Equal(t, int64(2), third.Daily.Limit)
	assert.Equal(t, "free", third.SubscriptionTier)
	assert.True(t, third.Upgrade)
}

func TestDailyCapTakesPrecedenceOverBalance(t *testing.T) {
	w, resolver := newResolver(t, 100, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := resolver.Authorize(ctx, single("sub_cap"))
		require.NoError(t, err)
		require.True(t, d.Allowed)
		deduct(t, w, "sub_cap", i)
	}

	d, err := resolver.Authorize(ctx, single("sub_cap"))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quotadomain.ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, int64(98), d.Balance.Balance)
}

func TestDailyCapResetsAtUTCMidnight(t *testing.T) {
	w, resolver := newResolver(t, 100, 1)
	ctx := context.Background()
	deductAfterEnsure := func(n int) {
		_, err := resolver.Authorize(ctx, single("sub_day"))
		require.NoError(t, err)
		deduct(t, w, "sub_day", n)
	}
	deductAfterEnsure(1)

	d, err := resolver.Authorize(ctx, single("sub_day"))
	require.NoError(t, err)
	assert.Equal(t, quotadomain.ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC), d.Daily.ResetsAt)

	w.Clock.Advance(12 * time.Hour)
	d, err = resolver.Authorize(ctx, single("sub_day"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Daily.Used)
}

func TestInsufficientBalance(t *testing.T) {
	_, resolver := newResolver(t, 3, 100)

	d, err := resolver.Authorize(context.Background(), quotadomain.AuthorizeRequest{
		SubscriberID:  "sub_batch",
		OperationType: plandomain.OperationBatch,
		Quantity:      6,
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, quotadomain.ReasonInsufficientBalance, d.Reason)
	assert.Equal(t, int64(5), d.Balance.RequiredCost)
	assert.Equal(t, int64(3), d.Balance.Balance)
	assert.True(t, d.Upgrade)
}

func TestAuthorizeDoesNotMutate(t *testing.T) {
	w, resolver := newResolver(t, 5, 5)
	for i := 0; i < 3; i++ {
		d, err := resolver.Authorize(context.Background(), single("sub_ro"))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, int64(5), w.Balance(t, "sub_ro"))
	assert.Equal(t, int64(0), w.Count(t, "usage_records", "subscriber_id = ?", "sub_ro"))
	assert.Equal(t, int64(1), w.Count(t, "subscriptions", "subscriber_id = ?", "sub_ro"))
}

func TestAuthorizeRejectsUnknownOperation(t *testing.T) {
	_, resolver := newResolver(t, 5, 5)
	_, err := resolver.Authorize(context.Background(), quotadomain.AuthorizeRequest{
		SubscriberID: "sub_1", OperationType: "video", Quantity: 1,
	})
	assert.ErrorIs(t, err, plandomain.ErrUnknownOperation)
}

func TestCreditInfo(t *testing.T) {
	w, resolver := newResolver(t, 20, 5)
	_, err := resolver.Authorize(context.Background(), single("sub_info"))
	require.NoError(t, err)
	deduct(t, w, "sub_info", 1)

	info, err := resolver.CreditInfo(context.Background(), "sub_info")
	require.NoError(t, err)
	assert.Equal(t, int64(19), info.Balance)
	assert.Equal(t, int64(1), info.DailyUsed)
	assert.Equal(t, int64(5), info.DailyLimit)
	assert.Equal(t, "free", info.SubscriptionTier)
	assert.Equal(t, "active", info.SubscriptionStatus)
	assert.True(t, info.PeriodRefreshDate.After(w.Clock.Now()))
}
