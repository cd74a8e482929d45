package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	"github.com/smallbiznis/creditguard/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func provisioned(t *testing.T, credits int64) (*testkit.World, string) {
	t.Helper()
	w := testkit.NewWorld(t, testkit.Catalog(credits, 1000))
	_, err := w.Ledger.Ensure(context.Background(), "sub_1")
	require.NoError(t, err)
	return w, "sub_1"
}

func TestDeductConcurrentNeverNegative(t *testing.T) {
	w, sub := provisioned(t, 10)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Ledger.Deduct(ctx, ledgerdomain.DeductRequest{
				SubscriberID:  sub,
				Amount:        3,
				OperationType: "single",
				CorrelationID: fmt.Sprintf("corr_%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 9, refused)
	assert.Equal(t, int64(1), w.Balance(t, sub))
	assert.Equal(t, int64(3), w.Count(t, "usage_records", "subscriber_id = ?", sub))
}

func TestDeductExpectedBalanceMismatchIsConflict(t *testing.T) {
	w, sub := provisioned(t, 10)
	stale := int64(7)

	_, err := w.Ledger.Deduct(context.Background(), ledgerdomain.DeductRequest{
		SubscriberID:    sub,
		Amount:          1,
		ExpectedBalance: &stale,
		CorrelationID:   "corr_stale",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrConcurrencyConflict)
	assert.Equal(t, int64(10), w.Balance(t, sub))
	assert.Equal(t, int64(0), w.Count(t, "credit_transactions", "source_type = ?", ledgerdomain.SourceTypeUsage))

	fresh := int64(10)
	res, err := w.Ledger.Deduct(context.Background(), ledgerdomain.DeductRequest{
		SubscriberID:    sub,
		Amount:          1,
		ExpectedBalance: &fresh,
		CorrelationID:   "corr_stale",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.RemainingBalance)
}

func TestDeductInsufficientReportsBalance(t *testing.T) {
	w, sub := provisioned(t, 2)

	_, err := w.Ledger.Deduct(context.Background(), ledgerdomain.DeductRequest{
		SubscriberID:  sub,
		Amount:        5,
		CorrelationID: "corr_big",
	})
	var insufficient *ledgerdomain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Balance)
	assert.Equal(t, int64(5), insufficient.Required)
	assert.Equal(t, int64(2), w.Balance(t, sub))
}

func TestDeductReplayIsAppliedOnce(t *testing.T) {
	w, sub := provisioned(t, 10)
	req := ledgerdomain.DeductRequest{SubscriberID: sub, Amount: 4, OperationType: "batch", Quantity: 3, CorrelationID: "corr_replay"}

	first, err := w.Ledger.Deduct(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(6), first.RemainingBalance)

	second, err := w.Ledger.Deduct(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(6), second.RemainingBalance)

	assert.Equal(t, int64(1), w.Count(t, "usage_records", "correlation_id = ?", "corr_replay"))
	entry, err := w.Ledger.Read(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, int64(4), entry.LifetimeUsed)
	assert.Equal(t, int64(4), entry.UsedThisPeriod)
}

func TestDeductUnknownSubscriber(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(10, 10))
	_, err := w.Ledger.Deduct(context.Background(), ledgerdomain.DeductRequest{SubscriberID: "ghost", Amount: 1, CorrelationID: "c"})
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerNotFound)

	_, err = w.Ledger.Deduct(context.Background(), ledgerdomain.DeductRequest{SubscriberID: "ghost", Amount: 0})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestAddIsIdempotentPerSource(t *testing.T) {
	w, sub := provisioned(t, 0)
	req := ledgerdomain.AddRequest{
		SubscriberID: sub,
		Amount:       100,
		SourceType:   ledgerdomain.SourceTypeSubscriptionCreated,
		SourceID:     "evt_1",
	}

	first, err := w.Ledger.Add(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, int64(100), first.Balance)

	second, err := w.Ledger.Add(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, int64(100), w.Balance(t, sub))

	txn, err := w.LedgerRepo.FindTransaction(context.Background(), w.DB, sub, ledgerdomain.SourceTypeSubscriptionCreated, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, int64(100), txn.BalanceAfter)
}

func TestAddProvisionsMissingAccount(t *testing.T) {
	w := testkit.NewWorld(t, testkit.Catalog(5, 10))

	res, err := w.Ledger.Add(context.Background(), ledgerdomain.AddRequest{
		SubscriberID: "sub_new",
		Amount:       20,
		SourceType:   ledgerdomain.SourceTypePromo,
		SourceID:     "welcome",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(25), res.Balance)
	assert.Equal(t, int64(1), w.Count(t, "subscriptions", "subscriber_id = ?", "sub_new"))
	assert.Equal(t, int64(1), w.Count(t, "credit_ledgers", "subscriber_id = ?", "sub_new"))
}

func TestAddWithPeriodResetsUsage(t *testing.T) {
	w, sub := provisioned(t, 10)
	ctx := context.Background()
	_, err := w.Ledger.Deduct(ctx, ledgerdomain.DeductRequest{SubscriberID: sub, Amount: 3, CorrelationID: "c1"})
	require.NoError(t, err)

	start := w.Clock.Now()
	end := start.AddDate(0, 1, 0)
	_, err = w.Ledger.Add(ctx, ledgerdomain.AddRequest{
		SubscriberID: sub,
		Amount:       100,
		SourceType:   ledgerdomain.SourceTypePaymentSuccess,
		SourceID:     "evt_pay",
		Period:       &ledgerdomain.Period{Start: start, End: end},
	})
	require.NoError(t, err)

	entry, err := w.Ledger.Read(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(107), entry.CurrentBalance)
	assert.Equal(t, int64(0), entry.UsedThisPeriod)
	assert.True(t, entry.PeriodEnd.Equal(end))
	require.NotNil(t, entry.NextRefillAt)
	assert.True(t, entry.NextRefillAt.Equal(end))
}

func TestRestoreDebitKeepsConcurrentMutations(t *testing.T) {
	w, sub := provisioned(t, 10)
	ctx := context.Background()

	_, err := w.Ledger.Deduct(ctx, ledgerdomain.DeductRequest{SubscriberID: sub, Amount: 2, CorrelationID: "op_a"})
	require.NoError(t, err)
	_, err = w.Ledger.Deduct(ctx, ledgerdomain.DeductRequest{SubscriberID: sub, Amount: 3, CorrelationID: "op_b"})
	require.NoError(t, err)

	res, err := w.Ledger.Restore(ctx, ledgerdomain.RestoreRequest{
		SubscriberID: sub,
		SourceType:   ledgerdomain.SourceTypeUsage,
		SourceID:     "op_a",
	})
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, int64(7), res.Balance)

	again, err := w.Ledger.Restore(ctx, ledgerdomain.RestoreRequest{
		SubscriberID: sub,
		SourceType:   ledgerdomain.SourceTypeUsage,
		SourceID:     "op_a",
	})
	require.NoError(t, err)
	assert.False(t, again.Restored)
	assert.Equal(t, int64(7), w.Balance(t, sub))

	entry, err := w.Ledger.Read(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.LifetimeUsed)
}

func TestRestoreGrantPutsBackPeriod(t *testing.T) {
	w, sub := provisioned(t, 10)
	ctx := context.Background()

	before, err := w.Ledger.Read(ctx, sub)
	require.NoError(t, err)
	snapshot := before.Snapshot()

	start := w.Clock.Now().Add(time.Hour)
	_, err = w.Ledger.Add(ctx, ledgerdomain.AddRequest{
		SubscriberID: sub,
		Amount:       50,
		SourceType:   ledgerdomain.SourceTypePurchase,
		SourceID:     "order_9",
		Period:       &ledgerdomain.Period{Start: start, End: start.AddDate(0, 1, 0)},
	})
	require.NoError(t, err)

	_, err = w.Ledger.Restore(ctx, ledgerdomain.RestoreRequest{
		SubscriberID: sub,
		SourceType:   ledgerdomain.SourceTypePurchase,
		SourceID:     "order_9",
		Snapshot:     &snapshot,
	})
	require.NoError(t, err)

	after, err := w.Ledger.Read(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, before.CurrentBalance, after.CurrentBalance)
	assert.Equal(t, before.LifetimePurchased, after.LifetimePurchased)
	assert.True(t, before.PeriodStart.Equal(after.PeriodStart))
	assert.True(t, before.PeriodEnd.Equal(after.PeriodEnd))
}

func TestRestoreWithoutJournalIsNoop(t *testing.T) {
	w, sub := provisioned(t, 10)
	res, err := w.Ledger.Restore(context.Background(), ledgerdomain.RestoreRequest{
		SubscriberID: sub,
		SourceType:   ledgerdomain.SourceTypeUsage,
		SourceID:     "never_applied",
	})
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, int64(10), w.Balance(t, sub))
}

func TestRestoreSkipsRowOfAnotherTransaction(t *testing.T) {
	w, sub := provisioned(t, 10)
	ctx := context.Background()

	_, err := w.Ledger.Deduct(ctx, ledgerdomain.DeductRequest{SubscriberID: sub, Amount: 1, CorrelationID: "op_a", TransactionID: "txn_first"})
	require.NoError(t, err)

	res, err := w.Ledger.Restore(ctx, ledgerdomain.RestoreRequest{
		SubscriberID:  sub,
		SourceType:    ledgerdomain.SourceTypeUsage,
		SourceID:      "op_a",
		TransactionID: "txn_replay",
	})
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, int64(9), w.Balance(t, sub))

	res, err = w.Ledger.Restore(ctx, ledgerdomain.RestoreRequest{
		SubscriberID:  sub,
		SourceType:    ledgerdomain.SourceTypeUsage,
		SourceID:      "op_a",
		TransactionID: "txn_first",
	})
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, int64(10), w.Balance(t, sub))
}

func TestRefillTopsUpOncePerPeriod(t *testing.T) {
	w, sub := provisioned(t, 10)
	ctx := context.Background()
	_, err := w.Ledger.Deduct(ctx, ledgerdomain.DeductRequest{SubscriberID: sub, Amount: 8, CorrelationID: "c"})
	require.NoError(t, err)

	entry, err := w.Ledger.Read(ctx, sub)
	require.NoError(t, err)
	w.Clock.Set(entry.PeriodEnd.Add(time.Minute))

	due, err := w.Ledger.ListDueForRefill(ctx, w.Clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	period := ledgerdomain.Period{Start: entry.PeriodEnd, End: entry.PeriodEnd.AddDate(0, 1, 0)}
	res, err := w.Ledger.Refill(ctx, ledgerdomain.RefillRequest{SubscriberID: sub, Target: 10, Period: period})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(8), res.Granted)
	assert.Equal(t, int64(10), res.Balance)

	again, err := w.Ledger.Refill(ctx, ledgerdomain.RefillRequest{SubscriberID: sub, Target: 10, Period: period})
	require.NoError(t, err)
	assert.False(t, again.Applied)

	due, err = w.Ledger.ListDueForRefill(ctx, w.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	refreshed, err := w.Ledger.Read(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refreshed.UsedThisPeriod)
	assert.True(t, refreshed.PeriodStart.Equal(period.Start))
}
