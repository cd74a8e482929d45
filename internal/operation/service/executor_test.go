package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	auditdomain "github.com/smallbiznis/creditguard/internal/audit/domain"
	auditrepository "github.com/smallbiznis/creditguard/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditguard/internal/audit/service"
	"github.com/smallbiznis/creditguard/internal/config"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	operationdomain "github.com/smallbiznis/creditguard/internal/operation/domain"
	"github.com/smallbiznis/creditguard/internal/operation/service"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"github.com/smallbiznis/creditguard/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func operationConfig() config.OperationConfig {
	return config.OperationConfig{
		MaxAmount:         10_000,
		LargeAmount:       1_000,
		NewAccountAge:     24 * time.Hour,
		VelocityWindow:    time.Minute,
		DeductMaxAttempts: 3,
		GrantMaxAttempts:  5,
		BackoffBase:       100 * time.Millisecond,
		BackoffMax:        2 * time.Second,
	}
}

type harness struct {
	world    *testkit.World
	audit    auditdomain.Service
	registry *prometheus.Registry
	executor operationdomain.Executor
}

func newHarness(t *testing.T, freeCredits int64, opCfg config.OperationConfig, wrap func(ledgerdomain.Service) ledgerdomain.Service) *harness {
	t.Helper()
	w := testkit.NewWorld(t, testkit.Catalog(freeCredits, 100))
	audit := auditservice.NewService(auditservice.Params{
		DB:    w.DB,
		Log:   w.Log,
		GenID: w.Node,
		Clock: w.Clock,
		Repo:  auditrepository.Provide(),
	})
	registry := prometheus.NewRegistry()

	ledger := w.Ledger
	if wrap != nil {
		ledger = wrap(ledger)
	}
	executor := service.NewExecutor(service.Params{
		Config:  config.Config{Operation: opCfg},
		Log:     w.Log,
		Clock:   w.Clock,
		Ledger:  ledger,
		Usage:   w.Usage,
		Audit:   audit,
		Metrics: obsmetrics.NewOperationMetrics(registry, obsmetrics.Config{}),
	})
	return &harness{world: w, audit: audit, registry: registry, executor: executor}
}

func deduct(sub string, op plandomain.OperationType, qty int, correlationID string) operationdomain.Request {
	return operationdomain.Request{
		Type:          operationdomain.TypeDeduct,
		SubscriberID:  sub,
		OperationType: op,
		Quantity:      qty,
		CorrelationID: correlationID,
	}
}

// ackLostLedger applies mutations and then reports failure, as if the
// acknowledgement was lost after commit.
type ackLostLedger struct {
	ledgerdomain.Service
	mu      sync.Mutex
	deducts int
	adds    int
}

var errAckLost = errors.New("ledger acknowledgement lost")

func (l *ackLostLedger) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (ledgerdomain.DeductResult, error) {
	l.mu.Lock()
	l.deducts++
	l.mu.Unlock()
	if _, err := l.Service.Deduct(ctx, req); err != nil {
		return ledgerdomain.DeductResult{}, err
	}
	return ledgerdomain.DeductResult{}, errAckLost
}

func (l *ackLostLedger) Add(ctx context.Context, req ledgerdomain.AddRequest) (ledgerdomain.AddResult, error) {
	l.mu.Lock()
	l.adds++
	l.mu.Unlock()
	if _, err := l.Service.Add(ctx, req); err != nil {
		return ledgerdomain.AddResult{}, err
	}
	return ledgerdomain.AddResult{}, errAckLost
}

// conflictOnceLedger reports a lost race on the first debit only.
type conflictOnceLedger struct {
	ledgerdomain.Service
	once sync.Once
}

func (l *conflictOnceLedger) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (ledgerdomain.DeductResult, error) {
	conflict := false
	l.once.Do(func() { conflict = true })
	if conflict {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrConcurrencyConflict
	}
	return l.Service.Deduct(ctx, req)
}

func TestExecuteDeductCompletes(t *testing.T) {
	h := newHarness(t, 10, operationConfig(), nil)
	ctx := context.Background()

	res, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationBatch, 7, "corr_1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, operationdomain.StateCompleted, res.State)
	assert.Equal(t, int64(5), res.Amount)
	assert.Equal(t, int64(5), res.RemainingBalance)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []operationdomain.State{
		operationdomain.StatePending,
		operationdomain.StateInProgress,
		operationdomain.StateCompleted,
	}, res.History)
	assert.Equal(t, int64(5), h.world.Balance(t, "sub_1"))

	logs, err := h.audit.List(ctx, auditdomain.ListFilter{SubscriberID: "sub_1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "operation.completed", logs[0].Action)
}

func TestExecuteConcurrentDeductsNeverOverdraw(t *testing.T) {
	h := newHarness(t, 8, operationConfig(), nil)
	ctx := context.Background()
	_, err := h.world.Ledger.Ensure(ctx, "sub_1")
	require.NoError(t, err)

	type outcome struct {
		res operationdomain.Result
		err error
	}
	outcomes := make([]outcome, 2)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationBulkImport, 5, []string{"corr_a", "corr_b"}[i]))
			outcomes[i] = outcome{res: res, err: err}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, o := range outcomes {
		if o.err == nil {
			succeeded++
			assert.Equal(t, int64(3), o.res.RemainingBalance)
			continue
		}
		var insufficient *ledgerdomain.InsufficientBalanceError
		require.ErrorAs(t, o.err, &insufficient)
		assert.Contains(t, []int64{3, 8}, insufficient.Balance)
		assert.Equal(t, operationdomain.StateFailed, o.res.State)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(3), h.world.Balance(t, "sub_1"))
}

func TestExecuteInsufficientBalanceIsNotRetried(t *testing.T) {
	h := newHarness(t, 2, operationConfig(), nil)

	res, err := h.executor.Execute(context.Background(), deduct("sub_1", plandomain.OperationBulkImport, 5, "corr_1"))
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, h.world.Clock.Sleeps())
	assert.Equal(t, int64(2), h.world.Balance(t, "sub_1"))
}

func TestExecuteRetriesConflictWithBackoff(t *testing.T) {
	h := newHarness(t, 10, operationConfig(), func(inner ledgerdomain.Service) ledgerdomain.Service {
		return &conflictOnceLedger{Service: inner}
	})

	res, err := h.executor.Execute(context.Background(), deduct("sub_1", plandomain.OperationSingle, 1, "corr_1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []operationdomain.State{
		operationdomain.StatePending,
		operationdomain.StateInProgress,
		operationdomain.StateFailed,
		operationdomain.StateRetryPending,
		operationdomain.StateInProgress,
		operationdomain.StateCompleted,
	}, res.History)

	sleeps := h.world.Clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.GreaterOrEqual(t, sleeps[0], 50*time.Millisecond)
	assert.LessOrEqual(t, sleeps[0], 100*time.Millisecond)
	assert.Equal(t, int64(9), h.world.Balance(t, "sub_1"))
}

func TestExecuteRollsBackDeductAfterExhaustion(t *testing.T) {
	var failing *ackLostLedger
	h := newHarness(t, 10, operationConfig(), func(inner ledgerdomain.Service) ledgerdomain.Service {
		failing = &ackLostLedger{Service: inner}
		return failing
	})
	ctx := context.Background()
	_, err := h.world.Ledger.Ensure(ctx, "sub_1")
	require.NoError(t, err)

	res, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationBatch, 12, "corr_1"))
	require.ErrorIs(t, err, operationdomain.ErrRetriesExhausted)
	require.ErrorIs(t, err, errAckLost)
	assert.False(t, res.Success)
	assert.Equal(t, operationdomain.StateRolledBack, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, failing.deducts)

	assert.Equal(t, int64(10), h.world.Balance(t, "sub_1"))
	assert.Equal(t, int64(1), h.world.Count(t, "credit_transactions", "source_type = ?", "rollback"))

	sleeps := h.world.Clock.Sleeps()
	require.Len(t, sleeps, 2)
	assert.GreaterOrEqual(t, sleeps[0], 50*time.Millisecond)
	assert.LessOrEqual(t, sleeps[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, sleeps[1], 100*time.Millisecond)
	assert.LessOrEqual(t, sleeps[1], 200*time.Millisecond)

	count, err := testutil.GatherAndCount(h.registry, "creditguard_operation_rollbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	logs, err := h.audit.List(ctx, auditdomain.ListFilter{SubscriberID: "sub_1", Action: "operation.failed"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "rolled_back", logs[0].Metadata["state"])
}

func TestExecuteRollsBackGrantPeriod(t *testing.T) {
	h := newHarness(t, 10, operationConfig(), func(inner ledgerdomain.Service) ledgerdomain.Service {
		return &ackLostLedger{Service: inner}
	})
	ctx := context.Background()
	before, err := h.world.Ledger.Ensure(ctx, "sub_1")
	require.NoError(t, err)

	next := ledgerdomain.Period{Start: testkit.Epoch.AddDate(0, 1, 0), End: testkit.Epoch.AddDate(0, 2, 0)}
	res, err := h.executor.Execute(ctx, operationdomain.Request{
		Type:         operationdomain.TypeGrant,
		SubscriberID: "sub_1",
		Amount:       100,
		SourceType:   ledgerdomain.SourceTypePaymentSuccess,
		SourceID:     "evt_9",
		Period:       &next,
	})
	require.ErrorIs(t, err, operationdomain.ErrRetriesExhausted)
	assert.Equal(t, operationdomain.StateRolledBack, res.State)
	assert.Equal(t, 5, res.Attempts)

	after, err := h.world.Ledger.Read(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, before.CurrentBalance, after.CurrentBalance)
	assert.True(t, before.PeriodStart.Equal(after.PeriodStart))
	assert.True(t, before.PeriodEnd.Equal(after.PeriodEnd))
}

// unreachableLedger fails every read and write after a switch is flipped.
type unreachableLedger struct {
	ledgerdomain.Service
	mu   sync.Mutex
	down bool
}

var errConnReset = errors.New("db: connection reset")

func (l *unreachableLedger) fail() {
	l.mu.Lock()
	l.down = true
	l.mu.Unlock()
}

func (l *unreachableLedger) isDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down
}

func (l *unreachableLedger) Read(ctx context.Context, subscriberID string) (*ledgerdomain.LedgerEntry, error) {
	if l.isDown() {
		return nil, errConnReset
	}
	return l.Service.Read(ctx, subscriberID)
}

func (l *unreachableLedger) Add(ctx context.Context, req ledgerdomain.AddRequest) (ledgerdomain.AddResult, error) {
	if l.isDown() {
		return ledgerdomain.AddResult{}, errConnReset
	}
	return l.Service.Add(ctx, req)
}

func TestExecuteReplayedDeductFailureKeepsEarlierCharge(t *testing.T) {
	var ledger *unreachableLedger
	h := newHarness(t, 10, operationConfig(), func(inner ledgerdomain.Service) ledgerdomain.Service {
		ledger = &unreachableLedger{Service: inner}
		return ledger
	})
	ctx := context.Background()

	_, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationSingle, 1, "corr_1"))
	require.NoError(t, err)
	require.Equal(t, int64(9), h.world.Balance(t, "sub_1"))

	ledger.fail()
	res, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationSingle, 1, "corr_1"))
	require.ErrorIs(t, err, operationdomain.ErrRetriesExhausted)
	require.ErrorIs(t, err, errConnReset)
	assert.Equal(t, operationdomain.StateFailed, res.State)

	assert.Equal(t, int64(9), h.world.Balance(t, "sub_1"))
	assert.Zero(t, h.world.Count(t, "credit_transactions", "source_type = ?", "rollback"))
}

func TestExecuteReplayedGrantFailureKeepsEarlierGrant(t *testing.T) {
	var ledger *unreachableLedger
	h := newHarness(t, 0, operationConfig(), func(inner ledgerdomain.Service) ledgerdomain.Service {
		ledger = &unreachableLedger{Service: inner}
		return ledger
	})
	ctx := context.Background()
	next := ledgerdomain.Period{Start: testkit.Epoch.AddDate(0, 1, 0), End: testkit.Epoch.AddDate(0, 2, 0)}
	req := operationdomain.Request{
		Type:         operationdomain.TypeGrant,
		SubscriberID: "sub_1",
		Amount:       100,
		SourceType:   ledgerdomain.SourceTypeSubscriptionCreated,
		SourceID:     "evt_1",
		Period:       &next,
	}

	_, err := h.executor.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(100), h.world.Balance(t, "sub_1"))

	ledger.fail()
	res, err := h.executor.Execute(ctx, req)
	require.ErrorIs(t, err, operationdomain.ErrRetriesExhausted)
	assert.Equal(t, operationdomain.StateFailed, res.State)

	entry, err := h.world.Ledger.Read(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.CurrentBalance)
	assert.True(t, entry.PeriodStart.Equal(next.Start))
	assert.Zero(t, h.world.Count(t, "credit_transactions", "source_type = ?", "rollback"))
}

func TestExecuteGrantIsIdempotentPerSource(t *testing.T) {
	h := newHarness(t, 0, operationConfig(), nil)
	ctx := context.Background()
	req := operationdomain.Request{
		Type:         operationdomain.TypeGrant,
		SubscriberID: "sub_1",
		Amount:       50,
		SourceType:   ledgerdomain.SourceTypePurchase,
		SourceID:     "order_1",
	}

	first, err := h.executor.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.executor.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(50), h.world.Balance(t, "sub_1"))
}

func TestExecuteValidation(t *testing.T) {
	cfg := operationConfig()
	cfg.MaxAmount = 100
	h := newHarness(t, 10, cfg, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  operationdomain.Request
		want error
	}{
		{"unknown type", operationdomain.Request{Type: "transfer", SubscriberID: "s"}, operationdomain.ErrInvalidOperation},
		{"missing subscriber", deduct(" ", plandomain.OperationSingle, 1, ""), operationdomain.ErrInvalidSubscriber},
		{"unknown operation", deduct("s", "render", 1, ""), plandomain.ErrUnknownOperation},
		{"zero quantity", deduct("s", plandomain.OperationSingle, 0, ""), plandomain.ErrInvalidQuantity},
		{"source not allowed", operationdomain.Request{Type: operationdomain.TypeGrant, SubscriberID: "s", Amount: 5, SourceType: "usage", SourceID: "x"}, operationdomain.ErrSourceNotAllowed},
		{"negative grant", operationdomain.Request{Type: operationdomain.TypeGrant, SubscriberID: "s", Amount: -5, SourceType: ledgerdomain.SourceTypePromo, SourceID: "x"}, operationdomain.ErrAmountOutOfBounds},
		{"above ceiling", operationdomain.Request{Type: operationdomain.TypeGrant, SubscriberID: "s", Amount: 101, SourceType: ledgerdomain.SourceTypePromo, SourceID: "x"}, operationdomain.ErrAmountOutOfBounds},
		{"bulk above ceiling", deduct("s", plandomain.OperationFileImport, 101, ""), operationdomain.ErrAmountOutOfBounds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.executor.Execute(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, operationdomain.StateFailed, res.State)
			assert.Zero(t, res.Attempts)
		})
	}
	assert.Zero(t, h.world.Count(t, "credit_ledgers", "1 = 1"))
}

func TestExecuteHighRiskFlagOrBlock(t *testing.T) {
	cfg := operationConfig()
	cfg.LargeAmount = 50
	ctx := context.Background()
	grant := operationdomain.Request{
		Type:         operationdomain.TypeGrant,
		SubscriberID: "sub_1",
		Amount:       60,
		SourceType:   ledgerdomain.SourceTypePromo,
		SourceID:     "promo_1",
	}

	flagged := newHarness(t, 0, cfg, nil)
	res, err := flagged.executor.Execute(ctx, grant)
	require.NoError(t, err)
	assert.Equal(t, operationdomain.RiskHigh, res.Risk.Level)
	assert.Contains(t, res.Risk.Signals, operationdomain.SignalLargeAmountNewAccount)

	cfg.BlockOnHighRisk = true
	blocked := newHarness(t, 0, cfg, nil)
	res, err = blocked.executor.Execute(ctx, grant)
	require.ErrorIs(t, err, operationdomain.ErrHighRisk)
	assert.Equal(t, operationdomain.StateFailed, res.State)
	assert.Equal(t, int64(0), blocked.world.Balance(t, "sub_1"))

	// An established account only raises a medium signal.
	blocked.world.Clock.Advance(48 * time.Hour)
	res, err = blocked.executor.Execute(ctx, grant)
	require.NoError(t, err)
	assert.Equal(t, operationdomain.RiskMedium, res.Risk.Level)
	assert.Contains(t, res.Risk.Signals, operationdomain.SignalLargeAmount)
}

func TestExecuteVelocityAndFailureSignals(t *testing.T) {
	cfg := operationConfig()
	cfg.VelocityLimit = 2
	cfg.FailureLimit = 1
	h := newHarness(t, 3, cfg, nil)
	ctx := context.Background()

	for i, cid := range []string{"c1", "c2"} {
		res, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationSingle, 1, cid))
		require.NoError(t, err, "deduct %d", i)
		assert.Equal(t, operationdomain.RiskLow, res.Risk.Level)
	}

	res, err := h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationBatch, 2, "c3"))
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)
	assert.Contains(t, res.Risk.Signals, operationdomain.SignalHighVelocity)

	res, err = h.executor.Execute(ctx, deduct("sub_1", plandomain.OperationSingle, 1, "c4"))
	require.NoError(t, err)
	assert.Contains(t, res.Risk.Signals, operationdomain.SignalRepeatedFailures)
}
