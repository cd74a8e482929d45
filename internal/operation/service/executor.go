package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/creditguard/internal/audit/domain"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/smallbiznis/creditguard/internal/config"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	operationdomain "github.com/smallbiznis/creditguard/internal/operation/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	"github.com/smallbiznis/creditguard/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	actionCompleted = "operation.completed"
	actionFailed    = "operation.failed"
)

var subscriberIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@|+-]{0,127}$`)

var defaultCreditSources = []ledgerdomain.SourceType{
	ledgerdomain.SourceTypeSignupGrant,
	ledgerdomain.SourceTypeSubscriptionCreated,
	ledgerdomain.SourceTypePaymentSuccess,
	ledgerdomain.SourceTypePeriodRefill,
	ledgerdomain.SourceTypePurchase,
	ledgerdomain.SourceTypePromo,
	ledgerdomain.SourceTypeAdjustment,
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Ledger  ledgerdomain.Service
	Usage   usagedomain.Service
	Audit   auditdomain.Service          `optional:"true"`
	Metrics *obsmetrics.OperationMetrics `optional:"true"`
}

type Executor struct {
	cfg     config.OperationConfig
	log     *zap.Logger
	clock   clock.Clock
	ledger  ledgerdomain.Service
	usage   usagedomain.Service
	audit   auditdomain.Service
	metrics *obsmetrics.OperationMetrics
	tracer  trace.Tracer

	policies map[operationdomain.Type]operationdomain.RetryPolicy
	sources  map[ledgerdomain.SourceType]struct{}
}

func NewExecutor(p Params) operationdomain.Executor {
	return newExecutor(p)
}

func newExecutor(p Params) *Executor {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Operations()
	}
	cfg := p.Config.Operation

	sources := make(map[ledgerdomain.SourceType]struct{})
	if len(cfg.AllowedCreditSources) == 0 {
		for _, src := range defaultCreditSources {
			sources[src] = struct{}{}
		}
	}
	for _, raw := range cfg.AllowedCreditSources {
		sources[ledgerdomain.SourceType(strings.TrimSpace(raw))] = struct{}{}
	}

	return &Executor{
		cfg:     cfg,
		log:     p.Log.Named("operation.executor"),
		clock:   clk,
		ledger:  p.Ledger,
		usage:   p.Usage,
		audit:   p.Audit,
		metrics: metrics,
		tracer:  otel.Tracer("creditguard/operation"),
		policies: map[operationdomain.Type]operationdomain.RetryPolicy{
			operationdomain.TypeDeduct: {MaxAttempts: cfg.DeductMaxAttempts, BaseDelay: cfg.BackoffBase, MaxDelay: cfg.BackoffMax},
			operationdomain.TypeGrant:  {MaxAttempts: cfg.GrantMaxAttempts, BaseDelay: cfg.BackoffBase, MaxDelay: cfg.BackoffMax},
		},
		sources: sources,
	}
}

// Execute validates, snapshots, applies with retry and, when every attempt
// fails, compensates whatever part of the mutation was committed.
func (e *Executor) Execute(ctx context.Context, req operationdomain.Request) (operationdomain.Result, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	if cid := strings.TrimSpace(req.CorrelationID); cid != "" {
		ctx = correlation.ContextWithCorrelationID(ctx, cid)
	}
	ctx, req.CorrelationID = correlation.EnsureCorrelationID(ctx)

	started := e.clock.Now()
	txn := &operationdomain.Transaction{
		ID:            correlation.NewID(),
		Type:          req.Type,
		SubscriberID:  req.SubscriberID,
		CorrelationID: req.CorrelationID,
		State:         operationdomain.StatePending,
		History:       []operationdomain.State{operationdomain.StatePending},
		Risk:          operationdomain.RiskAssessment{Level: operationdomain.RiskLow},
		StartedAt:     started,
	}

	ctx, span := e.tracer.Start(ctx, "operation.execute", trace.WithAttributes(
		attribute.String("operation.type", string(req.Type)),
		attribute.String("operation.transaction_id", txn.ID),
		attribute.String("correlation_id", req.CorrelationID),
	))
	defer span.End()

	log := e.log.With(
		zap.String("transaction_id", txn.ID),
		zap.String("operation", string(req.Type)),
		zap.String("subscriber_id", req.SubscriberID),
		zap.String("correlation_id", req.CorrelationID),
	)

	amount, err := e.validate(req)
	if err != nil {
		e.move(txn, operationdomain.StateFailed)
		return e.finish(ctx, span, log, txn, operationdomain.Result{}, err)
	}
	txn.Amount = amount

	entry, err := e.ledger.Ensure(ctx, req.SubscriberID)
	if err != nil {
		e.move(txn, operationdomain.StateFailed)
		return e.finish(ctx, span, log, txn, operationdomain.Result{}, err)
	}
	txn.Snapshot = entry.Snapshot()

	txn.Risk = e.assess(ctx, req, amount, entry)
	if txn.Risk.Level != operationdomain.RiskLow {
		log.Warn("operation risk flagged",
			zap.String("risk_level", string(txn.Risk.Level)),
			zap.Strings("signals", txn.Risk.Signals),
		)
	}
	if txn.Risk.Level == operationdomain.RiskHigh && e.cfg.BlockOnHighRisk {
		e.move(txn, operationdomain.StateFailed)
		return e.finish(ctx, span, log, txn, operationdomain.Result{}, operationdomain.ErrHighRisk)
	}

	policy := e.policies[req.Type]
	var (
		result     operationdomain.Result
		lastErr    error
		compensate bool
	)
	for attempt := 1; ; attempt++ {
		txn.Attempts = attempt
		e.move(txn, operationdomain.StateInProgress)

		result, lastErr = e.apply(ctx, txn, req, amount)
		outcome := attemptOutcome(lastErr)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("outcome", outcome),
		))
		if lastErr == nil {
			log.Info("operation attempt succeeded", zap.Int("attempt", attempt))
			e.move(txn, operationdomain.StateCompleted)
			compensate = false
			break
		}

		log.Warn("operation attempt failed",
			zap.Int("attempt", attempt),
			zap.String("outcome", outcome),
			zap.Error(lastErr),
		)
		e.move(txn, operationdomain.StateFailed)
		compensate = retryable(lastErr)
		if !compensate || attempt >= policy.Attempts() {
			break
		}

		e.move(txn, operationdomain.StateRetryPending)
		if err := e.clock.Sleep(ctx, jitter(policy.Delay(attempt))); err != nil {
			lastErr = errors.Join(lastErr, err)
			e.move(txn, operationdomain.StateFailed)
			break
		}
	}

	if compensate {
		e.rollback(ctx, log, txn, req)
		lastErr = fmt.Errorf("%w: %w", operationdomain.ErrRetriesExhausted, lastErr)
	}
	return e.finish(ctx, span, log, txn, result, lastErr)
}

func (e *Executor) validate(req operationdomain.Request) (int64, error) {
	if !req.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", operationdomain.ErrInvalidOperation, req.Type)
	}
	if req.SubscriberID == "" {
		return 0, operationdomain.ErrInvalidSubscriber
	}

	var amount int64
	switch req.Type {
	case operationdomain.TypeDeduct:
		cost, err := plandomain.Cost(req.OperationType, req.Quantity)
		if err != nil {
			return 0, err
		}
		amount = cost
	case operationdomain.TypeGrant:
		if _, ok := e.sources[req.SourceType]; !ok {
			return 0, fmt.Errorf("%w: %q", operationdomain.ErrSourceNotAllowed, req.SourceType)
		}
		if strings.TrimSpace(req.SourceID) == "" {
			return 0, ledgerdomain.ErrInvalidSource
		}
		amount = req.Amount
	}

	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", operationdomain.ErrAmountOutOfBounds, amount)
	}
	if e.cfg.MaxAmount > 0 && amount > e.cfg.MaxAmount {
		return 0, fmt.Errorf("%w: %d exceeds %d", operationdomain.ErrAmountOutOfBounds, amount, e.cfg.MaxAmount)
	}
	return amount, nil
}

// assess never fails the operation; lookups that error are skipped.
func (e *Executor) assess(ctx context.Context, req operationdomain.Request, amount int64, entry *ledgerdomain.LedgerEntry) operationdomain.RiskAssessment {
	risk := operationdomain.RiskAssessment{Level: operationdomain.RiskLow}
	now := e.clock.Now()

	if e.cfg.LargeAmount > 0 && amount >= e.cfg.LargeAmount {
		if entry != nil && now.Sub(entry.CreatedAt) < e.cfg.NewAccountAge {
			risk.Raise(operationdomain.RiskHigh, operationdomain.SignalLargeAmountNewAccount)
		} else {
			risk.Raise(operationdomain.RiskMedium, operationdomain.SignalLargeAmount)
		}
	}

	if req.Type == operationdomain.TypeDeduct && e.cfg.VelocityLimit > 0 && e.usage != nil {
		count, err := e.usage.CountSince(ctx, req.SubscriberID, now.Add(-e.cfg.VelocityWindow), now)
		if err == nil && count >= int64(e.cfg.VelocityLimit) {
			risk.Raise(operationdomain.RiskHigh, operationdomain.SignalHighVelocity)
		}
	}

	if e.cfg.FailureLimit > 0 && e.audit != nil {
		since := now.Add(-e.cfg.VelocityWindow)
		failures, err := e.audit.List(ctx, auditdomain.ListFilter{
			SubscriberID: req.SubscriberID,
			Action:       actionFailed,
			StartAt:      &since,
			Limit:        e.cfg.FailureLimit,
		})
		if err == nil && len(failures) >= e.cfg.FailureLimit {
			risk.Raise(operationdomain.RiskHigh, operationdomain.SignalRepeatedFailures)
		}
	}

	if !subscriberIDPattern.MatchString(req.SubscriberID) {
		risk.Raise(operationdomain.RiskMedium, operationdomain.SignalSuspiciousIdentity)
	}
	return risk
}

func (e *Executor) apply(ctx context.Context, txn *operationdomain.Transaction, req operationdomain.Request, amount int64) (operationdomain.Result, error) {
	switch req.Type {
	case operationdomain.TypeDeduct:
		entry, err := e.ledger.Read(ctx, req.SubscriberID)
		if err != nil {
			return operationdomain.Result{}, err
		}
		expected := entry.CurrentBalance
		res, err := e.ledger.Deduct(ctx, ledgerdomain.DeductRequest{
			SubscriberID:    req.SubscriberID,
			Amount:          amount,
			ExpectedBalance: &expected,
			OperationType:   string(req.OperationType),
			Quantity:        req.Quantity,
			CorrelationID:   req.CorrelationID,
			BatchID:         req.BatchID,
			TransactionID:   txn.ID,
		})
		if err != nil {
			return operationdomain.Result{}, err
		}
		return operationdomain.Result{RemainingBalance: res.RemainingBalance, Duplicate: res.Duplicate}, nil
	default:
		res, err := e.ledger.Add(ctx, ledgerdomain.AddRequest{
			SubscriberID:  req.SubscriberID,
			Amount:        amount,
			SourceType:    req.SourceType,
			SourceID:      strings.TrimSpace(req.SourceID),
			CorrelationID: req.CorrelationID,
			TransactionID: txn.ID,
			Period:        req.Period,
		})
		if err != nil {
			return operationdomain.Result{}, err
		}
		return operationdomain.Result{RemainingBalance: res.Balance, Duplicate: !res.Applied}, nil
	}
}

// rollback compensates the journal row this transaction wrote, if any. A row
// left by an earlier call with the same key is never touched. Failures are
// logged and never replace the original error.
func (e *Executor) rollback(ctx context.Context, log *zap.Logger, txn *operationdomain.Transaction, req operationdomain.Request) {
	restore := ledgerdomain.RestoreRequest{
		SubscriberID:  req.SubscriberID,
		CorrelationID: req.CorrelationID,
		TransactionID: txn.ID,
	}
	if req.Type == operationdomain.TypeDeduct {
		restore.SourceType = ledgerdomain.SourceTypeUsage
		restore.SourceID = req.CorrelationID
	} else {
		snapshot := txn.Snapshot
		restore.SourceType = req.SourceType
		restore.SourceID = strings.TrimSpace(req.SourceID)
		restore.Snapshot = &snapshot
	}

	res, err := e.ledger.Restore(context.WithoutCancel(ctx), restore)
	if err != nil {
		e.metrics.IncRollback(string(req.Type), false)
		log.Error("operation rollback failed", zap.Error(err))
		return
	}
	e.metrics.IncRollback(string(req.Type), true)
	if !res.Restored {
		log.Warn("operation failed with nothing to roll back")
		return
	}
	e.move(txn, operationdomain.StateRolledBack)
	log.Warn("operation rolled back",
		zap.Bool("restored", res.Restored),
		zap.Int64("balance", res.Balance),
		zap.Int64("snapshot_balance", txn.Snapshot.Balance),
	)
}

func (e *Executor) finish(ctx context.Context, span trace.Span, log *zap.Logger, txn *operationdomain.Transaction, result operationdomain.Result, err error) (operationdomain.Result, error) {
	txn.FinishedAt = e.clock.Now()
	result.Success = err == nil
	result.TransactionID = txn.ID
	result.State = txn.State
	result.Attempts = txn.Attempts
	result.Amount = txn.Amount
	result.Risk = txn.Risk
	result.History = append([]operationdomain.State(nil), txn.History...)

	e.metrics.ObserveOutcome(string(txn.Type), string(txn.State), txn.Attempts, txn.FinishedAt.Sub(txn.StartedAt))
	span.SetAttributes(
		attribute.String("operation.state", string(txn.State)),
		attribute.Int("operation.attempts", txn.Attempts),
	)

	entry := auditdomain.Entry{
		SubscriberID: txn.SubscriberID,
		ActorType:    auditdomain.ActorTypeSubscriber,
		ActorID:      txn.SubscriberID,
		Action:       actionCompleted,
		TargetType:   "credit_ledger",
		TargetID:     txn.SubscriberID,
		Severity:     auditdomain.SeverityInfo,
		Metadata: map[string]any{
			"transaction_id": txn.ID,
			"operation":      string(txn.Type),
			"state":          string(txn.State),
			"amount":         txn.Amount,
			"attempts":       txn.Attempts,
			"risk_level":     string(txn.Risk.Level),
			"risk_signals":   txn.Risk.Signals,
		},
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.Action = actionFailed
		entry.Severity = auditdomain.SeverityWarning
		entry.Metadata["error"] = err.Error()
		log.Info("operation failed", zap.String("state", string(txn.State)), zap.Error(err))
	} else {
		entry.Metadata["duplicate"] = result.Duplicate
		log.Info("operation completed",
			zap.Int("attempts", txn.Attempts),
			zap.Int64("remaining_balance", result.RemainingBalance),
		)
	}
	if e.audit != nil && txn.SubscriberID != "" {
		if auditErr := e.audit.Record(ctx, entry); auditErr != nil {
			log.Warn("operation audit failed", zap.Error(auditErr))
		}
	}
	return result, err
}

func (e *Executor) move(txn *operationdomain.Transaction, next operationdomain.State) {
	if !operationdomain.CanTransition(txn.State, next) {
		e.log.Error("invalid operation state transition",
			zap.String("transaction_id", txn.ID),
			zap.String("from", string(txn.State)),
			zap.String("to", string(next)),
		)
		return
	}
	txn.State = next
	txn.History = append(txn.History, next)
}

func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidSubscriber),
		errors.Is(err, ledgerdomain.ErrInvalidSource),
		errors.Is(err, ledgerdomain.ErrLedgerNotFound):
		return false
	}
	return true
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledgerdomain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return "insufficient"
	case retryable(err):
		return "transient"
	default:
		return "terminal"
	}
}

// jitter keeps the wait within [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
