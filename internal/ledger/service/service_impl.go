package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	"github.com/smallbiznis/creditguard/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxHistoryLimit = 100

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        ledgerdomain.Repository
	UsageRepo   usagedomain.Repository
	Provisioner ledgerdomain.Provisioner `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        ledgerdomain.Repository
	usageRepo   usagedomain.Repository
	provisioner ledgerdomain.Provisioner
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       clk,
		repo:        p.Repo,
		usageRepo:   p.UsageRepo,
		provisioner: p.Provisioner,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Read(ctx context.Context, subscriberID string) (*ledgerdomain.LedgerEntry, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, ledgerdomain.ErrInvalidSubscriber
	}
	entry, err := s.repo.FindBySubscriber(ctx, s.db, subscriberID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ledgerdomain.ErrLedgerNotFound
	}
	return entry, nil
}

// Ensure provisions the subscriber on first access and returns the entry.
func (s *Service) Ensure(ctx context.Context, subscriberID string) (*ledgerdomain.LedgerEntry, error) {
	entry, err := s.Read(ctx, subscriberID)
	if !errors.Is(err, ledgerdomain.ErrLedgerNotFound) || s.provisioner == nil {
		return entry, err
	}
	if err := s.provisioner.EnsureAccount(ctx, subscriberID); err != nil {
		return nil, err
	}
	return s.Read(ctx, subscriberID)
}

// Deduct debits one operation. The journal row keyed by the correlation id is
// written first; losing that insert means the operation was already charged
// and the call reports the current balance as a duplicate.
func (s *Service) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (ledgerdomain.DeductResult, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	if req.SubscriberID == "" {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidSubscriber
	}
	if req.Amount <= 0 {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		req.CorrelationID = correlation.NewID()
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	now := s.clock.Now().UTC()
	var result ledgerdomain.DeductResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		journal := &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			SubscriberID:  req.SubscriberID,
			Direction:     ledgerdomain.DirectionDebit,
			Amount:        req.Amount,
			SourceType:    ledgerdomain.SourceTypeUsage,
			SourceID:      req.CorrelationID,
			CorrelationID: req.CorrelationID,
			TransactionID: req.TransactionID,
			CreatedAt:     now,
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, journal)
		if err != nil {
			return err
		}
		if !inserted {
			entry, err := s.repo.FindBySubscriber(ctx, tx, req.SubscriberID)
			if err != nil {
				return err
			}
			if entry == nil {
				return ledgerdomain.ErrLedgerNotFound
			}
			result = ledgerdomain.DeductResult{RemainingBalance: entry.CurrentBalance, Duplicate: true}
			return nil
		}

		ok, err := s.repo.CompareAndDeduct(ctx, tx, req.SubscriberID, req.Amount, req.ExpectedBalance, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.classifyMiss(ctx, tx, req)
		}

		entry, err := s.repo.FindBySubscriber(ctx, tx, req.SubscriberID)
		if err != nil {
			return err
		}
		if err := s.repo.SetBalanceAfter(ctx, tx, journal.ID, entry.CurrentBalance); err != nil {
			return err
		}
		if err := s.usageRepo.Insert(ctx, tx, &usagedomain.UsageRecord{
			ID:            s.genID.Generate(),
			SubscriberID:  req.SubscriberID,
			OperationType: req.OperationType,
			Quantity:      req.Quantity,
			Cost:          req.Amount,
			CorrelationID: req.CorrelationID,
			BatchID:       req.BatchID,
			OccurredAt:    now,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		result = ledgerdomain.DeductResult{RemainingBalance: entry.CurrentBalance}
		return nil
	})
	if err != nil {
		s.obsMetrics.RecordDeduction(ctx, req.OperationType, deductOutcome(err))
		return ledgerdomain.DeductResult{}, err
	}

	outcome := "applied"
	if result.Duplicate {
		outcome = "duplicate"
	}
	s.obsMetrics.RecordDeduction(ctx, req.OperationType, outcome)
	return result, nil
}

// classifyMiss explains why the conditional debit touched no row.
func (s *Service) classifyMiss(ctx context.Context, tx *gorm.DB, req ledgerdomain.DeductRequest) error {
	entry, err := s.repo.FindBySubscriber(ctx, tx, req.SubscriberID)
	if err != nil {
		return err
	}
	if entry == nil {
		return ledgerdomain.ErrLedgerNotFound
	}
	if entry.CurrentBalance < req.Amount {
		return &ledgerdomain.InsufficientBalanceError{Balance: entry.CurrentBalance, Required: req.Amount}
	}
	return ledgerdomain.ErrConcurrencyConflict
}

func deductOutcome(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ledgerdomain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ledgerdomain.ErrLedgerNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Add credits the ledger once per (source type, source id). A subscriber
// without an entry is provisioned first.
func (s *Service) Add(ctx context.Context, req ledgerdomain.AddRequest) (ledgerdomain.AddResult, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SubscriberID == "" {
		return ledgerdomain.AddResult{}, ledgerdomain.ErrInvalidSubscriber
	}
	if req.Amount < 0 {
		return ledgerdomain.AddResult{}, ledgerdomain.ErrInvalidAmount
	}
	if req.SourceType == "" || req.SourceID == "" {
		return ledgerdomain.AddResult{}, ledgerdomain.ErrInvalidSource
	}

	result, err := s.add(ctx, req)
	if errors.Is(err, ledgerdomain.ErrLedgerNotFound) && s.provisioner != nil {
		if err := s.provisioner.EnsureAccount(ctx, req.SubscriberID); err != nil {
			return ledgerdomain.AddResult{}, err
		}
		result, err = s.add(ctx, req)
	}
	if err != nil {
		return ledgerdomain.AddResult{}, err
	}
	if result.Applied {
		s.obsMetrics.RecordCreditGrant(ctx, string(req.SourceType), req.Amount)
	}
	return result, nil
}

func (s *Service) add(ctx context.Context, req ledgerdomain.AddRequest) (ledgerdomain.AddResult, error) {
	now := s.clock.Now().UTC()
	var result ledgerdomain.AddResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		journal := &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			SubscriberID:  req.SubscriberID,
			Direction:     ledgerdomain.DirectionCredit,
			Amount:        req.Amount,
			SourceType:    req.SourceType,
			SourceID:      req.SourceID,
			CorrelationID: req.CorrelationID,
			TransactionID: req.TransactionID,
			CreatedAt:     now,
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, journal)
		if err != nil {
			return err
		}

		if inserted {
			ok, err := s.repo.Credit(ctx, tx, req.SubscriberID, req.Amount, req.Period, now)
			if err != nil {
				return err
			}
			if !ok {
				return ledgerdomain.ErrLedgerNotFound
			}
		}

		entry, err := s.repo.FindBySubscriber(ctx, tx, req.SubscriberID)
		if err != nil {
			return err
		}
		if entry == nil {
			return ledgerdomain.ErrLedgerNotFound
		}
		if inserted {
			if err := s.repo.SetBalanceAfter(ctx, tx, journal.ID, entry.CurrentBalance); err != nil {
				return err
			}
		}
		result = ledgerdomain.AddResult{Balance: entry.CurrentBalance, Applied: inserted}
		return nil
	})
	return result, err
}

// Restore compensates exactly the journal row named by the request, so
// mutations committed by other callers in the meantime are preserved. A
// missing journal row, or one stamped by another transaction, means this
// caller applied nothing and nothing is undone.
func (s *Service) Restore(ctx context.Context, req ledgerdomain.RestoreRequest) (ledgerdomain.RestoreResult, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	if req.SubscriberID == "" {
		return ledgerdomain.RestoreResult{}, ledgerdomain.ErrInvalidSubscriber
	}
	if req.SourceType == "" || strings.TrimSpace(req.SourceID) == "" {
		return ledgerdomain.RestoreResult{}, ledgerdomain.ErrInvalidSource
	}

	now := s.clock.Now().UTC()
	var result ledgerdomain.RestoreResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.repo.FindTransaction(ctx, tx, req.SubscriberID, req.SourceType, req.SourceID)
		if err != nil {
			return err
		}
		if original == nil {
			return nil
		}
		if req.TransactionID != "" && original.TransactionID != req.TransactionID {
			return nil
		}

		reversal := &ledgerdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			SubscriberID:  req.SubscriberID,
			Direction:     original.Direction.Opposite(),
			Amount:        original.Amount,
			SourceType:    ledgerdomain.SourceTypeRollback,
			SourceID:      rollbackSourceID(original),
			CorrelationID: req.CorrelationID,
			CreatedAt:     now,
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, reversal)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		var ok bool
		if original.Direction == ledgerdomain.DirectionDebit {
			ok, err = s.repo.ReverseDebit(ctx, tx, req.SubscriberID, original.Amount, now)
		} else {
			ok, err = s.repo.ReverseCredit(ctx, tx, req.SubscriberID, original.Amount, req.Snapshot, now)
		}
		if err != nil {
			return err
		}
		if !ok {
			return ledgerdomain.ErrLedgerNotFound
		}

		entry, err := s.repo.FindBySubscriber(ctx, tx, req.SubscriberID)
		if err != nil {
			return err
		}
		if err := s.repo.SetBalanceAfter(ctx, tx, reversal.ID, entry.CurrentBalance); err != nil {
			return err
		}
		result = ledgerdomain.RestoreResult{Restored: true, Balance: entry.CurrentBalance}
		return nil
	})
	if err != nil {
		return ledgerdomain.RestoreResult{}, err
	}
	if result.Restored {
		s.log.Info("ledger mutation restored",
			zap.String("subscriber_id", req.SubscriberID),
			zap.String("source_type", string(req.SourceType)),
			zap.String("source_id", req.SourceID),
			zap.Int64("balance", result.Balance),
		)
	}
	return result, nil
}

func rollbackSourceID(original *ledgerdomain.CreditTransaction) string {
	return fmt.Sprintf("%s:%s", original.SourceType, original.SourceID)
}

// Refill tops the balance up to the target and opens the next period. The
// version guard drops the refill when the entry changed after it was read.
func (s *Service) Refill(ctx context.Context, req ledgerdomain.RefillRequest) (ledgerdomain.RefillResult, error) {
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	if req.SubscriberID == "" {
		return ledgerdomain.RefillResult{}, ledgerdomain.ErrInvalidSubscriber
	}
	if req.Target < 0 {
		return ledgerdomain.RefillResult{}, ledgerdomain.ErrInvalidAmount
	}
	if !req.Period.End.After(req.Period.Start) {
		return ledgerdomain.RefillResult{}, fmt.Errorf("%w: empty refill period", ledgerdomain.ErrInvalidSource)
	}
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	var result ledgerdomain.RefillResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.repo.FindBySubscriber(ctx, tx, req.SubscriberID)
		if err != nil {
			return err
		}
		if entry == nil {
			return ledgerdomain.ErrLedgerNotFound
		}

		delta := req.Target - entry.CurrentBalance
		if delta < 0 {
			delta = 0
		}

		journal := &ledgerdomain.CreditTransaction{
			ID:           s.genID.Generate(),
			SubscriberID: req.SubscriberID,
			Direction:    ledgerdomain.DirectionCredit,
			Amount:       delta,
			SourceType:   ledgerdomain.SourceTypePeriodRefill,
			SourceID:     RefillSourceID(req.SubscriberID, req.Period.Start),
			CreatedAt:    now,
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, journal)
		if err != nil {
			return err
		}
		if !inserted {
			result = ledgerdomain.RefillResult{Balance: entry.CurrentBalance}
			return nil
		}

		ok, err := s.repo.ApplyRefill(ctx, tx, req.SubscriberID, entry.Version, delta, req.Period, now)
		if err != nil {
			return err
		}
		if !ok {
			return ledgerdomain.ErrConcurrencyConflict
		}

		balance := entry.CurrentBalance + delta
		if err := s.repo.SetBalanceAfter(ctx, tx, journal.ID, balance); err != nil {
			return err
		}
		result = ledgerdomain.RefillResult{Granted: delta, Balance: balance, Applied: true}
		return nil
	})
	if err != nil {
		return ledgerdomain.RefillResult{}, err
	}
	if result.Applied {
		s.obsMetrics.RecordCreditGrant(ctx, string(ledgerdomain.SourceTypePeriodRefill), result.Granted)
	}
	return result, nil
}

// RefillSourceID keys a period refill so each period is granted once.
func RefillSourceID(subscriberID string, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s", subscriberID, periodStart.UTC().Format(time.RFC3339))
}

func (s *Service) ListDueForRefill(ctx context.Context, now time.Time, limit int) ([]ledgerdomain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListDueForRefill(ctx, s.db, now.UTC(), limit)
}

func (s *Service) DeferRefill(ctx context.Context, subscriberID string, at time.Time) error {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return ledgerdomain.ErrInvalidSubscriber
	}
	ok, err := s.repo.SetNextRefill(ctx, s.db, subscriberID, at.UTC(), s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ledgerdomain.ErrLedgerNotFound
	}
	return nil
}

// History lists the newest journal rows of a subscriber first.
func (s *Service) History(ctx context.Context, subscriberID string, limit int) ([]ledgerdomain.CreditTransaction, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, ledgerdomain.ErrInvalidSubscriber
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.ListTransactions(ctx, s.db, subscriberID, limit)
}

// FindCharge returns the debit recorded for a correlation id, or nil when the
// operation was never charged.
func (s *Service) FindCharge(ctx context.Context, subscriberID, correlationID string) (*ledgerdomain.CreditTransaction, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	correlationID = strings.TrimSpace(correlationID)
	if subscriberID == "" {
		return nil, ledgerdomain.ErrInvalidSubscriber
	}
	if correlationID == "" {
		return nil, nil
	}
	return s.repo.FindTransaction(ctx, s.db, subscriberID, ledgerdomain.SourceTypeUsage, correlationID)
}
