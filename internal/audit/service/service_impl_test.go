package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditguard/internal/audit/domain"
	"github.com/smallbiznis/creditguard/internal/audit/repository"
	"github.com/smallbiznis/creditguard/internal/audit/service"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/smallbiznis/creditguard/internal/dbtest"
	obscontext "github.com/smallbiznis/creditguard/internal/observability/context"
	"github.com/smallbiznis/creditguard/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T, clk clock.Clock) domain.Service {
	t.Helper()
	return service.NewService(service.Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		GenID: dbtest.Node(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
}

func TestRecordResolvesContextAndMasksMetadata(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC))
	svc := newService(t, clk)

	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr_1")
	ctx = obscontext.WithRequestID(ctx, "req_1")
	ctx = obscontext.WithActor(ctx, "subscriber", "sub_1")

	require.NoError(t, svc.Record(ctx, domain.Entry{
		SubscriberID: "sub_1",
		Action:       "credits.deduct",
		TargetType:   "credit_ledger",
		TargetID:     "sub_1",
		Metadata:     map[string]any{"amount": 5, "signature": "abcdef123456"},
	}))

	logs, err := svc.List(context.Background(), domain.ListFilter{SubscriberID: "sub_1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	got := logs[0]
	assert.Equal(t, "credits.deduct", got.Action)
	assert.Equal(t, "subscriber", got.ActorType)
	require.NotNil(t, got.ActorID)
	assert.Equal(t, "sub_1", *got.ActorID)
	assert.Equal(t, string(domain.SeverityInfo), got.Severity)
	require.NotNil(t, got.CorrelationID)
	assert.Equal(t, "corr_1", *got.CorrelationID)
	assert.Equal(t, "req_1", got.Metadata["request_id"])
	assert.Equal(t, "****3456", got.Metadata["signature"])
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc := newService(t, clock.NewFakeClock(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)))

	require.NoError(t, svc.Record(context.Background(), domain.Entry{
		Action:   "billing_event.signature_invalid",
		Severity: domain.SeverityCritical,
	}))

	logs, err := svc.List(context.Background(), domain.ListFilter{Severity: string(domain.SeverityCritical)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.ActorTypeSystem), logs[0].ActorType)
	assert.Equal(t, "unknown", logs[0].TargetType)
	assert.Nil(t, logs[0].SubscriberID)
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	svc := newService(t, clock.SystemClock{})
	err := svc.Record(context.Background(), domain.Entry{Action: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestListRejectsInvertedRange(t *testing.T) {
	svc := newService(t, clock.SystemClock{})
	start := time.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), domain.ListFilter{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)
}
