package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/creditguard/internal/dbtest"
	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	"github.com/smallbiznis/creditguard/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDailyCountUsesUTCDayWindow(t *testing.T) {
	db := dbtest.Open(t)
	node := dbtest.Node(t)
	repo := repository.Provide()
	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), Repo: repo})
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		time.Date(2026, 3, 9, 23, 59, 59, 0, time.UTC), // yesterday
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), // tomorrow
	}
	for i, ts := range stamps {
		require.NoError(t, repo.Insert(ctx, db, &usagedomain.UsageRecord{
			ID:            node.Generate(),
			SubscriberID:  "sub_1",
			OperationType: "single",
			Quantity:      1,
			Cost:          1,
			CorrelationID: fmt.Sprintf("corr_%d", i),
			OccurredAt:    ts,
			CreatedAt:     ts,
		}))
	}
	require.NoError(t, repo.Insert(ctx, db, &usagedomain.UsageRecord{
		ID: node.Generate(), SubscriberID: "sub_2", OperationType: "single",
		Quantity: 1, Cost: 1, CorrelationID: "other", OccurredAt: now, CreatedAt: now,
	}))

	count, err := svc.DailyCount(ctx, "sub_1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	since, err := svc.CountSince(ctx, "sub_1", now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), since)

	recent, err := svc.ListRecent(ctx, "sub_1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].OccurredAt.After(recent[1].OccurredAt))
}

func TestDailyCountRequiresSubscriber(t *testing.T) {
	svc := NewService(ServiceParam{DB: dbtest.Open(t), Log: zap.NewNop(), Repo: repository.Provide()})
	_, err := svc.DailyCount(context.Background(), " ", time.Now())
	assert.ErrorIs(t, err, usagedomain.ErrInvalidSubscriber)
}
