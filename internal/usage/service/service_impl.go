package service

import (
	"context"
	"strings"
	"time"

	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo usagedomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo usagedomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("usage.service"),
		repo: p.Repo,
	}
}

func (s *Service) DailyCount(ctx context.Context, subscriberID string, now time.Time) (int64, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return 0, usagedomain.ErrInvalidSubscriber
	}
	from, to := usagedomain.DayWindow(now)
	return s.repo.CountBetween(ctx, s.db, subscriberID, from, to)
}

func (s *Service) CountSince(ctx context.Context, subscriberID string, since, now time.Time) (int64, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return 0, usagedomain.ErrInvalidSubscriber
	}
	// Upper bound is exclusive; include records stamped exactly at now.
	return s.repo.CountBetween(ctx, s.db, subscriberID, since.UTC(), now.UTC().Add(time.Nanosecond))
}

func (s *Service) ListRecent(ctx context.Context, subscriberID string, limit int) ([]usagedomain.UsageRecord, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, usagedomain.ErrInvalidSubscriber
	}
	return s.repo.ListRecent(ctx, s.db, subscriberID, limit)
}
