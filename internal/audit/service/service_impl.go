package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/creditguard/internal/audit/domain"
	"github.com/smallbiznis/creditguard/internal/audit/masking"
	"github.com/smallbiznis/creditguard/internal/clock"
	obscontext "github.com/smallbiznis/creditguard/internal/observability/context"
	"github.com/smallbiznis/creditguard/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: clk,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, in auditdomain.Entry) error {
	action := strings.TrimSpace(in.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType := strings.TrimSpace(in.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}
	severity := in.Severity
	if severity == "" {
		severity = auditdomain.SeverityInfo
	}

	subscriberID := strings.TrimSpace(in.SubscriberID)
	if subscriberID == "" {
		subscriberID = obscontext.SubscriberIDFromContext(ctx)
	}
	actorType, actorID := s.resolveActor(ctx, in.ActorType, in.ActorID)

	payload := masking.MaskSensitive(in.Metadata)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	entry := auditdomain.AuditLog{
		ID:            s.genID.Generate(),
		SubscriberID:  optional(subscriberID),
		ActorType:     actorType,
		ActorID:       optional(actorID),
		Action:        action,
		TargetType:    targetType,
		TargetID:      optional(in.TargetID),
		Severity:      string(severity),
		CorrelationID: optional(correlation.ExtractCorrelationID(ctx)),
		Metadata:      datatypes.JSONMap(payload),
		CreatedAt:     s.clock.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	if severity == auditdomain.SeverityCritical {
		s.log.Error("critical audit event",
			zap.String("action", action),
			zap.String("target_type", targetType),
			zap.String("subscriber_id", subscriberID),
		)
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.AuditLog, error) {
	if filter.StartAt != nil && filter.EndAt != nil && filter.StartAt.After(*filter.EndAt) {
		return nil, auditdomain.ErrInvalidTimeRange
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 250 {
		filter.Limit = 250
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}
	return logs, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType auditdomain.ActorType, actorID string) (string, string) {
	resolvedType := strings.TrimSpace(string(actorType))
	resolvedID := strings.TrimSpace(actorID)
	if resolvedType == "" {
		if ctxType, ctxID := obscontext.ActorFromContext(ctx); ctxType != "" {
			resolvedType = ctxType
			if resolvedID == "" {
				resolvedID = ctxID
			}
		}
	}
	if resolvedType == "" {
		resolvedType = string(auditdomain.ActorTypeSystem)
	}
	return resolvedType, resolvedID
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
