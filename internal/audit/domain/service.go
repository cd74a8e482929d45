package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Entry is what callers hand to Record. Empty actor fields are resolved
// from the request context.
type Entry struct {
	SubscriberID string
	ActorType    ActorType
	ActorID      string
	Action       string
	TargetType   string
	TargetID     string
	Severity     Severity
	Metadata     map[string]any
}

type ListFilter struct {
	SubscriberID string
	Action       string
	Severity     string
	StartAt      *time.Time
	EndAt        *time.Time
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
