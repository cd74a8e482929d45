package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem     ActorType = "system"
	ActorTypeSubscriber ActorType = "subscriber"
	ActorTypeProvider   ActorType = "billing_provider"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditLog is append-only. Rows are never updated or deleted.
type AuditLog struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	SubscriberID  *string           `json:"subscriber_id,omitempty"`
	ActorType     string            `gorm:"not null" json:"actor_type"`
	ActorID       *string           `json:"actor_id,omitempty"`
	Action        string            `gorm:"not null" json:"action"`
	TargetType    string            `gorm:"not null" json:"target_type"`
	TargetID      *string           `json:"target_id,omitempty"`
	Severity      string            `gorm:"not null" json:"severity"`
	CorrelationID *string           `json:"correlation_id,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
