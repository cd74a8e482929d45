package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingEvent records every accepted provider delivery. EventID is unique,
// which is what deduplicates redeliveries.
type BillingEvent struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	Provider     string         `gorm:"type:text;not null"`
	EventID      string         `gorm:"type:text;not null;uniqueIndex"`
	EventType    string         `gorm:"type:text;not null"`
	SubscriberID string         `gorm:"type:text;not null"`
	Payload      datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt   time.Time      `gorm:"not null"`
	ProcessedAt  *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }
