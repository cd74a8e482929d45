// Package domain contains persistence models for consumed operations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord stores one consumed operation. Rows are append-only.
type UsageRecord struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID  string       `gorm:"type:text;not null" json:"subscriber_id"`
	OperationType string       `gorm:"type:text;not null" json:"operation_type"`
	Quantity      int          `gorm:"not null" json:"quantity"`
	Cost          int64        `gorm:"not null" json:"cost"`
	CorrelationID string       `gorm:"type:text;not null" json:"correlation_id"`
	BatchID       string       `gorm:"type:text" json:"batch_id,omitempty"`
	OccurredAt    time.Time    `gorm:"not null" json:"occurred_at"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// DayWindow returns the UTC calendar day [start, start+24h) containing t.
func DayWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
