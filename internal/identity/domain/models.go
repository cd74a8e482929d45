package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey stores a hashed subscriber credential. The raw key is shown once at
// creation and never persisted.
type APIKey struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	SubscriberID string         `gorm:"column:subscriber_id;type:text;not null;index"`
	Email        string         `gorm:"type:text;not null"`
	Name         string         `gorm:"type:text;not null"`
	KeyHash      string         `gorm:"column:key_hash;type:text;not null;uniqueIndex"`
	KeyPrefix    string         `gorm:"column:key_prefix;type:text;not null"`
	Scopes       pq.StringArray `gorm:"type:text[];not null"`
	IsActive     bool           `gorm:"column:is_active;not null;default:true"`
	ExpiresAt    *time.Time     `gorm:"column:expires_at"`
	LastUsedAt   *time.Time     `gorm:"column:last_used_at"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "subscriber_api_keys" }

// Usable reports whether the key may authenticate at now.
func (k APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
