// Package domain contains persistence models for subscriber plan assignments.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusInactive,
		SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusPaused,
		SubscriptionStatusCanceled,
		SubscriptionStatusExpired:
		return true
	}
	return false
}

// Subscription binds a subscriber to a plan for a billing period. Rows are
// never deleted: a plan change supersedes the previous row.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey" json:"id"`
	SubscriberID           string             `gorm:"type:text;not null;index" json:"subscriber_id"`
	PlanCode               string             `gorm:"type:text;not null" json:"plan_code"`
	Status                 SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart     time.Time          `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `gorm:"not null" json:"current_period_end"`
	TrialStart             *time.Time         `json:"trial_start,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool               `gorm:"not null" json:"cancel_at_period_end"`
	ExternalSubscriptionID string             `gorm:"type:text" json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string             `gorm:"type:text" json:"external_customer_id,omitempty"`
	SupersededAt           *time.Time         `json:"superseded_at,omitempty"`
	CreatedAt              time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsEntitled reports whether the subscription still grants its plan at now.
// A canceled subscription keeps its plan until the paid period ends.
func (s Subscription) IsEntitled(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	case SubscriptionStatusCanceled:
		return now.Before(s.CurrentPeriodEnd)
	default:
		return false
	}
}
