package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan is a catalog tier. Plans are seeded from configuration and never
// edited by subscribers.
type Plan struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	Code                string          `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name                string          `gorm:"type:text;not null" json:"name"`
	Tier                int             `gorm:"not null" json:"tier"`
	PriceCents          int64           `gorm:"not null" json:"price_cents"`
	Currency            string          `gorm:"type:text;not null" json:"currency"`
	BillingInterval     string          `gorm:"column:billing_interval;type:text;not null" json:"billing_interval"`
	CreditsPerPeriod    int64           `gorm:"not null" json:"credits_per_period"`
	MaxOperationsPerDay int64           `gorm:"not null" json:"max_operations_per_day"`
	RequestsPerMinute   int             `gorm:"not null" json:"requests_per_minute"`
	RequestsPerHour     int             `gorm:"not null" json:"requests_per_hour"`
	Features            map[string]bool `gorm:"serializer:json" json:"features"`
	ExternalVariantID   string          `gorm:"type:text" json:"external_variant_id,omitempty"`
	IsDefault           bool            `gorm:"not null" json:"is_default"`
	CreatedAt           time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"not null" json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

// IsPaid reports whether the plan is bought through the billing provider.
func (p Plan) IsPaid() bool {
	return p.PriceCents > 0
}

func (p Plan) HasFeature(name string) bool {
	return p.Features[name]
}

// PeriodEnd returns the end of a billing period starting at start.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	switch p.BillingInterval {
	case IntervalYear:
		return start.AddDate(1, 0, 0)
	case IntervalWeek:
		return start.AddDate(0, 0, 7)
	case IntervalDay:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

const (
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
	IntervalYear  = "year"
)
