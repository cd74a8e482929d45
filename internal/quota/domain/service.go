package domain

import (
	"context"
	"time"

	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
)

// DenyReason tells the caller which limit refused the operation.
type DenyReason string

const (
	ReasonQuotaExceeded       DenyReason = "quotaExceeded"
	ReasonInsufficientBalance DenyReason = "insufficientBalance"
)

type AuthorizeRequest struct {
	SubscriberID  string
	OperationType plandomain.OperationType
	Quantity      int
}

type BalanceInfo struct {
	Balance        int64 `json:"balance"`
	RequiredCost   int64 `json:"required_cost"`
	RemainingAfter int64 `json:"remaining_after"`
}

type DailyInfo struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Decision is the outcome of a pre-check. It never implies a mutation.
type Decision struct {
	Allowed          bool        `json:"allowed"`
	Reason           DenyReason  `json:"reason,omitempty"`
	Balance          BalanceInfo `json:"balance"`
	Daily            DailyInfo   `json:"daily"`
	SubscriptionTier string      `json:"subscription_tier"`
	// Upgrade is set on denials a higher tier would lift.
	Upgrade         bool      `json:"upgrade"`
	PeriodRefreshAt time.Time `json:"period_refresh_at"`
}

type CreditInfo struct {
	Balance            int64     `json:"balance"`
	DailyUsed          int64     `json:"daily_used"`
	DailyLimit         int64     `json:"daily_limit"`
	SubscriptionTier   string    `json:"subscription_tier"`
	SubscriptionStatus string    `json:"subscription_status"`
	PeriodRefreshDate  time.Time `json:"period_refresh_date"`
	UsedThisPeriod     int64     `json:"used_this_period"`
	LifetimeUsed       int64     `json:"lifetime_used"`
	LifetimePurchased  int64     `json:"lifetime_purchased"`
}

type Service interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error)
	CreditInfo(ctx context.Context, subscriberID string) (CreditInfo, error)
}
