package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// Reason explains a publish-entitlement decision.
type Reason string

const (
	ReasonPremium         Reason = "premium"
	ReasonTrialAvailable  Reason = "trial_available"
	ReasonUpgradeRequired Reason = "upgrade_required"
)

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Subscription statuses that count as paid access.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
)

// SubscriptionRecord mirrors the billing provider's view of a user, one row
// per user, upserted by webhook ingestion.
type SubscriptionRecord struct {
	UserID                 int64      `gorm:"column:user_id;primaryKey"`
	Tier                   string     `gorm:"column:tier"`
	Status                 string     `gorm:"column:status"`
	Provider               string     `gorm:"column:provider"`
	ProviderCustomerID     string     `gorm:"column:provider_customer_id"`
	ProviderSubscriptionID string     `gorm:"column:provider_subscription_id"`
	PriceID                string     `gorm:"column:price_id"`
	CurrentPeriodEnd       *time.Time `gorm:"column:current_period_end"`
	CancelAtPeriodEnd      bool       `gorm:"column:cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"column:canceled_at"`
	LatestInvoiceStatus    string     `gorm:"column:latest_invoice_status"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at"`
}

func (SubscriptionRecord) TableName() string { return "subscriptions" }

// ActiveAt reports whether the subscription grants paid access at the given
// instant. past_due keeps access until the paid-through period lapses so
// transient payment retries do not cut users off.
func (s *SubscriptionRecord) ActiveAt(at time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return s.CurrentPeriodEnd != nil && at.Before(*s.CurrentPeriodEnd)
	default:
		return false
	}
}

// FreePublishTrial is the one-time free publish credit, granted on first
// marketplace connection. used_at flips from null exactly once, ever.
type FreePublishTrial struct {
	UserID            int64          `gorm:"column:user_id;primaryKey"`
	GrantedAt         time.Time      `gorm:"column:granted_at"`
	GrantSource       string         `gorm:"column:grant_source"`
	UsedAt            *time.Time     `gorm:"column:used_at"`
	UsedListingID     *int64         `gorm:"column:used_listing_id"`
	UsedPublishResult datatypes.JSON `gorm:"column:used_publish_result"`
}

func (FreePublishTrial) TableName() string { return "free_publish_trials" }

// Service is the entitlement ledger consulted before and after a publish.
type Service interface {
	CanDirectPublish(ctx context.Context, userID int64) (Decision, error)
	GrantOnEbayConnect(ctx context.Context, userID int64) error
	// ConsumeOnSuccessfulPublish returns false when a concurrent attempt
	// already spent the trial.
	ConsumeOnSuccessfulPublish(ctx context.Context, userID, listingID int64, result []byte) (bool, error)
	// UpsertSubscription applies billing-provider state and returns the
	// stored row.
	UpsertSubscription(ctx context.Context, record *SubscriptionRecord) error
	// FindSubscriptionByCustomerID resolves a user from a provider
	// customer id; nil when unknown.
	FindSubscriptionByCustomerID(ctx context.Context, provider, customerID string) (*SubscriptionRecord, error)
}
