package models

import (
	"strings"
	"time"
)

// UserBillingRecord is the locally cached billing state of one user.
// Empty remote ids mean "absent".
type UserBillingRecord struct {
	UserID                int64      `json:"user_id"`
	Email                 string     `json:"email"`
	Username              string     `json:"username,omitempty"`
	PlanID                string     `json:"plan_id"`
	StripeCustomerID      string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID  string     `json:"stripe_subscription_id,omitempty"`
	SubscriptionPeriodEnd *time.Time `json:"subscription_period_end,omitempty"`
	ChannelingActive      bool       `json:"channeling_active"`
	ChannelingExpiresAt   *time.Time `json:"channeling_expires_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ChannelingLive 渠道（礼物）权益是否仍然有效
func (r UserBillingRecord) ChannelingLive(now time.Time) bool {
	if !r.ChannelingActive {
		return false
	}
	return r.ChannelingExpiresAt == nil || r.ChannelingExpiresAt.After(now)
}

type Wallet struct {
	UserID          int64      `json:"user_id"`
	ManaBalance     int64      `json:"mana_balance"`
	BoosterBalance  int64      `json:"booster_balance"`
	LastCoreGrantAt *time.Time `json:"last_core_grant_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type RefundRequest struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Kind           string     `json:"kind"`
	ChargeID       string     `json:"charge_id"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	AmountCents    int64      `json:"amount_cents"`
	Reason         string     `json:"reason"`
	Status         string     `json:"status"`
	RemoteRefundID string     `json:"remote_refund_id,omitempty"`
	PurchasedAt    time.Time  `json:"purchased_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Gift struct {
	ID          int64     `json:"id"`
	SenderID    int64     `json:"sender_id"`
	RecipientID int64     `json:"recipient_id"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	RefundStatusPending  = "pending"
	RefundStatusApproved = "approved"
	RefundStatusDenied   = "denied"
)

const (
	RefundKindSubscription = "subscription"
	RefundKindBooster      = "booster"
)

const (
	GiftStatusPending  = "pending"
	GiftStatusAccepted = "accepted"
	GiftStatusExpired  = "expired"
)

const (
	PlanVariantMonthly = "monthly"
	PlanVariantAnnual  = "annual"
)

const (
	PlanMonthly = "pro_monthly"
	PlanAnnual  = "pro_annual"
)

// PlanVariant derives the billing cadence from a local plan id.
func PlanVariant(planID string) string {
	switch {
	case strings.HasSuffix(planID, "_annual"):
		return PlanVariantAnnual
	case strings.HasSuffix(planID, "_monthly"):
		return PlanVariantMonthly
	default:
		return ""
	}
}
