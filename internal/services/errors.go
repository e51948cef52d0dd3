package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrStripeNotConfigured = errors.New("stripe not configured")
)

// RejectionKind classifies why an operation was refused.
type RejectionKind string

const (
	KindRateLimited   RejectionKind = "rate_limited"
	KindNotFound      RejectionKind = "not_found"
	KindBusinessRule  RejectionKind = "business_rule"
	KindRemoteFailure RejectionKind = "remote_failure"
)

// Rejection is an expected, user-facing refusal. It carries a stable code
// and a message safe to show to the caller.
type Rejection struct {
	Kind       RejectionKind
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Is matches rejections by code so sentinels work with errors.Is.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

func reject(kind RejectionKind, code, message string) *Rejection {
	return &Rejection{Kind: kind, Code: code, Message: message}
}

// RateLimited builds the rejection returned when a caller is out of budget.
func RateLimited(retryAfter time.Duration) *Rejection {
	return &Rejection{
		Kind:       KindRateLimited,
		Code:       "rate_limited",
		Message:    "too many requests, please try again later",
		RetryAfter: retryAfter,
	}
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	ErrUserNotFound         = reject(KindNotFound, "user_not_found", "user not found")
	ErrWalletNotFound       = reject(KindBusinessRule, "wallet_not_found", "no mana wallet found for this account")
	ErrNoBillingAccount     = reject(KindBusinessRule, "no_billing_account", "no billing account found")
	ErrAlreadySubscribed    = reject(KindBusinessRule, "already_subscribed", "you already have an active subscription")
	ErrUnknownPlan          = reject(KindBusinessRule, "unknown_plan", "unknown plan")
	ErrPriceNotConfigured   = reject(KindBusinessRule, "price_not_configured", "this plan is not available right now")
	ErrTryAgainLater        = reject(KindRemoteFailure, "try_again_later", "something went wrong, please try again later")
	ErrRemoteUnavailable    = reject(KindRemoteFailure, "billing_unavailable", "billing provider is unavailable, please try again")
	ErrNoActiveSubscription = reject(KindBusinessRule, "no_active_subscription", "no active subscription found")

	// upgrades
	ErrAlreadyAnnual           = reject(KindBusinessRule, "already_annual", "an annual subscription already exists")
	ErrUpgradeAlreadyScheduled = reject(KindBusinessRule, "upgrade_already_scheduled", "an annual upgrade is already scheduled")
	ErrSubscriptionNotActive   = reject(KindBusinessRule, "subscription_not_active", "subscription is not active")
	ErrMissingPeriodEnd        = reject(KindBusinessRule, "missing_period_end", "could not determine when the current period ends")
	ErrNoScheduledUpgrade      = reject(KindNotFound, "no_scheduled_upgrade", "no scheduled annual upgrade found")
	ErrUpgradePending          = reject(KindBusinessRule, "upgrade_pending", "cancel the scheduled annual upgrade first")

	// refunds
	ErrChargeNotFound         = reject(KindNotFound, "charge_not_found", "charge not found")
	ErrAlreadyRefunded        = reject(KindBusinessRule, "already_refunded", "this charge has already been refunded")
	ErrRefundWindowExpired    = reject(KindBusinessRule, "refund_window_expired", "the self-service refund window has passed; submit a refund request instead")
	ErrUsageExceedsCharge     = reject(KindBusinessRule, "usage_exceeds_charge", "mana usage has consumed the full payment, nothing left to refund")
	ErrNotSubscriptionCharge  = reject(KindBusinessRule, "not_subscription_charge", "this charge is not a subscription payment")
	ErrNotBoosterCharge       = reject(KindBusinessRule, "not_booster_charge", "this charge is not a booster purchase")
	ErrBoosterUsed            = reject(KindBusinessRule, "booster_used", "booster mana from this purchase has been used")
	ErrDuplicateRefundRequest = reject(KindBusinessRule, "duplicate_refund_request", "a refund request for this charge is already pending")
	ErrRefundRequestNotFound  = reject(KindNotFound, "refund_request_not_found", "refund request not found")
	ErrRefundRequestProcessed = reject(KindBusinessRule, "refund_request_processed", "refund request has already been processed")

	// gifts
	ErrRecipientNotFound = reject(KindNotFound, "recipient_not_found", "recipient not found")
	ErrSelfGift          = reject(KindBusinessRule, "self_gift", "you cannot send a gift to yourself")
	ErrGiftNotFound      = reject(KindNotFound, "gift_not_found", "gift not found")
	ErrNotGiftRecipient  = reject(KindBusinessRule, "not_gift_recipient", "this gift is not addressed to you")
	ErrNotGiftSender     = reject(KindBusinessRule, "not_gift_sender", "only the sender can cancel this gift")
	ErrGiftUnavailable   = reject(KindBusinessRule, "gift_unavailable", "gift already claimed or expired")
)
