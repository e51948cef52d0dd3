package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"manabilling/internal/ledger"
	"manabilling/internal/notify"
)

const (
	CheckoutMonthly = "monthly"
	CheckoutAnnual  = "annual"
	CheckoutBooster = "booster"
)

type CheckoutRequest struct {
	Plan       string
	SuccessURL string
	CancelURL  string
}

// CreateCheckout opens a hosted checkout for a subscription or a booster pack.
func (s *Service) CreateCheckout(ctx context.Context, userID int64, req CheckoutRequest) (ledger.Session, error) {
	if err := s.requireLedger(); err != nil {
		return ledger.Session{}, err
	}
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return ledger.Session{}, err
	}

	params := ledger.CheckoutParams{
		ClientReferenceID: strconv.FormatInt(userID, 10),
		SuccessURL:        s.appURL(req.SuccessURL, "/billing?checkout=success"),
		CancelURL:         s.appURL(req.CancelURL, "/billing?checkout=cancel"),
		Metadata:          map[string]string{"user_id": strconv.FormatInt(userID, 10), "plan": req.Plan},
	}
	if rec.StripeCustomerID != "" {
		params.CustomerID = rec.StripeCustomerID
	} else {
		params.CustomerEmail = rec.Email
	}

	switch req.Plan {
	case CheckoutMonthly, CheckoutAnnual:
		if rec.StripeSubscriptionID != "" {
			return ledger.Session{}, ErrAlreadySubscribed
		}
		params.Mode = ledger.CheckoutModeSubscription
		params.PriceID = s.config.StripePriceMonthly
		if req.Plan == CheckoutAnnual {
			params.PriceID = s.config.StripePriceAnnual
		}
	case CheckoutBooster:
		params.Mode = ledger.CheckoutModePayment
		params.PriceID = s.config.StripePriceBooster
		params.Metadata[ledger.MetadataManaAmount] = strconv.FormatInt(s.config.BoosterManaAmount, 10)
	default:
		return ledger.Session{}, ErrUnknownPlan
	}
	if params.PriceID == "" {
		return ledger.Session{}, ErrPriceNotConfigured
	}

	sess, err := s.ledger.CreateCheckoutSession(ctx, params)
	if err != nil {
		return ledger.Session{}, s.remoteFailure(ctx, "create checkout session", err)
	}
	s.notify(ctx, notify.Event{
		Name:   "checkout_started",
		UserID: userID,
		Props:  map[string]any{"plan": req.Plan, "session_id": sess.ID},
	})
	return sess, nil
}

func (s *Service) CreatePortal(ctx context.Context, userID int64, returnURL string) (ledger.Session, error) {
	if err := s.requireLedger(); err != nil {
		return ledger.Session{}, err
	}
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return ledger.Session{}, err
	}
	if rec.StripeCustomerID == "" {
		return ledger.Session{}, ErrNoBillingAccount
	}
	sess, err := s.ledger.CreatePortalSession(ctx, rec.StripeCustomerID, s.appURL(returnURL, "/billing"))
	if err != nil {
		return ledger.Session{}, s.remoteFailure(ctx, "create portal session", err)
	}
	return sess, nil
}

// appURL returns explicit when set, otherwise path under the app base URL.
func (s *Service) appURL(explicit, path string) string {
	if explicit != "" {
		return explicit
	}
	return strings.TrimRight(s.config.AppBaseURL, "/") + path
}

type CancellationState struct {
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	ScheduledCancellation *time.Time `json:"scheduled_cancellation,omitempty"`
}

// ToggleCancellation flips cancel-at-period-end on the stored subscription.
func (s *Service) ToggleCancellation(ctx context.Context, userID int64) (CancellationState, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return CancellationState{}, err
	}
	if rec.StripeSubscriptionID == "" {
		return CancellationState{}, ErrNoActiveSubscription
	}
	if err := s.requireLedger(); err != nil {
		return CancellationState{}, err
	}

	sub, err := s.ledger.GetSubscription(ctx, rec.StripeSubscriptionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return CancellationState{}, ErrNoActiveSubscription
	}
	if err != nil {
		return CancellationState{}, s.remoteFailure(ctx, "get subscription", err)
	}
	if !sub.IsActive() {
		return CancellationState{}, ErrSubscriptionNotActive
	}

	pending := sub.CancelAtPeriodEnd || sub.CancelAt != nil
	if pending && rec.StripeCustomerID != "" {
		// renewing monthly while an annual schedule is queued would bill both
		schedule, err := s.findAnnualSchedule(ctx, rec.StripeCustomerID)
		if err != nil {
			return CancellationState{}, s.remoteFailure(ctx, "list schedules", err)
		}
		if schedule != nil {
			return CancellationState{}, ErrUpgradePending
		}
	}

	cancel := !pending
	update := ledger.SubscriptionUpdate{CancelAtPeriodEnd: &cancel}
	if !cancel && sub.CancelAt != nil {
		update.ClearCancelAt = true
	}
	updated, err := s.ledger.UpdateSubscription(ctx, sub.ID, update)
	if err != nil {
		return CancellationState{}, s.remoteFailure(ctx, "update subscription", err)
	}

	state := CancellationState{CancelAtPeriodEnd: updated.CancelAtPeriodEnd}
	if updated.CancelAtPeriodEnd {
		state.ScheduledCancellation = updated.PeriodEnd
		if state.ScheduledCancellation == nil {
			state.ScheduledCancellation = rec.SubscriptionPeriodEnd
		}
	}
	name := "subscription_renewed"
	if cancel {
		name = "subscription_cancel_scheduled"
	}
	s.notify(ctx, notify.Event{Name: name, UserID: userID, Props: map[string]any{"subscription_id": sub.ID}})
	return state, nil
}
