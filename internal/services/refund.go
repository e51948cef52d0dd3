package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"manabilling/internal/email"
	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/metrics"
	"manabilling/internal/models"
	"manabilling/internal/notify"
	"manabilling/internal/store"

	"github.com/google/uuid"
)

const refundReasonRequested = "requested_by_customer"

type RefundEstimate struct {
	ChargeID       string    `json:"charge_id"`
	ChargeCents    int64     `json:"charge_cents"`
	UsageCostCents int64     `json:"usage_cost_cents"`
	ManaUsed       int64     `json:"mana_used"`
	ManaGranted    int64     `json:"mana_granted"`
	RefundCents    int64     `json:"refund_cents"`
	WindowEndsAt   time.Time `json:"window_ends_at"`
}

type RefundResult struct {
	RefundEstimate
	RefundID        string `json:"refund_id"`
	RefundRequestID int64  `json:"refund_request_id,omitempty"`
}

// ChargeSummary is one past payment with its self-service eligibility.
type ChargeSummary struct {
	ID                string    `json:"id"`
	AmountCents       int64     `json:"amount_cents"`
	Created           time.Time `json:"created"`
	Kind              string    `json:"kind"`
	Refunded          bool      `json:"refunded"`
	SelfServiceWindow bool      `json:"self_service_window"`
}

// ListCharges returns the user's recent payments.
func (s *Service) ListCharges(ctx context.Context, userID int64) ([]ChargeSummary, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.StripeCustomerID == "" {
		return []ChargeSummary{}, nil
	}
	if err := s.requireLedger(); err != nil {
		return nil, err
	}
	charges, err := s.ledger.ListCharges(ctx, rec.StripeCustomerID, 20)
	if err != nil {
		return nil, s.remoteFailure(ctx, "list charges", err)
	}
	now := s.now()
	out := make([]ChargeSummary, 0, len(charges))
	for _, ch := range charges {
		kind := models.RefundKindSubscription
		if ch.InvoiceID == "" {
			kind = models.RefundKindBooster
		}
		out = append(out, ChargeSummary{
			ID:                ch.ID,
			AmountCents:       ch.AmountCents,
			Created:           ch.Created,
			Kind:              kind,
			Refunded:          ch.RefundedAny(),
			SelfServiceWindow: !ch.RefundedAny() && s.withinRefundWindow(ch, now),
		})
	}
	return out, nil
}

// EstimateRefund prices a self-service refund without moving money.
func (s *Service) EstimateRefund(ctx context.Context, userID int64, chargeID string) (RefundEstimate, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return RefundEstimate{}, err
	}
	charge, err := s.eligibleCharge(ctx, rec, chargeID, true)
	if err != nil {
		return RefundEstimate{}, err
	}
	if charge.InvoiceID == "" {
		return RefundEstimate{}, ErrNotSubscriptionCharge
	}
	w, err := s.wallet(ctx, userID)
	if err != nil {
		return RefundEstimate{}, err
	}
	return s.estimate(charge, w), nil
}

func (s *Service) estimate(charge ledger.Charge, w models.Wallet) RefundEstimate {
	usage := s.usageCost(w)
	return RefundEstimate{
		ChargeID:       charge.ID,
		ChargeCents:    charge.AmountCents,
		UsageCostCents: usage.UsageCostCents,
		ManaUsed:       usage.ManaUsed,
		ManaGranted:    usage.ManaGranted,
		RefundCents:    RefundAmount(charge.AmountCents, usage.UsageCostCents),
		WindowEndsAt:   s.refundWindowEnd(charge.Created),
	}
}

// RefundAmount is the charge less usage, floored at zero.
func RefundAmount(chargeCents, usageCostCents int64) int64 {
	refund := chargeCents - usageCostCents
	if refund < 0 {
		return 0
	}
	if refund > chargeCents {
		return chargeCents
	}
	return refund
}

// RefundSubscription issues a usage-prorated refund on a recent subscription
// charge, cancels the subscription and revokes local entitlement. Unexpected
// infrastructure errors come back as ErrTryAgainLater.
func (s *Service) RefundSubscription(ctx context.Context, userID int64, chargeID string) (RefundResult, error) {
	res, err := s.refundSubscription(ctx, userID, chargeID)
	if err == nil {
		metrics.RefundsTotal.WithLabelValues("self_service", "issued").Inc()
		metrics.RefundedCents.WithLabelValues("self_service").Add(float64(res.RefundCents))
		return res, nil
	}
	if rej, ok := AsRejection(err); ok {
		metrics.RefundsTotal.WithLabelValues("self_service", rej.Code).Inc()
		return RefundResult{}, rej
	}
	if errors.Is(err, ErrStripeNotConfigured) {
		return RefundResult{}, err
	}
	metrics.RefundsTotal.WithLabelValues("self_service", "error").Inc()
	logging.Ctx(ctx).Error().Err(err).Int64("user_id", userID).Str("charge_id", chargeID).Msg("self-service refund failed")
	return RefundResult{}, ErrTryAgainLater
}

func (s *Service) refundSubscription(ctx context.Context, userID int64, chargeID string) (RefundResult, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return RefundResult{}, err
	}
	charge, err := s.eligibleCharge(ctx, rec, chargeID, true)
	if err != nil {
		return RefundResult{}, err
	}
	if charge.InvoiceID == "" {
		return RefundResult{}, ErrNotSubscriptionCharge
	}
	w, err := s.wallet(ctx, userID)
	if err != nil {
		return RefundResult{}, err
	}

	est := s.estimate(charge, w)
	if est.RefundCents <= 0 {
		return RefundResult{}, ErrUsageExceedsCharge
	}

	refund, err := s.ledger.CreateRefund(ctx, ledger.RefundParams{
		ChargeID:    charge.ID,
		AmountCents: est.RefundCents,
		Reason:      refundReasonRequested,
		Metadata: map[string]string{
			"user_id":          strconv.FormatInt(userID, 10),
			"usage_cost_cents": strconv.FormatInt(est.UsageCostCents, 10),
		},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return RefundResult{}, fmt.Errorf("create refund: %w", err)
	}

	// money has moved; everything below is logged, never returned
	logger := logging.Ctx(ctx)
	now := s.now()
	audit := models.RefundRequest{
		UserID:         userID,
		Kind:           models.RefundKindSubscription,
		ChargeID:       charge.ID,
		InvoiceID:      charge.InvoiceID,
		AmountCents:    est.RefundCents,
		Reason:         usageBreakdown(est),
		Status:         models.RefundStatusApproved,
		RemoteRefundID: refund.ID,
		PurchasedAt:    charge.Created,
		ProcessedAt:    &now,
	}
	if err := s.store.CreateRefundRequest(ctx, &audit); err != nil {
		logger.Error().Err(err).Str("refund_id", refund.ID).Msg("refund: audit record not saved")
	}

	s.cancelRefundedSubscription(ctx, rec, charge)

	if err := s.store.RevokeEntitlement(ctx, userID, s.config.FreePlanID); err != nil {
		logger.Error().Err(err).Int64("user_id", userID).Msg("refund: revoke failed, retrying")
		if err := s.store.RevokeEntitlement(ctx, userID, s.config.FreePlanID); err != nil {
			logger.Error().Err(err).Int64("user_id", userID).Str("refund_id", refund.ID).Msg("refund: user still holds entitlement after refund")
		}
	}

	msg := email.RefundIssued(est.RefundCents, est.ChargeCents)
	s.notify(ctx, notify.Event{
		Name:   "refund_issued",
		UserID: userID,
		To:     rec.Email,
		Mail:   &msg,
		Props: map[string]any{
			"charge_id":        charge.ID,
			"refund_cents":     est.RefundCents,
			"usage_cost_cents": est.UsageCostCents,
		},
	})

	return RefundResult{RefundEstimate: est, RefundID: refund.ID, RefundRequestID: audit.ID}, nil
}

// cancelRefundedSubscription ends the subscription immediately through the
// charge's invoice and through the stored id, since either may be stale.
func (s *Service) cancelRefundedSubscription(ctx context.Context, rec models.UserBillingRecord, charge ledger.Charge) {
	logger := logging.Ctx(ctx)
	cancelled := ""
	if charge.InvoiceID != "" {
		inv, err := s.ledger.GetInvoice(ctx, charge.InvoiceID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("invoice_id", charge.InvoiceID).Msg("refund: invoice lookup failed")
		case inv.SubscriptionID != "":
			if err := s.ledger.CancelSubscription(ctx, inv.SubscriptionID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
				logger.Warn().Err(err).Str("subscription_id", inv.SubscriptionID).Msg("refund: cancel via invoice failed")
			} else {
				cancelled = inv.SubscriptionID
			}
		}
	}
	if rec.StripeSubscriptionID != "" && rec.StripeSubscriptionID != cancelled {
		if err := s.ledger.CancelSubscription(ctx, rec.StripeSubscriptionID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			logger.Error().Err(err).Str("subscription_id", rec.StripeSubscriptionID).Msg("refund: cancel via stored id failed")
		}
	}
}

// RequestRefundReview files a pending refund request for manual review.
func (s *Service) RequestRefundReview(ctx context.Context, userID int64, chargeID, reason string) (models.RefundRequest, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return models.RefundRequest{}, err
	}
	charge, err := s.eligibleCharge(ctx, rec, chargeID, false)
	if err != nil {
		return models.RefundRequest{}, err
	}
	if _, err := s.store.FindPendingRefundRequest(ctx, charge.ID); err == nil {
		return models.RefundRequest{}, ErrDuplicateRefundRequest
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.RefundRequest{}, err
	}

	kind := models.RefundKindSubscription
	if charge.InvoiceID == "" {
		kind = models.RefundKindBooster
	}
	req := models.RefundRequest{
		UserID:      userID,
		Kind:        kind,
		ChargeID:    charge.ID,
		InvoiceID:   charge.InvoiceID,
		AmountCents: charge.AmountCents - charge.AmountRefundedCents,
		Reason:      reason,
		Status:      models.RefundStatusPending,
		PurchasedAt: charge.Created,
	}
	if err := s.store.CreateRefundRequest(ctx, &req); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.RefundRequest{}, ErrDuplicateRefundRequest
		}
		return models.RefundRequest{}, err
	}

	metrics.RefundsTotal.WithLabelValues("review", "requested").Inc()
	var mail *email.Message
	if s.config.AdminEmail != "" {
		msg := email.RefundRequestReceived(userID, rec.Email, charge.ID, req.AmountCents, reason)
		mail = &msg
	}
	s.notify(ctx, notify.Event{
		Name:   "refund_review_requested",
		UserID: userID,
		To:     s.config.AdminEmail,
		Mail:   mail,
		Props:  map[string]any{"refund_request_id": req.ID, "charge_id": charge.ID},
	})
	return req, nil
}

// eligibleCharge loads a charge owned by the caller that has not been refunded.
// With inWindow set it also enforces the self-service window.
func (s *Service) eligibleCharge(ctx context.Context, rec models.UserBillingRecord, chargeID string, inWindow bool) (ledger.Charge, error) {
	if chargeID == "" || rec.StripeCustomerID == "" {
		return ledger.Charge{}, ErrChargeNotFound
	}
	if err := s.requireLedger(); err != nil {
		return ledger.Charge{}, err
	}
	charge, err := s.ledger.GetCharge(ctx, chargeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Charge{}, ErrChargeNotFound
	}
	if err != nil {
		return ledger.Charge{}, fmt.Errorf("get charge: %w", err)
	}
	if charge.CustomerID != rec.StripeCustomerID {
		return ledger.Charge{}, ErrChargeNotFound
	}
	if charge.RefundedAny() {
		return ledger.Charge{}, ErrAlreadyRefunded
	}
	if inWindow && !s.withinRefundWindow(charge, s.now()) {
		return ledger.Charge{}, ErrRefundWindowExpired
	}
	return charge, nil
}

func (s *Service) withinRefundWindow(charge ledger.Charge, now time.Time) bool {
	return !now.After(s.refundWindowEnd(charge.Created))
}

func (s *Service) refundWindowEnd(created time.Time) time.Time {
	return created.Add(s.config.RefundWindow())
}

func usageBreakdown(est RefundEstimate) string {
	return fmt.Sprintf("self-service refund: charge %d cents, used %d of %d mana, usage cost %d cents, refunded %d cents",
		est.ChargeCents, est.ManaUsed, est.ManaGranted, est.UsageCostCents, est.RefundCents)
}
