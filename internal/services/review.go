package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"manabilling/internal/email"
	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/metrics"
	"manabilling/internal/models"
	"manabilling/internal/notify"
	"manabilling/internal/store"
)

// ListRefundRequests returns refund requests with the given status, or all of them.
func (s *Service) ListRefundRequests(ctx context.Context, status string) ([]models.RefundRequest, error) {
	switch status {
	case "", models.RefundStatusPending, models.RefundStatusApproved, models.RefundStatusDenied:
	default:
		return nil, ErrInvalidRequest
	}
	reqs, err := s.store.ListRefundRequests(ctx, status)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []models.RefundRequest{}
	}
	return reqs, nil
}

// ResolveRefundRequest approves or denies a pending request. Approval refunds
// the requested amount; the request id doubles as the idempotency key so a
// retried approval cannot pay twice.
func (s *Service) ResolveRefundRequest(ctx context.Context, id int64, approve bool) (models.RefundRequest, error) {
	req, err := s.store.GetRefundRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.RefundRequest{}, ErrRefundRequestNotFound
	}
	if err != nil {
		return models.RefundRequest{}, err
	}
	if req.ProcessedAt != nil || req.Status != models.RefundStatusPending {
		return models.RefundRequest{}, ErrRefundRequestProcessed
	}

	status := models.RefundStatusDenied
	remoteID := ""
	if approve {
		if err := s.requireLedger(); err != nil {
			return models.RefundRequest{}, err
		}
		refund, err := s.ledger.CreateRefund(ctx, ledger.RefundParams{
			ChargeID:    req.ChargeID,
			AmountCents: req.AmountCents,
			Reason:      refundReasonRequested,
			Metadata: map[string]string{
				"user_id":           strconv.FormatInt(req.UserID, 10),
				"refund_request_id": strconv.FormatInt(req.ID, 10),
			},
			IdempotencyKey: fmt.Sprintf("refund-request-%d", req.ID),
		})
		if err != nil {
			metrics.RefundsTotal.WithLabelValues("review", "failed").Inc()
			return models.RefundRequest{}, s.remoteFailure(ctx, "create refund", err)
		}
		status = models.RefundStatusApproved
		remoteID = refund.ID
	}

	now := s.now()
	if err := s.store.ResolveRefundRequest(ctx, req.ID, status, remoteID, now); err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			if approve {
				logging.Ctx(ctx).Error().Int64("refund_request_id", req.ID).Str("refund_id", remoteID).
					Msg("refund review: request resolved concurrently after refund was issued")
			}
			return models.RefundRequest{}, ErrRefundRequestProcessed
		}
		return models.RefundRequest{}, fmt.Errorf("resolve refund request: %w", err)
	}
	req.Status = status
	req.RemoteRefundID = remoteID
	req.ProcessedAt = &now

	metrics.RefundsTotal.WithLabelValues("review", status).Inc()
	if approve {
		metrics.RefundedCents.WithLabelValues("review").Add(float64(req.AmountCents))
	}

	to := ""
	rec, recErr := s.store.GetBillingRecord(ctx, req.UserID)
	if recErr == nil {
		to = rec.Email
	}
	if approve {
		if recErr != nil {
			logging.Ctx(ctx).Error().Err(recErr).Int64("user_id", req.UserID).Str("refund_id", remoteID).
				Msg("refund review: user record unavailable, access not revoked")
		} else {
			s.revokeReviewedRefund(ctx, rec, req)
		}
	}
	msg := email.RefundRequestResolved(approve, req.AmountCents)
	s.notify(ctx, notify.Event{
		Name:   "refund_review_" + status,
		UserID: req.UserID,
		To:     to,
		Mail:   &msg,
		Props:  map[string]any{"refund_request_id": req.ID, "charge_id": req.ChargeID},
	})
	return req, nil
}

// revokeReviewedRefund takes back what an approved request paid for. Money has
// already moved, so failures are logged.
func (s *Service) revokeReviewedRefund(ctx context.Context, rec models.UserBillingRecord, req models.RefundRequest) {
	logger := logging.Ctx(ctx)
	switch req.Kind {
	case models.RefundKindBooster:
		charge, err := s.ledger.GetCharge(ctx, req.ChargeID)
		if err != nil {
			logger.Warn().Err(err).Str("charge_id", req.ChargeID).Msg("refund review: charge lookup failed, deducting by amount")
			charge = ledger.Charge{ID: req.ChargeID, AmountCents: req.AmountCents}
		}
		mana := s.manaFromCharge(charge)
		if charge.AmountCents > 0 && req.AmountCents < charge.AmountCents {
			mana = mana * req.AmountCents / charge.AmountCents
		}
		if _, err := s.store.DeductBooster(ctx, req.UserID, mana); err != nil {
			logger.Error().Err(err).Int64("user_id", req.UserID).Int64("mana", mana).
				Msg("refund review: booster mana not deducted")
		}
	default:
		s.cancelRefundedSubscription(ctx, rec, ledger.Charge{ID: req.ChargeID, InvoiceID: req.InvoiceID})
		if err := s.store.RevokeEntitlement(ctx, req.UserID, s.config.FreePlanID); err != nil {
			logger.Error().Err(err).Int64("user_id", req.UserID).Msg("refund review: user still holds entitlement after refund")
		}
	}
}
