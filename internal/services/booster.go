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

	"github.com/google/uuid"
)

type BoosterRefundResult struct {
	ChargeID       string `json:"charge_id"`
	RefundID       string `json:"refund_id"`
	RefundCents    int64  `json:"refund_cents"`
	ManaDeducted   int64  `json:"mana_deducted"`
	BoosterBalance int64  `json:"booster_balance"`
}

// BoosterRefundAmount scales a booster charge by how much of its mana is
// still in the pooled balance. Both results are zero when nothing is left.
func BoosterRefundAmount(chargeCents, manaFromCharge, boosterBalance int64) (refundCents, manaDeducted int64) {
	if chargeCents <= 0 || manaFromCharge <= 0 || boosterBalance <= 0 {
		return 0, 0
	}
	if boosterBalance >= manaFromCharge {
		return chargeCents, manaFromCharge
	}
	return chargeCents * boosterBalance / manaFromCharge, boosterBalance
}

// manaFromCharge reads the mana a booster purchase credited, falling back to
// the dollar amount at the configured rate.
func (s *Service) manaFromCharge(charge ledger.Charge) int64 {
	if raw := charge.Metadata[ledger.MetadataManaAmount]; raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return charge.AmountCents * s.config.USDToManaRate / 100
}

// RefundBooster refunds the unused share of a booster purchase inside the
// self-service window and removes the matching mana.
func (s *Service) RefundBooster(ctx context.Context, userID int64, chargeID string) (BoosterRefundResult, error) {
	res, err := s.refundBooster(ctx, userID, chargeID)
	if err == nil {
		metrics.RefundsTotal.WithLabelValues("booster", "issued").Inc()
		metrics.RefundedCents.WithLabelValues("booster").Add(float64(res.RefundCents))
		return res, nil
	}
	if rej, ok := AsRejection(err); ok {
		metrics.RefundsTotal.WithLabelValues("booster", rej.Code).Inc()
		return BoosterRefundResult{}, rej
	}
	if errors.Is(err, ErrStripeNotConfigured) {
		return BoosterRefundResult{}, err
	}
	metrics.RefundsTotal.WithLabelValues("booster", "error").Inc()
	logging.Ctx(ctx).Error().Err(err).Int64("user_id", userID).Str("charge_id", chargeID).Msg("booster refund failed")
	return BoosterRefundResult{}, ErrTryAgainLater
}

func (s *Service) refundBooster(ctx context.Context, userID int64, chargeID string) (BoosterRefundResult, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return BoosterRefundResult{}, err
	}
	charge, err := s.eligibleCharge(ctx, rec, chargeID, true)
	if err != nil {
		return BoosterRefundResult{}, err
	}
	if charge.InvoiceID != "" {
		return BoosterRefundResult{}, ErrNotBoosterCharge
	}
	w, err := s.wallet(ctx, userID)
	if err != nil {
		return BoosterRefundResult{}, err
	}

	mana := s.manaFromCharge(charge)
	refundCents, deduct := BoosterRefundAmount(charge.AmountCents, mana, w.BoosterBalance)
	if refundCents <= 0 {
		return BoosterRefundResult{}, ErrBoosterUsed
	}

	refund, err := s.ledger.CreateRefund(ctx, ledger.RefundParams{
		ChargeID:    charge.ID,
		AmountCents: refundCents,
		Reason:      refundReasonRequested,
		Metadata: map[string]string{
			"user_id":       strconv.FormatInt(userID, 10),
			"mana_deducted": strconv.FormatInt(deduct, 10),
		},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return BoosterRefundResult{}, fmt.Errorf("create refund: %w", err)
	}

	logger := logging.Ctx(ctx)
	remaining, err := s.store.DeductBooster(ctx, userID, deduct)
	if err != nil {
		logger.Error().Err(err).Int64("user_id", userID).Int64("mana", deduct).Str("refund_id", refund.ID).
			Msg("booster refund: mana not deducted after refund")
		remaining = w.BoosterBalance
	}

	now := s.now()
	audit := models.RefundRequest{
		UserID:         userID,
		Kind:           models.RefundKindBooster,
		ChargeID:       charge.ID,
		AmountCents:    refundCents,
		Reason:         fmt.Sprintf("booster refund: %d of %d mana unused", deduct, mana),
		Status:         models.RefundStatusApproved,
		RemoteRefundID: refund.ID,
		PurchasedAt:    charge.Created,
		ProcessedAt:    &now,
	}
	if err := s.store.CreateRefundRequest(ctx, &audit); err != nil {
		logger.Error().Err(err).Str("refund_id", refund.ID).Msg("booster refund: audit record not saved")
	}

	msg := email.BoosterRefundIssued(refundCents, deduct)
	s.notify(ctx, notify.Event{
		Name:   "booster_refund_issued",
		UserID: userID,
		To:     rec.Email,
		Mail:   &msg,
		Props:  map[string]any{"charge_id": charge.ID, "refund_cents": refundCents, "mana_deducted": deduct},
	})

	return BoosterRefundResult{
		ChargeID:       charge.ID,
		RefundID:       refund.ID,
		RefundCents:    refundCents,
		ManaDeducted:   deduct,
		BoosterBalance: remaining,
	}, nil
}

