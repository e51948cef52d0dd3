package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"manabilling/internal/email"
	"manabilling/internal/logging"
	"manabilling/internal/metrics"
	"manabilling/internal/models"
	"manabilling/internal/notify"
	"manabilling/internal/store"
)

type GiftAcceptance struct {
	Gift        models.Gift `json:"gift"`
	ActiveUntil time.Time   `json:"active_until"`
}

// ========== 发送 ==========

// SendGift offers Pro access to the user named by identifier (email or username).
// The daily quota is enforced by the caller's rate limiter.
func (s *Service) SendGift(ctx context.Context, senderID int64, identifier string) (models.Gift, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return models.Gift{}, ErrRecipientNotFound
	}
	sender, err := s.billingRecord(ctx, senderID)
	if err != nil {
		return models.Gift{}, err
	}
	recipientID, err := s.store.FindUserIDByIdentifier(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return models.Gift{}, ErrRecipientNotFound
	}
	if err != nil {
		return models.Gift{}, fmt.Errorf("find recipient: %w", err)
	}
	if recipientID == senderID {
		return models.Gift{}, ErrSelfGift
	}
	recipient, err := s.billingRecord(ctx, recipientID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return models.Gift{}, ErrRecipientNotFound
		}
		return models.Gift{}, err
	}

	gift := models.Gift{
		SenderID:    senderID,
		RecipientID: recipientID,
		Status:      models.GiftStatusPending,
		ExpiresAt:   s.now().Add(s.config.GiftWindow()),
	}
	if err := s.store.CreateGift(ctx, &gift); err != nil {
		return models.Gift{}, fmt.Errorf("create gift: %w", err)
	}
	metrics.GiftsTotal.WithLabelValues("sent").Inc()

	msg := email.GiftReceived(displayName(sender), gift.ExpiresAt)
	s.notify(ctx, notify.Event{
		Name:   "gift_sent",
		UserID: senderID,
		To:     recipient.Email,
		Mail:   &msg,
		Props:  map[string]any{"gift_id": gift.ID, "recipient_id": recipientID},
	})
	return gift, nil
}

// ========== 接收 / 拒绝 / 撤回 ==========

// AcceptGift claims a pending gift. An overdue gift is expired on the spot and
// reported as unavailable.
func (s *Service) AcceptGift(ctx context.Context, userID, giftID int64) (GiftAcceptance, error) {
	gift, err := s.recipientGift(ctx, userID, giftID)
	if err != nil {
		return GiftAcceptance{}, err
	}

	now := s.now()
	ok, err := s.store.AcceptPendingGift(ctx, gift.ID, now)
	if err != nil {
		return GiftAcceptance{}, fmt.Errorf("accept gift: %w", err)
	}
	if !ok {
		return GiftAcceptance{}, ErrGiftUnavailable
	}
	gift.Status = models.GiftStatusAccepted

	until, err := s.store.GrantGiftEntitlement(ctx, userID, now, s.config.GiftGrant(), s.config.GiftPlanID, s.config.FreePlanID)
	if err != nil {
		// put the gift back so the recipient can retry
		if _, revertErr := s.store.TransitionGift(ctx, gift.ID, models.GiftStatusAccepted, models.GiftStatusPending); revertErr != nil {
			logging.Ctx(ctx).Error().Err(revertErr).Int64("gift_id", gift.ID).Msg("gift: accepted without entitlement")
		}
		return GiftAcceptance{}, fmt.Errorf("grant gift entitlement: %w", err)
	}
	metrics.GiftsTotal.WithLabelValues(models.GiftStatusAccepted).Inc()

	ev := notify.Event{
		Name:   "gift_accepted",
		UserID: gift.SenderID,
		Props:  map[string]any{"gift_id": gift.ID, "recipient_id": userID},
	}
	sender, senderErr := s.store.GetBillingRecord(ctx, gift.SenderID)
	recipient, recipientErr := s.store.GetBillingRecord(ctx, userID)
	if senderErr == nil && recipientErr == nil {
		msg := email.GiftAccepted(displayName(recipient))
		ev.To = sender.Email
		ev.Mail = &msg
	}
	s.notify(ctx, ev)
	return GiftAcceptance{Gift: gift, ActiveUntil: until}, nil
}

// DeclineGift ends a pending gift as expired; there is no separate declined state.
func (s *Service) DeclineGift(ctx context.Context, userID, giftID int64) (models.Gift, error) {
	gift, err := s.recipientGift(ctx, userID, giftID)
	if err != nil {
		return models.Gift{}, err
	}
	ok, err := s.store.TransitionGift(ctx, gift.ID, models.GiftStatusPending, models.GiftStatusExpired)
	if err != nil {
		return models.Gift{}, fmt.Errorf("decline gift: %w", err)
	}
	if !ok {
		return models.Gift{}, ErrGiftUnavailable
	}
	gift.Status = models.GiftStatusExpired
	metrics.GiftsTotal.WithLabelValues("declined").Inc()
	s.notify(ctx, notify.Event{
		Name:   "gift_declined",
		UserID: userID,
		Props:  map[string]any{"gift_id": gift.ID, "sender_id": gift.SenderID},
	})
	return gift, nil
}

// CancelGift lets the sender withdraw a gift nobody has acted on yet.
func (s *Service) CancelGift(ctx context.Context, userID, giftID int64) error {
	gift, err := s.store.GetGift(ctx, giftID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrGiftNotFound
	}
	if err != nil {
		return err
	}
	if gift.SenderID != userID {
		return ErrNotGiftSender
	}
	if gift.Status != models.GiftStatusPending {
		return ErrGiftUnavailable
	}
	deleted, err := s.store.DeletePendingGift(ctx, gift.ID)
	if err != nil {
		return fmt.Errorf("delete gift: %w", err)
	}
	if !deleted {
		return ErrGiftUnavailable
	}
	metrics.GiftsTotal.WithLabelValues("cancelled").Inc()
	s.notify(ctx, notify.Event{
		Name:   "gift_cancelled",
		UserID: userID,
		Props:  map[string]any{"gift_id": gift.ID, "recipient_id": gift.RecipientID},
	})
	return nil
}

func (s *Service) recipientGift(ctx context.Context, userID, giftID int64) (models.Gift, error) {
	gift, err := s.store.GetGift(ctx, giftID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Gift{}, ErrGiftNotFound
	}
	if err != nil {
		return models.Gift{}, err
	}
	if gift.RecipientID != userID {
		return models.Gift{}, ErrNotGiftRecipient
	}
	if gift.Status != models.GiftStatusPending {
		return models.Gift{}, ErrGiftUnavailable
	}
	if !gift.ExpiresAt.After(s.now()) {
		if _, err := s.store.TransitionGift(ctx, gift.ID, models.GiftStatusPending, models.GiftStatusExpired); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int64("gift_id", gift.ID).Msg("gift: lazy expiry failed")
		} else {
			metrics.GiftsTotal.WithLabelValues(models.GiftStatusExpired).Inc()
		}
		return models.Gift{}, ErrGiftUnavailable
	}
	return gift, nil
}

// ========== 查询 / 清理 ==========

// ListGifts returns gifts the user sent or received, expiring overdue ones first.
func (s *Service) ListGifts(ctx context.Context, userID int64) ([]models.Gift, error) {
	gifts, err := s.store.ListGiftsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]models.Gift, 0, len(gifts))
	for _, g := range gifts {
		if g.Status == models.GiftStatusPending && !g.ExpiresAt.After(now) {
			ok, err := s.store.TransitionGift(ctx, g.ID, models.GiftStatusPending, models.GiftStatusExpired)
			if err != nil {
				return nil, fmt.Errorf("expire gift: %w", err)
			}
			if ok {
				metrics.GiftsTotal.WithLabelValues(models.GiftStatusExpired).Inc()
			}
			g.Status = models.GiftStatusExpired
		}
		out = append(out, g)
	}
	return out, nil
}

// ExpireOverdueGifts is the periodic sweep behind the lazy checks.
func (s *Service) ExpireOverdueGifts(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdueGifts(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.GiftsTotal.WithLabelValues(models.GiftStatusExpired).Add(float64(n))
	}
	return n, nil
}
