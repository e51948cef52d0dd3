package services

import (
	"context"
	"errors"
	"fmt"

	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/notify"
	"manabilling/internal/store"
)

// HandleStripeEvent provisions local state from a verified ledger event.
// Unknown event types and events for unknown users are acknowledged and ignored.
func (s *Service) HandleStripeEvent(ctx context.Context, ev ledger.Event) error {
	logger := logging.Ctx(ctx).With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	switch {
	case ev.Checkout != nil:
		return s.handleCheckoutCompleted(ctx, ev.Checkout)
	case ev.Invoice != nil:
		return s.handleInvoicePaid(ctx, ev.Invoice)
	case ev.Deleted != nil:
		return s.handleSubscriptionDeleted(ctx, ev.Deleted)
	default:
		logger.Debug().Msg("webhook event ignored")
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, c *ledger.CheckoutCompleted) error {
	logger := logging.Ctx(ctx)
	if c.UserID <= 0 {
		logger.Warn().Str("session_id", c.SessionID).Msg("checkout completed without a user reference")
		return nil
	}
	if c.CustomerID != "" || c.SubscriptionID != "" {
		err := s.store.LinkCustomer(ctx, c.UserID, c.CustomerID, c.SubscriptionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			logger.Warn().Int64("user_id", c.UserID).Str("session_id", c.SessionID).Msg("checkout for unknown user")
			return nil
		case errors.Is(err, store.ErrConflict):
			logger.Error().Int64("user_id", c.UserID).Str("customer_id", c.CustomerID).Msg("customer already linked to another user")
			return nil
		}
		if err != nil {
			return fmt.Errorf("link customer: %w", err)
		}
	}

	if c.Mode == ledger.CheckoutModePayment && c.Paid && c.ManaAmount > 0 {
		if err := s.store.CreditBooster(ctx, c.UserID, c.ManaAmount); err != nil {
			return fmt.Errorf("credit booster: %w", err)
		}
		s.notify(ctx, notify.Event{
			Name:   "booster_purchased",
			UserID: c.UserID,
			Props:  map[string]any{"session_id": c.SessionID, "mana": c.ManaAmount},
		})
		return nil
	}
	s.notify(ctx, notify.Event{
		Name:   "checkout_completed",
		UserID: c.UserID,
		Props:  map[string]any{"session_id": c.SessionID, "mode": c.Mode, "subscription_id": c.SubscriptionID},
	})
	return nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, inv *ledger.InvoicePaid) error {
	logger := logging.Ctx(ctx)
	if inv.SubscriptionID == "" || inv.CustomerID == "" {
		return nil
	}
	rec, err := s.store.GetBillingRecordByCustomer(ctx, inv.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Str("customer_id", inv.CustomerID).Str("invoice_id", inv.InvoiceID).Msg("invoice for unknown customer")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find customer: %w", err)
	}

	plan := s.planForVariant(s.variantForPrice(inv.PriceID))
	err = s.store.ApplySubscriptionGrant(ctx, rec.UserID, store.SubscriptionGrant{
		PlanID:         plan,
		SubscriptionID: inv.SubscriptionID,
		PeriodEnd:      inv.PeriodEnd,
		Mana:           s.config.CoreManaMonthlyGrant,
		GrantedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("apply subscription grant: %w", err)
	}
	s.notify(ctx, notify.Event{
		Name:   "subscription_renewed_grant",
		UserID: rec.UserID,
		Props:  map[string]any{"invoice_id": inv.InvoiceID, "plan_id": plan, "mana": s.config.CoreManaMonthlyGrant},
	})
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, sub *ledger.Subscription) error {
	if sub.CustomerID == "" {
		return nil
	}
	rec, err := s.store.GetBillingRecordByCustomer(ctx, sub.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find customer: %w", err)
	}
	// a newer subscription may already be stored
	if rec.StripeSubscriptionID != sub.ID {
		return nil
	}
	err = s.store.ClearSubscription(ctx, rec.UserID, sub.ID, s.config.FreePlanID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear subscription: %w", err)
	}
	s.notify(ctx, notify.Event{
		Name:   "subscription_ended",
		UserID: rec.UserID,
		Props:  map[string]any{"subscription_id": sub.ID},
	})
	return nil
}
