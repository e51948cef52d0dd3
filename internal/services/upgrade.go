package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"manabilling/internal/email"
	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/metrics"
	"manabilling/internal/notify"

	"github.com/google/uuid"
)

type UpgradeResult struct {
	ScheduleID   string    `json:"schedule_id"`
	StartDate    time.Time `json:"start_date"`
	SavingsCents int64     `json:"savings_cents"`
}

// ScheduleAnnualUpgrade moves a monthly subscriber to the annual price at the
// end of the current period. The monthly subscription is flagged to cancel at
// period end first, then a schedule starting at that instant is created.
func (s *Service) ScheduleAnnualUpgrade(ctx context.Context, userID int64) (UpgradeResult, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return UpgradeResult{}, err
	}
	if rec.StripeCustomerID == "" || rec.StripeSubscriptionID == "" {
		return UpgradeResult{}, ErrNoActiveSubscription
	}
	if err := s.requireLedger(); err != nil {
		return UpgradeResult{}, err
	}
	if s.config.StripePriceAnnual == "" {
		return UpgradeResult{}, ErrPriceNotConfigured
	}

	subs, err := s.ledger.ListSubscriptions(ctx, rec.StripeCustomerID)
	if err != nil {
		return UpgradeResult{}, s.remoteFailure(ctx, "list subscriptions", err)
	}
	for _, sub := range subs {
		if sub.PriceID == s.config.StripePriceAnnual && blocksAnnual(sub) {
			metrics.UpgradesTotal.WithLabelValues("schedule", "already_annual").Inc()
			return UpgradeResult{}, ErrAlreadyAnnual
		}
	}
	existing, err := s.findAnnualSchedule(ctx, rec.StripeCustomerID)
	if err != nil {
		return UpgradeResult{}, s.remoteFailure(ctx, "list schedules", err)
	}
	if existing != nil {
		return UpgradeResult{}, ErrUpgradeAlreadyScheduled
	}

	current, err := s.ledger.GetSubscription(ctx, rec.StripeSubscriptionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return UpgradeResult{}, ErrNoActiveSubscription
	}
	if err != nil {
		return UpgradeResult{}, s.remoteFailure(ctx, "get subscription", err)
	}
	if !current.IsActive() {
		return UpgradeResult{}, ErrSubscriptionNotActive
	}

	now := s.now()
	var start time.Time
	switch {
	case current.PeriodEnd != nil:
		start = *current.PeriodEnd
	case rec.SubscriptionPeriodEnd != nil && rec.SubscriptionPeriodEnd.After(now):
		start = *rec.SubscriptionPeriodEnd
	default:
		return UpgradeResult{}, ErrMissingPeriodEnd
	}

	cancel := true
	if _, err := s.ledger.UpdateSubscription(ctx, current.ID, ledger.SubscriptionUpdate{CancelAtPeriodEnd: &cancel}); err != nil {
		return UpgradeResult{}, s.remoteFailure(ctx, "flag subscription to cancel", err)
	}

	schedule, err := s.ledger.CreateSchedule(ctx, ledger.ScheduleParams{
		CustomerID: rec.StripeCustomerID,
		PriceID:    s.config.StripePriceAnnual,
		StartDate:  start,
		Metadata: map[string]string{
			"user_id":      strconv.FormatInt(userID, 10),
			"upgrade_from": current.ID,
		},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		// the subscription is now set to lapse with no successor; try to undo
		logger := logging.Ctx(ctx)
		logger.Error().Err(err).Int64("user_id", userID).Str("subscription_id", current.ID).
			Msg("upgrade: schedule creation failed after cancel flag was set")
		keep := false
		if _, revertErr := s.ledger.UpdateSubscription(ctx, current.ID, ledger.SubscriptionUpdate{CancelAtPeriodEnd: &keep}); revertErr != nil {
			logger.Error().Err(revertErr).Str("subscription_id", current.ID).Msg("upgrade: could not clear cancel flag")
		}
		metrics.UpgradesTotal.WithLabelValues("schedule", "failed").Inc()
		return UpgradeResult{}, ErrRemoteUnavailable
	}

	savings := s.config.AnnualSavingsCents()
	metrics.UpgradesTotal.WithLabelValues("schedule", "ok").Inc()
	msg := email.UpgradeScheduled(start, savings)
	s.notify(ctx, notify.Event{
		Name:   "annual_upgrade_scheduled",
		UserID: userID,
		To:     rec.Email,
		Mail:   &msg,
		Props:  map[string]any{"schedule_id": schedule.ID, "savings_cents": savings, "start_date": start},
	})
	return UpgradeResult{ScheduleID: schedule.ID, StartDate: start, SavingsCents: savings}, nil
}

// CancelAnnualUpgrade releases the pending annual schedule and lets the
// monthly subscription renew again.
func (s *Service) CancelAnnualUpgrade(ctx context.Context, userID int64) error {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return err
	}
	if rec.StripeCustomerID == "" || rec.StripeSubscriptionID == "" {
		return ErrNoActiveSubscription
	}
	if err := s.requireLedger(); err != nil {
		return err
	}

	schedule, err := s.findAnnualSchedule(ctx, rec.StripeCustomerID)
	if err != nil {
		return s.remoteFailure(ctx, "list schedules", err)
	}
	if schedule == nil {
		return ErrNoScheduledUpgrade
	}

	// drop the schedule before renewing monthly so both can never bill
	if schedule.Status == ledger.ScheduleNotStarted {
		err = s.ledger.CancelSchedule(ctx, schedule.ID)
	} else {
		err = s.ledger.ReleaseSchedule(ctx, schedule.ID)
	}
	if err != nil {
		metrics.UpgradesTotal.WithLabelValues("cancel", "failed").Inc()
		return s.remoteFailure(ctx, "release schedule", err)
	}

	keep := false
	if _, err := s.ledger.UpdateSubscription(ctx, rec.StripeSubscriptionID, ledger.SubscriptionUpdate{CancelAtPeriodEnd: &keep}); err != nil {
		metrics.UpgradesTotal.WithLabelValues("cancel", "failed").Inc()
		return s.remoteFailure(ctx, "clear cancel flag", err)
	}

	metrics.UpgradesTotal.WithLabelValues("cancel", "ok").Inc()
	s.notify(ctx, notify.Event{
		Name:   "annual_upgrade_cancelled",
		UserID: userID,
		Props:  map[string]any{"schedule_id": schedule.ID},
	})
	return nil
}

func blocksAnnual(sub ledger.Subscription) bool {
	switch sub.Status {
	case ledger.StatusActive, ledger.StatusTrialing, ledger.StatusPastDue:
		return true
	}
	return sub.CancelAtPeriodEnd && sub.Status != ledger.StatusCanceled
}

// remoteFailure logs a ledger error and returns the user-facing rejection.
func (s *Service) remoteFailure(ctx context.Context, op string, err error) error {
	logging.Ctx(ctx).Error().Err(err).Str("op", op).Msg("remote ledger call failed")
	return ErrRemoteUnavailable
}
