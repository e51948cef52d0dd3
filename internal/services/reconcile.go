package services

import (
	"context"
	"errors"
	"time"

	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/metrics"
	"manabilling/internal/models"

	"golang.org/x/sync/errgroup"
)

// SubscriptionView is the canonical subscription state merged from the local
// billing record and the remote ledger.
type SubscriptionView struct {
	IsActive              bool       `json:"is_active"`
	PlanVariant           string     `json:"plan_variant,omitempty"`
	PlanLabel             string     `json:"plan_label"`
	Status                string     `json:"status,omitempty"`
	SubscriptionID        string     `json:"subscription_id,omitempty"`
	PeriodStart           *time.Time `json:"period_start,omitempty"`
	PeriodEnd             *time.Time `json:"period_end,omitempty"`
	RenewalDate           *time.Time `json:"renewal_date,omitempty"`
	ScheduledCancellation *time.Time `json:"scheduled_cancellation,omitempty"`
	ScheduledAnnualStart  *time.Time `json:"scheduled_annual_start,omitempty"`
	ScheduledAnnualEnd    *time.Time `json:"scheduled_annual_end,omitempty"`
	Channeling            bool       `json:"channeling"`
}

// GetSubscription reconciles the user's subscription. Remote failures degrade
// to local signals instead of failing the read.
func (s *Service) GetSubscription(ctx context.Context, userID int64) (SubscriptionView, error) {
	rec, err := s.billingRecord(ctx, userID)
	if err != nil {
		return SubscriptionView{}, err
	}

	var (
		sub      *ledger.Subscription
		schedule *ledger.Schedule
	)
	if s.ledger != nil && (rec.StripeSubscriptionID != "" || rec.StripeCustomerID != "") {
		// 两路读取互不取消：日程查询失败只影响年付升级字段
		var g errgroup.Group
		var subErr, schedErr error
		g.Go(func() error {
			sub, subErr = s.resolveRemoteSubscription(ctx, rec)
			return nil
		})
		if rec.StripeCustomerID != "" {
			g.Go(func() error {
				schedule, schedErr = s.findAnnualSchedule(ctx, rec.StripeCustomerID)
				return nil
			})
		}
		_ = g.Wait()
		if err := errors.Join(subErr, schedErr); err != nil {
			metrics.ReconcileDegraded.Inc()
			logging.Ctx(ctx).Warn().Err(err).Int64("user_id", userID).
				Bool("subscription_failed", subErr != nil).Bool("schedule_failed", schedErr != nil).
				Msg("reconcile: remote ledger unavailable, using local state")
		}
	}

	view := s.buildView(rec, sub, schedule)
	s.repairPeriodEnd(ctx, rec, sub)
	return view, nil
}

func (s *Service) buildView(rec models.UserBillingRecord, sub *ledger.Subscription, schedule *ledger.Schedule) SubscriptionView {
	now := s.now()
	view := SubscriptionView{Channeling: rec.ChannelingLive(now)}

	remoteVariant := ""
	if sub != nil {
		view.Status = sub.Status
		view.SubscriptionID = sub.ID
		view.PeriodStart = sub.PeriodStart
		view.PeriodEnd = sub.PeriodEnd
		remoteVariant = s.variantForPrice(sub.PriceID)
	}
	if view.PeriodEnd == nil {
		view.PeriodEnd = rec.SubscriptionPeriodEnd
	}

	// local intent wins over what the remote ledger has caught up to
	view.PlanVariant = models.PlanVariant(rec.PlanID)
	if view.PlanVariant == "" {
		view.PlanVariant = remoteVariant
	}

	view.IsActive = rec.StripeSubscriptionID != "" || (sub != nil && sub.IsActive()) || view.Channeling

	switch {
	case sub != nil && sub.CancelAt != nil:
		view.ScheduledCancellation = sub.CancelAt
	case sub != nil && sub.CancelAtPeriodEnd && view.PeriodEnd != nil:
		view.ScheduledCancellation = view.PeriodEnd
	case rec.ChannelingActive && rec.ChannelingExpiresAt != nil:
		view.ScheduledCancellation = rec.ChannelingExpiresAt
	}
	if view.IsActive && view.ScheduledCancellation == nil {
		view.RenewalDate = view.PeriodEnd
	}

	if schedule != nil {
		if phase, ok := schedule.PhaseFor(s.config.StripePriceAnnual); ok {
			start, end := phase.StartDate, phase.EndDate
			if !start.IsZero() {
				view.ScheduledAnnualStart = &start
			}
			if !end.IsZero() {
				view.ScheduledAnnualEnd = &end
			}
		}
	}

	view.PlanLabel = planLabel(view)
	return view
}

func planLabel(view SubscriptionView) string {
	if !view.IsActive {
		return "Free"
	}
	switch view.PlanVariant {
	case models.PlanVariantAnnual:
		return "Pro Annual"
	case models.PlanVariantMonthly:
		return "Pro Monthly"
	}
	if view.Channeling {
		return "Pro (gifted)"
	}
	return "Pro"
}

// resolveRemoteSubscription finds the subscription by stored id, falling back to
// the customer's subscription list. (nil, nil) means the user has none.
func (s *Service) resolveRemoteSubscription(ctx context.Context, rec models.UserBillingRecord) (*ledger.Subscription, error) {
	if rec.StripeSubscriptionID != "" {
		sub, err := s.ledger.GetSubscription(ctx, rec.StripeSubscriptionID)
		if err == nil {
			return &sub, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}
	if rec.StripeCustomerID == "" {
		return nil, nil
	}
	subs, err := s.ledger.ListSubscriptions(ctx, rec.StripeCustomerID)
	if err != nil {
		return nil, err
	}
	return pickSubscription(subs), nil
}

// pickSubscription prefers a live subscription with a known period end,
// otherwise the one that ends last.
func pickSubscription(subs []ledger.Subscription) *ledger.Subscription {
	var live, latest *ledger.Subscription
	for i := range subs {
		sub := &subs[i]
		if sub.IsActive() && sub.PeriodEnd != nil {
			if live == nil || sub.PeriodEnd.After(*live.PeriodEnd) {
				live = sub
			}
		}
		if latest == nil || endsAfter(sub, latest) {
			latest = sub
		}
	}
	if live != nil {
		return live
	}
	return latest
}

func endsAfter(a, b *ledger.Subscription) bool {
	if a.PeriodEnd == nil {
		return false
	}
	return b.PeriodEnd == nil || a.PeriodEnd.After(*b.PeriodEnd)
}

// findAnnualSchedule returns the pending schedule whose phases bill the annual price.
func (s *Service) findAnnualSchedule(ctx context.Context, customerID string) (*ledger.Schedule, error) {
	if s.config.StripePriceAnnual == "" {
		return nil, nil
	}
	schedules, err := s.ledger.ListSchedules(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for i := range schedules {
		if !schedules[i].Pending() {
			continue
		}
		if _, ok := schedules[i].PhaseFor(s.config.StripePriceAnnual); ok {
			return &schedules[i], nil
		}
	}
	return nil, nil
}

func (s *Service) repairPeriodEnd(ctx context.Context, rec models.UserBillingRecord, sub *ledger.Subscription) {
	if sub == nil || sub.PeriodEnd == nil {
		return
	}
	if rec.SubscriptionPeriodEnd != nil && rec.SubscriptionPeriodEnd.Equal(*sub.PeriodEnd) {
		return
	}
	if err := s.store.UpdatePeriodEnd(ctx, rec.UserID, sub.PeriodEnd); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", rec.UserID).Msg("reconcile: period end write-back failed")
		return
	}
	metrics.CacheRepairs.Inc()
}
