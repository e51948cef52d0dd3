package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"manabilling/internal/ledger"
	"manabilling/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMonthly(f *fixture) time.Time {
	f.subscriber(1, 100000, 0)
	end := f.now.Add(12 * 24 * time.Hour)
	f.ledger.AddSubscription(ledger.Subscription{
		ID: "sub_1", CustomerID: "cus_1", PriceID: "price_monthly",
		Status: ledger.StatusActive, PeriodEnd: &end,
	})
	return end
}

func TestScheduleAnnualUpgrade(t *testing.T) {
	f := newFixture(t)
	end := seedMonthly(f)

	res, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, end.Equal(res.StartDate))
	assert.Equal(t, int64(2500*12-24000), res.SavingsCents)
	assert.NotEmpty(t, res.ScheduleID)

	sub := f.ledger.Subscriptions["sub_1"]
	assert.True(t, sub.CancelAtPeriodEnd)
	require.Len(t, f.ledger.CreatedSchedules, 1)
	params := f.ledger.CreatedSchedules[0]
	assert.Equal(t, "price_annual", params.PriceID)
	assert.Equal(t, "cus_1", params.CustomerID)
	assert.NotEmpty(t, params.IdempotencyKey)
	assert.Contains(t, f.notifier.names(), "annual_upgrade_scheduled")
}

func TestScheduleAnnualUpgradeWithoutCustomerMakesNoRemoteCall(t *testing.T) {
	f := newFixture(t)
	f.store.PutUser(models.UserBillingRecord{UserID: 1, Email: "u@example.com", PlanID: "free"})

	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
	assert.Equal(t, "no active subscription found", err.(*Rejection).Message)
	assert.Zero(t, f.ledger.TotalCalls())
}

func TestScheduleAnnualUpgradeRejectsExistingAnnual(t *testing.T) {
	for _, tc := range []struct {
		name string
		sub  ledger.Subscription
	}{
		{"active", ledger.Subscription{Status: ledger.StatusActive}},
		{"trialing", ledger.Subscription{Status: ledger.StatusTrialing}},
		{"past due", ledger.Subscription{Status: ledger.StatusPastDue}},
		{"cancel pending", ledger.Subscription{Status: "incomplete", CancelAtPeriodEnd: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			seedMonthly(f)
			annual := tc.sub
			annual.ID = "sub_annual"
			annual.CustomerID = "cus_1"
			annual.PriceID = "price_annual"
			f.ledger.AddSubscription(annual)

			_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
			assert.ErrorIs(t, err, ErrAlreadyAnnual)
			assert.Empty(t, f.ledger.CreatedSchedules)
			assert.Zero(t, f.ledger.CallCount("UpdateSubscription"))
		})
	}
}

func TestScheduleAnnualUpgradeIgnoresCanceledAnnual(t *testing.T) {
	f := newFixture(t)
	seedMonthly(f)
	f.ledger.AddSubscription(ledger.Subscription{ID: "sub_old", CustomerID: "cus_1", PriceID: "price_annual", Status: ledger.StatusCanceled})

	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	require.NoError(t, err)
}

func TestScheduleAnnualUpgradeTwice(t *testing.T) {
	f := newFixture(t)
	seedMonthly(f)

	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	require.NoError(t, err)
	_, err = f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUpgradeAlreadyScheduled)
	assert.Len(t, f.ledger.CreatedSchedules, 1)
}

func TestScheduleAnnualUpgradeFallsBackToLocalPeriodEnd(t *testing.T) {
	f := newFixture(t)
	rec := f.subscriber(1, 0, 0)
	f.ledger.AddSubscription(ledger.Subscription{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_monthly", Status: ledger.StatusActive})

	res, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.SubscriptionPeriodEnd.Equal(res.StartDate))
}

func TestScheduleAnnualUpgradeMissingPeriodEnd(t *testing.T) {
	f := newFixture(t)
	rec := f.subscriber(1, 0, 0)
	rec.SubscriptionPeriodEnd = timePtr(f.now.Add(-time.Hour))
	f.store.PutUser(rec)
	f.ledger.AddSubscription(ledger.Subscription{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_monthly", Status: ledger.StatusActive})

	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMissingPeriodEnd)
	assert.Zero(t, f.ledger.CallCount("UpdateSubscription"))
}

func TestScheduleAnnualUpgradeRevertsCancelFlagWhenScheduleFails(t *testing.T) {
	f := newFixture(t)
	seedMonthly(f)
	f.ledger.Errors["CreateSchedule"] = errors.New("boom")

	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.False(t, f.ledger.Subscriptions["sub_1"].CancelAtPeriodEnd)
	assert.Equal(t, 2, f.ledger.CallCount("UpdateSubscription"))
}

func TestScheduleAnnualUpgradeInactiveSubscription(t *testing.T) {
	f := newFixture(t)
	f.subscriber(1, 0, 0)
	f.ledger.AddSubscription(ledger.Subscription{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_monthly", Status: ledger.StatusPastDue})

	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSubscriptionNotActive)
}

func TestCancelAnnualUpgrade(t *testing.T) {
	f := newFixture(t)
	seedMonthly(f)
	res, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelAnnualUpgrade(context.Background(), 1))
	assert.Equal(t, ledger.ScheduleCanceled, f.ledger.Schedules[res.ScheduleID].Status)
	assert.False(t, f.ledger.Subscriptions["sub_1"].CancelAtPeriodEnd)

	err = f.svc.CancelAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoScheduledUpgrade)
}

func TestCancelAnnualUpgradeReleasesStartedSchedule(t *testing.T) {
	f := newFixture(t)
	end := seedMonthly(f)
	f.ledger.AddSchedule(ledger.Schedule{
		ID: "sched_live", CustomerID: "cus_1", Status: ledger.ScheduleActive,
		Phases: []ledger.SchedulePhase{{StartDate: end, EndDate: end.AddDate(1, 0, 0), PriceID: "price_annual"}},
	})

	require.NoError(t, f.svc.CancelAnnualUpgrade(context.Background(), 1))
	assert.Equal(t, ledger.ScheduleReleased, f.ledger.Schedules["sched_live"].Status)
}

func TestCancelAnnualUpgradeKeepsCancelFlagWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	seedMonthly(f)
	_, err := f.svc.ScheduleAnnualUpgrade(context.Background(), 1)
	require.NoError(t, err)
	f.ledger.Errors["CancelSchedule"] = errors.New("boom")

	err = f.svc.CancelAnnualUpgrade(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.True(t, f.ledger.Subscriptions["sub_1"].CancelAtPeriodEnd)
}
