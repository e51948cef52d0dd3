package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"manabilling/internal/config"
	"manabilling/internal/ledger/ledgertest"
	"manabilling/internal/models"
	"manabilling/internal/notify"
	"manabilling/internal/store"
)

var testNow = time.Date(2026, 10, 10, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Name)
	}
	return out
}

func (n *recordingNotifier) last() notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notify.Event{}
	}
	return n.events[len(n.events)-1]
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	ledger   *ledgertest.Fake
	notifier *recordingNotifier
	now      time.Time
}

func testConfig() config.Config {
	return config.Config{
		StripeSecretKey:      "sk_test",
		StripePriceMonthly:   "price_monthly",
		StripePriceAnnual:    "price_annual",
		StripePriceBooster:   "price_booster",
		PriceMonthlyCents:    2500,
		PriceAnnualCents:     24000,
		CoreManaMonthlyGrant: 200000,
		BoosterManaAmount:    100000,
		USDToManaRate:        20000,
		FreePlanID:           "free",
		GiftPlanID:           "pro_gift",
		RefundWindowDays:     7,
		GiftWindowDays:       7,
		GiftGrantDays:        30,
		AdminEmail:           "admin@example.com",
		AppBaseURL:           "https://app.example.com/",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		ledger:   ledgertest.New(),
		notifier: &recordingNotifier{},
		now:      testNow,
	}
	f.svc = New(f.store, f.ledger, f.notifier, testConfig())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// subscriber seeds a monthly subscriber with a fresh core grant.
func (f *fixture) subscriber(userID int64, manaBalance, boosterBalance int64) models.UserBillingRecord {
	periodEnd := f.now.Add(25 * 24 * time.Hour)
	grant := f.now.Add(-5 * 24 * time.Hour)
	rec := models.UserBillingRecord{
		UserID:                userID,
		Email:                 "user@example.com",
		Username:              "user",
		PlanID:                models.PlanMonthly,
		StripeCustomerID:      "cus_1",
		StripeSubscriptionID:  "sub_1",
		SubscriptionPeriodEnd: &periodEnd,
	}
	f.store.PutUser(rec)
	f.store.PutWallet(models.Wallet{UserID: userID, ManaBalance: manaBalance, BoosterBalance: boosterBalance, LastCoreGrantAt: &grant})
	return rec
}

func timePtr(t time.Time) *time.Time {
	return &t
}
