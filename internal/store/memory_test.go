package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"manabilling/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRevokeKeepsBoosterBalance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	grant := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := grant.Add(30 * 24 * time.Hour)
	m.PutUser(models.UserBillingRecord{UserID: 1, Email: "a@example.com", PlanID: models.PlanMonthly,
		StripeSubscriptionID: "sub_1", SubscriptionPeriodEnd: &periodEnd, ChannelingActive: true, ChannelingExpiresAt: &periodEnd})
	m.PutWallet(models.Wallet{UserID: 1, ManaBalance: 150000, BoosterBalance: 40000, LastCoreGrantAt: &grant})

	require.NoError(t, m.RevokeEntitlement(ctx, 1, "free"))

	rec, err := m.GetBillingRecord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "free", rec.PlanID)
	assert.Empty(t, rec.StripeSubscriptionID)
	assert.Nil(t, rec.SubscriptionPeriodEnd)
	assert.False(t, rec.ChannelingActive)

	w, err := m.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, w.ManaBalance)
	assert.Nil(t, w.LastCoreGrantAt)
	assert.Equal(t, int64(40000), w.BoosterBalance)
}

func TestMemoryGiftEntitlementExtendsFromLaterOfNowAndExisting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	m.PutUser(models.UserBillingRecord{UserID: 2, Email: "b@example.com", PlanID: "free"})

	until, err := m.GrantGiftEntitlement(ctx, 2, now, 30*24*time.Hour, "pro_gift", "free")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), until)

	until, err = m.GrantGiftEntitlement(ctx, 2, now.Add(24*time.Hour), 30*24*time.Hour, "pro_gift", "free")
	require.NoError(t, err)
	assert.Equal(t, now.Add(60*24*time.Hour), until)

	rec, _ := m.GetBillingRecord(ctx, 2)
	assert.Equal(t, "pro_gift", rec.PlanID)
	assert.True(t, rec.ChannelingActive)
}

func TestMemoryPendingRefundRequestIsUniquePerCharge(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	req := &models.RefundRequest{UserID: 1, ChargeID: "ch_1", Status: models.RefundStatusPending}
	require.NoError(t, m.CreateRefundRequest(ctx, req))

	dup := &models.RefundRequest{UserID: 1, ChargeID: "ch_1", Status: models.RefundStatusPending}
	assert.ErrorIs(t, m.CreateRefundRequest(ctx, dup), ErrConflict)

	require.NoError(t, m.ResolveRefundRequest(ctx, req.ID, models.RefundStatusDenied, "", time.Now()))
	assert.ErrorIs(t, m.ResolveRefundRequest(ctx, req.ID, models.RefundStatusApproved, "re_1", time.Now()), ErrAlreadyProcessed)
}

func TestMemoryExpireOverdueGifts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC)
	overdue := &models.Gift{SenderID: 1, RecipientID: 2, Status: models.GiftStatusPending, ExpiresAt: now.Add(-time.Minute)}
	fresh := &models.Gift{SenderID: 1, RecipientID: 2, Status: models.GiftStatusPending, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, m.CreateGift(ctx, overdue))
	require.NoError(t, m.CreateGift(ctx, fresh))

	n, err := m.ExpireOverdueGifts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	g, _ := m.GetGift(ctx, overdue.ID)
	assert.Equal(t, models.GiftStatusExpired, g.Status)
	g, _ = m.GetGift(ctx, fresh.ID)
	assert.Equal(t, models.GiftStatusPending, g.Status)
}

func TestMemoryLoadSeed(t *testing.T) {
	f, err := os.Open("testdata/seed.json")
	require.NoError(t, err)
	defer f.Close()

	m := NewMemory()
	n, err := m.LoadSeed(f)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	id, err := m.FindUserIDByIdentifier(context.Background(), "BO@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	rec, err := m.GetBillingRecord(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "cus_dev_2", rec.StripeCustomerID)
	require.NotNil(t, rec.SubscriptionPeriodEnd)

	w, err := m.GetWallet(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), w.BoosterBalance)
}

func TestMemoryLoadSeedRejectsBadInput(t *testing.T) {
	_, err := NewMemory().LoadSeed(strings.NewReader(`{"users":[{"email":"x@example.com"}]}`))
	assert.ErrorContains(t, err, "user_id must be positive")

	_, err = NewMemory().LoadSeed(strings.NewReader(`{"people":[]}`))
	assert.Error(t, err)
}

func TestMemoryAcceptPendingGiftHonoursExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC)
	g := &models.Gift{SenderID: 1, RecipientID: 2, Status: models.GiftStatusPending, ExpiresAt: now}
	require.NoError(t, m.CreateGift(ctx, g))

	ok, err := m.AcceptPendingGift(ctx, g.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "a gift is expired at its expiry instant")

	ok, err = m.AcceptPendingGift(ctx, g.ID, now.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AcceptPendingGift(ctx, g.ID, now.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}
