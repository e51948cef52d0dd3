package services

import (
	"testing"
	"time"

	"manabilling/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCalculateUsageCost(t *testing.T) {
	granted := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		wallet  models.Wallet
		grant   int64
		rate    int64
		want    UsageCost
		refund  int64
		charged int64
	}{
		{
			name:    "partial use",
			wallet:  models.Wallet{ManaBalance: 150000, LastCoreGrantAt: &granted},
			grant:   200000,
			rate:    20000,
			want:    UsageCost{UsageCostCents: 250, ManaUsed: 50000, ManaGranted: 200000},
			charged: 2500,
			refund:  2250,
		},
		{
			name:    "fully used",
			wallet:  models.Wallet{ManaBalance: 0, LastCoreGrantAt: &granted},
			grant:   200000,
			rate:    20000,
			want:    UsageCost{UsageCostCents: 1000, ManaUsed: 200000, ManaGranted: 200000},
			charged: 2500,
			refund:  1500,
		},
		{
			name:    "usage consumes the charge",
			wallet:  models.Wallet{ManaBalance: 0, LastCoreGrantAt: &granted},
			grant:   20000,
			rate:    20000,
			want:    UsageCost{UsageCostCents: 100, ManaUsed: 20000, ManaGranted: 20000},
			charged: 100,
			refund:  0,
		},
		{
			name:    "never granted",
			wallet:  models.Wallet{ManaBalance: 0},
			grant:   200000,
			rate:    20000,
			want:    UsageCost{},
			charged: 2500,
			refund:  2500,
		},
		{
			name:    "balance above grant",
			wallet:  models.Wallet{ManaBalance: 250000, LastCoreGrantAt: &granted},
			grant:   200000,
			rate:    20000,
			want:    UsageCost{ManaGranted: 200000},
			charged: 2500,
			refund:  2500,
		},
		{
			name:    "rounds partial cents up",
			wallet:  models.Wallet{ManaBalance: 199999, LastCoreGrantAt: &granted},
			grant:   200000,
			rate:    20000,
			want:    UsageCost{UsageCostCents: 1, ManaUsed: 1, ManaGranted: 200000},
			charged: 2500,
			refund:  2499,
		},
		{
			name:    "zero rate",
			wallet:  models.Wallet{ManaBalance: 0, LastCoreGrantAt: &granted},
			grant:   200000,
			rate:    0,
			want:    UsageCost{},
			charged: 2500,
			refund:  2500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateUsageCost(tt.wallet, tt.grant, tt.rate)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.refund, RefundAmount(tt.charged, got.UsageCostCents))
		})
	}
}

func TestUsageCostNeverNegativeOrAboveGrantValue(t *testing.T) {
	granted := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	const grant, rate = 200000, 20000
	ceiling := int64((grant*100 + rate - 1) / rate)
	for balance := int64(-1000); balance <= grant+1000; balance += 777 {
		got := CalculateUsageCost(models.Wallet{ManaBalance: balance, LastCoreGrantAt: &granted}, grant, rate)
		assert.GreaterOrEqual(t, got.UsageCostCents, int64(0))
		assert.LessOrEqual(t, got.ManaUsed, int64(grant)+1000)
		if balance >= 0 {
			assert.LessOrEqual(t, got.UsageCostCents, ceiling)
		}
	}
}

func TestRefundAmountBounds(t *testing.T) {
	assert.Equal(t, int64(0), RefundAmount(2500, 3000))
	assert.Equal(t, int64(2500), RefundAmount(2500, 0))
	assert.Equal(t, int64(2500), RefundAmount(2500, -5))
}
