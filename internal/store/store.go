// Package store persists the local half of billing state: the user billing
// record, the mana wallet, refund requests and gifts.
package store

import (
	"context"
	"errors"
	"time"

	"manabilling/internal/models"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrConflict         = errors.New("store: conflicting row")
	ErrAlreadyProcessed = errors.New("store: refund request already processed")
)

// SubscriptionGrant is what a paid invoice writes locally: the plan, the
// remote subscription and a fresh core mana grant.
type SubscriptionGrant struct {
	PlanID         string
	SubscriptionID string
	PeriodEnd      *time.Time
	Mana           int64
	GrantedAt      time.Time
}

type Store interface {
	GetBillingRecord(ctx context.Context, userID int64) (models.UserBillingRecord, error)
	GetBillingRecordByCustomer(ctx context.Context, customerID string) (models.UserBillingRecord, error)
	FindUserIDByIdentifier(ctx context.Context, identifier string) (int64, error)
	UpdatePeriodEnd(ctx context.Context, userID int64, periodEnd *time.Time) error
	LinkCustomer(ctx context.Context, userID int64, customerID, subscriptionID string) error
	ApplySubscriptionGrant(ctx context.Context, userID int64, grant SubscriptionGrant) error
	ClearSubscription(ctx context.Context, userID int64, subscriptionID, freePlanID string) error
	RevokeEntitlement(ctx context.Context, userID int64, freePlanID string) error
	GrantGiftEntitlement(ctx context.Context, userID int64, now time.Time, extend time.Duration, giftPlanID, freePlanID string) (time.Time, error)

	GetWallet(ctx context.Context, userID int64) (models.Wallet, error)
	CreditBooster(ctx context.Context, userID, mana int64) error
	DeductBooster(ctx context.Context, userID, mana int64) (int64, error)

	CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error
	GetRefundRequest(ctx context.Context, id int64) (models.RefundRequest, error)
	FindPendingRefundRequest(ctx context.Context, chargeID string) (models.RefundRequest, error)
	ListRefundRequests(ctx context.Context, status string) ([]models.RefundRequest, error)
	ResolveRefundRequest(ctx context.Context, id int64, status, remoteRefundID string, processedAt time.Time) error

	CreateGift(ctx context.Context, gift *models.Gift) error
	GetGift(ctx context.Context, id int64) (models.Gift, error)
	TransitionGift(ctx context.Context, id int64, from, to string) (bool, error)
	// AcceptPendingGift marks a gift accepted only while it is pending and unexpired at now.
	AcceptPendingGift(ctx context.Context, id int64, now time.Time) (bool, error)
	DeletePendingGift(ctx context.Context, id int64) (bool, error)
	ListGiftsForUser(ctx context.Context, userID int64) ([]models.Gift, error)
	ExpireOverdueGifts(ctx context.Context, now time.Time) (int64, error)
}
