package services

import (
	"context"
	"errors"
	"time"

	"manabilling/internal/config"
	"manabilling/internal/ledger"
	"manabilling/internal/models"
	"manabilling/internal/notify"
	"manabilling/internal/store"
)

// Notifier receives fire-and-forget events after state changes commit.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

type Service struct {
	store    store.Store
	ledger   ledger.Client
	notifier Notifier
	config   config.Config
	now      func() time.Time
}

// New wires the billing core. A nil ledger means Stripe is not configured.
func New(st store.Store, lc ledger.Client, n Notifier, cfg config.Config) *Service {
	return &Service{
		store:    st,
		ledger:   lc,
		notifier: n,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Config() config.Config {
	return s.config
}

func (s *Service) requireLedger() error {
	if s.ledger == nil {
		return ErrStripeNotConfigured
	}
	return nil
}

func (s *Service) billingRecord(ctx context.Context, userID int64) (models.UserBillingRecord, error) {
	rec, err := s.store.GetBillingRecord(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.UserBillingRecord{}, ErrUserNotFound
	}
	return rec, err
}

func (s *Service) wallet(ctx context.Context, userID int64) (models.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Wallet{}, ErrWalletNotFound
	}
	return w, err
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, ev)
}

// variantForPrice maps a remote price id to monthly/annual.
func (s *Service) variantForPrice(priceID string) string {
	switch {
	case priceID == "":
		return ""
	case priceID == s.config.StripePriceAnnual:
		return models.PlanVariantAnnual
	case priceID == s.config.StripePriceMonthly:
		return models.PlanVariantMonthly
	default:
		return ""
	}
}

func (s *Service) planForVariant(variant string) string {
	if variant == models.PlanVariantAnnual {
		return models.PlanAnnual
	}
	return models.PlanMonthly
}

func displayName(rec models.UserBillingRecord) string {
	if rec.Username != "" {
		return rec.Username
	}
	return rec.Email
}
