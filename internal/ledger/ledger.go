// Package ledger is the remote billing ledger: subscriptions, schedules,
// charges, invoices and refunds as the payment provider sees them.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("ledger: resource not found")

const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

const (
	ScheduleNotStarted = "not_started"
	ScheduleActive     = "active"
	ScheduleReleased   = "released"
	ScheduleCanceled   = "canceled"
	ScheduleCompleted  = "completed"
)

type Subscription struct {
	ID                string
	CustomerID        string
	PriceID           string
	Status            string
	CancelAtPeriodEnd bool
	CancelAt          *time.Time
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

// IsActive reports whether the subscription currently entitles its customer.
func (s Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

type SchedulePhase struct {
	StartDate time.Time
	EndDate   time.Time
	PriceID   string
}

type Schedule struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	Phases         []SchedulePhase
}

// Pending reports whether the schedule can still change what the customer is billed.
func (s Schedule) Pending() bool {
	return s.Status == ScheduleNotStarted || s.Status == ScheduleActive
}

// PhaseFor returns the first phase billing the given price.
func (s Schedule) PhaseFor(priceID string) (SchedulePhase, bool) {
	for _, p := range s.Phases {
		if priceID != "" && p.PriceID == priceID {
			return p, true
		}
	}
	return SchedulePhase{}, false
}

type Charge struct {
	ID                  string
	CustomerID          string
	InvoiceID           string
	AmountCents         int64
	AmountRefundedCents int64
	Refunded            bool
	Created             time.Time
	Metadata            map[string]string
}

// RefundedAny is true once any part of the charge went back to the customer.
func (c Charge) RefundedAny() bool {
	return c.Refunded || c.AmountRefundedCents > 0
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

type Refund struct {
	ID          string
	ChargeID    string
	AmountCents int64
	Status      string
}

// SubscriptionUpdate is a partial update; nil fields are left alone.
type SubscriptionUpdate struct {
	CancelAtPeriodEnd *bool
	CancelAt          *time.Time
	ClearCancelAt     bool
}

type ScheduleParams struct {
	CustomerID     string
	PriceID        string
	StartDate      time.Time
	Metadata       map[string]string
	IdempotencyKey string
}

type RefundParams struct {
	ChargeID       string
	AmountCents    int64
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

type CheckoutParams struct {
	Mode              string
	PriceID           string
	CustomerID        string
	CustomerEmail     string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

type Session struct {
	ID  string
	URL string
}

// Client is everything the billing core asks of the remote ledger.
type Client interface {
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (Subscription, error)
	CancelSubscription(ctx context.Context, id string) error

	ListSchedules(ctx context.Context, customerID string) ([]Schedule, error)
	CreateSchedule(ctx context.Context, params ScheduleParams) (Schedule, error)
	CancelSchedule(ctx context.Context, id string) error
	ReleaseSchedule(ctx context.Context, id string) error

	GetCharge(ctx context.Context, id string) (Charge, error)
	ListCharges(ctx context.Context, customerID string, limit int) ([]Charge, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	CreateRefund(ctx context.Context, params RefundParams) (Refund, error)

	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (Session, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (Session, error)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
