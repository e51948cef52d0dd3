package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Stripe implements Client on top of the Stripe API.
type Stripe struct {
	api *client.API
}

func NewStripe(secretKey string) *Stripe {
	return &Stripe{api: client.New(secretKey, nil)}
}

// NewStripeWithBackends lets tests point the client at a local server.
func NewStripeWithBackends(secretKey string, backends *stripe.Backends) *Stripe {
	return &Stripe{api: client.New(secretKey, backends)}
}

func (s *Stripe) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return Subscription{}, wrapStripeError("get subscription", err)
	}
	return toSubscription(sub), nil
}

func (s *Stripe) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	it := s.api.Subscriptions.List(params)
	var out []Subscription
	for it.Next() {
		out = append(out, toSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError("list subscriptions", err)
	}
	return out, nil
}

func (s *Stripe) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (Subscription, error) {
	params := &stripe.SubscriptionParams{}
	if update.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*update.CancelAtPeriodEnd)
	}
	switch {
	case update.CancelAt != nil:
		params.CancelAt = stripe.Int64(update.CancelAt.Unix())
	case update.ClearCancelAt:
		params.AddExtra("cancel_at", "")
	}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Update(id, params)
	if err != nil {
		return Subscription{}, wrapStripeError("update subscription", err)
	}
	return toSubscription(sub), nil
}

func (s *Stripe) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := s.api.Subscriptions.Cancel(id, params); err != nil {
		return wrapStripeError("cancel subscription", err)
	}
	return nil
}

func (s *Stripe) ListSchedules(ctx context.Context, customerID string) ([]Schedule, error) {
	params := &stripe.SubscriptionScheduleListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	it := s.api.SubscriptionSchedules.List(params)
	var out []Schedule
	for it.Next() {
		out = append(out, toSchedule(it.SubscriptionSchedule()))
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError("list subscription schedules", err)
	}
	return out, nil
}

func (s *Stripe) CreateSchedule(ctx context.Context, in ScheduleParams) (Schedule, error) {
	params := &stripe.SubscriptionScheduleParams{
		Customer:    stripe.String(in.CustomerID),
		StartDate:   stripe.Int64(in.StartDate.Unix()),
		EndBehavior: stripe.String(string(stripe.SubscriptionScheduleEndBehaviorRelease)),
		Phases: []*stripe.SubscriptionSchedulePhaseParams{
			{
				Items: []*stripe.SubscriptionSchedulePhaseItemParams{
					{
						Price:    stripe.String(in.PriceID),
						Quantity: stripe.Int64(1),
					},
				},
				Iterations: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	sched, err := s.api.SubscriptionSchedules.New(params)
	if err != nil {
		return Schedule{}, wrapStripeError("create subscription schedule", err)
	}
	return toSchedule(sched), nil
}

func (s *Stripe) CancelSchedule(ctx context.Context, id string) error {
	params := &stripe.SubscriptionScheduleCancelParams{}
	params.Context = ctx
	if _, err := s.api.SubscriptionSchedules.Cancel(id, params); err != nil {
		return wrapStripeError("cancel subscription schedule", err)
	}
	return nil
}

func (s *Stripe) ReleaseSchedule(ctx context.Context, id string) error {
	params := &stripe.SubscriptionScheduleReleaseParams{}
	params.Context = ctx
	if _, err := s.api.SubscriptionSchedules.Release(id, params); err != nil {
		return wrapStripeError("release subscription schedule", err)
	}
	return nil
}

func (s *Stripe) GetCharge(ctx context.Context, id string) (Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := s.api.Charges.Get(id, params)
	if err != nil {
		return Charge{}, wrapStripeError("get charge", err)
	}
	return toCharge(ch), nil
}

func (s *Stripe) ListCharges(ctx context.Context, customerID string, limit int) ([]Charge, error) {
	params := &stripe.ChargeListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	if limit > 0 {
		params.Limit = stripe.Int64(int64(limit))
		params.Single = true
	}
	it := s.api.Charges.List(params)
	var out []Charge
	for it.Next() {
		out = append(out, toCharge(it.Charge()))
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError("list charges", err)
	}
	return out, nil
}

func (s *Stripe) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := s.api.Invoices.Get(id, params)
	if err != nil {
		return Invoice{}, wrapStripeError("get invoice", err)
	}
	out := Invoice{ID: inv.ID}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	return out, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, in RefundParams) (Refund, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(in.ChargeID),
		Amount: stripe.Int64(in.AmountCents),
	}
	if in.Reason != "" {
		params.Reason = stripe.String(in.Reason)
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	ref, err := s.api.Refunds.New(params)
	if err != nil {
		return Refund{}, wrapStripeError("create refund", err)
	}
	return Refund{
		ID:          ref.ID,
		ChargeID:    in.ChargeID,
		AmountCents: ref.Amount,
		Status:      string(ref.Status),
	}, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(in.Mode),
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	if in.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(in.ClientReferenceID)
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	// 一次性支付时元数据需要落到 charge 上
	if in.Mode == CheckoutModePayment && len(in.Metadata) > 0 {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: in.Metadata,
		}
	}
	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, wrapStripeError("create checkout session", err)
	}
	return Session{ID: sess.ID, URL: sess.URL}, nil
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerID, returnURL string) (Session, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := s.api.BillingPortalSessions.New(params)
	if err != nil {
		return Session{}, wrapStripeError("create portal session", err)
	}
	return Session{ID: sess.ID, URL: sess.URL}, nil
}

// ========== conversions ==========

func toSubscription(sub *stripe.Subscription) Subscription {
	if sub == nil {
		return Subscription{}
	}
	out := Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CancelAt:          unixTime(sub.CancelAt),
		PeriodStart:       unixTime(sub.CurrentPeriodStart),
		PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				out.PriceID = item.Price.ID
				break
			}
		}
	}
	return out
}

func toSchedule(sched *stripe.SubscriptionSchedule) Schedule {
	if sched == nil {
		return Schedule{}
	}
	out := Schedule{
		ID:     sched.ID,
		Status: string(sched.Status),
	}
	if sched.Customer != nil {
		out.CustomerID = sched.Customer.ID
	}
	if sched.Subscription != nil {
		out.SubscriptionID = sched.Subscription.ID
	}
	for _, phase := range sched.Phases {
		if phase == nil {
			continue
		}
		p := SchedulePhase{}
		if start := unixTime(phase.StartDate); start != nil {
			p.StartDate = *start
		}
		if end := unixTime(phase.EndDate); end != nil {
			p.EndDate = *end
		}
		for _, item := range phase.Items {
			if item != nil && item.Price != nil {
				p.PriceID = item.Price.ID
				break
			}
		}
		out.Phases = append(out.Phases, p)
	}
	return out
}

func toCharge(ch *stripe.Charge) Charge {
	if ch == nil {
		return Charge{}
	}
	out := Charge{
		ID:                  ch.ID,
		AmountCents:         ch.Amount,
		AmountRefundedCents: ch.AmountRefunded,
		Refunded:            ch.Refunded,
		Metadata:            ch.Metadata,
	}
	if created := unixTime(ch.Created); created != nil {
		out.Created = *created
	}
	if ch.Customer != nil {
		out.CustomerID = ch.Customer.ID
	}
	if ch.Invoice != nil {
		out.InvoiceID = ch.Invoice.ID
	}
	return out
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return fmt.Errorf("%s: stripe error %s: %s: %w", op, stripeErr.Code, stripeErr.Msg, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Client = (*Stripe)(nil)
