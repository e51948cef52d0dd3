// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"manabilling/internal/ledger"
)

// Fake records every mutating call. Set Errors[method] to make that method fail.
type Fake struct {
	mu sync.Mutex

	Subscriptions map[string]ledger.Subscription
	Schedules     map[string]ledger.Schedule
	Charges       map[string]ledger.Charge
	Invoices      map[string]ledger.Invoice
	Errors        map[string]error

	Refunds          []ledger.RefundParams
	CreatedSchedules []ledger.ScheduleParams
	Checkouts        []ledger.CheckoutParams
	PortalReturnURLs []string
	Canceled         []string
	Calls            []string

	seq int
}

func New() *Fake {
	return &Fake{
		Subscriptions: make(map[string]ledger.Subscription),
		Schedules:     make(map[string]ledger.Schedule),
		Charges:       make(map[string]ledger.Charge),
		Invoices:      make(map[string]ledger.Invoice),
		Errors:        make(map[string]error),
	}
}

func (f *Fake) AddSubscription(sub ledger.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions[sub.ID] = sub
}

func (f *Fake) AddSchedule(s ledger.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Schedules[s.ID] = s
}

func (f *Fake) AddCharge(ch ledger.Charge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Charges[ch.ID] = ch
}

func (f *Fake) AddInvoice(inv ledger.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invoices[inv.ID] = inv
}

// CallCount reports how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *Fake) begin(method string) error {
	f.Calls = append(f.Calls, method)
	return f.Errors[method]
}

func (f *Fake) GetSubscription(_ context.Context, id string) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetSubscription"); err != nil {
		return ledger.Subscription{}, err
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return ledger.Subscription{}, ledger.ErrNotFound
	}
	return sub, nil
}

func (f *Fake) ListSubscriptions(_ context.Context, customerID string) ([]ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListSubscriptions"); err != nil {
		return nil, err
	}
	var out []ledger.Subscription
	for _, sub := range f.Subscriptions {
		if sub.CustomerID == customerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *Fake) UpdateSubscription(_ context.Context, id string, update ledger.SubscriptionUpdate) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateSubscription"); err != nil {
		return ledger.Subscription{}, err
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return ledger.Subscription{}, ledger.ErrNotFound
	}
	if update.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	switch {
	case update.CancelAt != nil:
		at := *update.CancelAt
		sub.CancelAt = &at
	case update.ClearCancelAt:
		sub.CancelAt = nil
	}
	f.Subscriptions[id] = sub
	return sub, nil
}

func (f *Fake) CancelSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CancelSubscription"); err != nil {
		return err
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return ledger.ErrNotFound
	}
	sub.Status = ledger.StatusCanceled
	f.Subscriptions[id] = sub
	f.Canceled = append(f.Canceled, id)
	return nil
}

func (f *Fake) ListSchedules(_ context.Context, customerID string) ([]ledger.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListSchedules"); err != nil {
		return nil, err
	}
	var out []ledger.Schedule
	for _, s := range f.Schedules {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) CreateSchedule(_ context.Context, params ledger.ScheduleParams) (ledger.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateSchedule"); err != nil {
		return ledger.Schedule{}, err
	}
	f.seq++
	s := ledger.Schedule{
		ID:         fmt.Sprintf("sub_sched_%d", f.seq),
		CustomerID: params.CustomerID,
		Status:     ledger.ScheduleNotStarted,
		Phases: []ledger.SchedulePhase{{
			StartDate: params.StartDate,
			EndDate:   params.StartDate.AddDate(1, 0, 0),
			PriceID:   params.PriceID,
		}},
	}
	f.Schedules[s.ID] = s
	f.CreatedSchedules = append(f.CreatedSchedules, params)
	return s, nil
}

func (f *Fake) CancelSchedule(_ context.Context, id string) error {
	return f.finishSchedule("CancelSchedule", id, ledger.ScheduleCanceled)
}

func (f *Fake) ReleaseSchedule(_ context.Context, id string) error {
	return f.finishSchedule("ReleaseSchedule", id, ledger.ScheduleReleased)
}

func (f *Fake) finishSchedule(method, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(method); err != nil {
		return err
	}
	s, ok := f.Schedules[id]
	if !ok {
		return ledger.ErrNotFound
	}
	s.Status = status
	f.Schedules[id] = s
	return nil
}

func (f *Fake) GetCharge(_ context.Context, id string) (ledger.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetCharge"); err != nil {
		return ledger.Charge{}, err
	}
	ch, ok := f.Charges[id]
	if !ok {
		return ledger.Charge{}, ledger.ErrNotFound
	}
	return ch, nil
}

// ListCharges returns the customer's charges newest first.
func (f *Fake) ListCharges(_ context.Context, customerID string, limit int) ([]ledger.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListCharges"); err != nil {
		return nil, err
	}
	var out []ledger.Charge
	for _, ch := range f.Charges {
		if ch.CustomerID == customerID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) GetInvoice(_ context.Context, id string) (ledger.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetInvoice"); err != nil {
		return ledger.Invoice{}, err
	}
	inv, ok := f.Invoices[id]
	if !ok {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	return inv, nil
}

// CreateRefund marks the charge refunded so a second attempt sees it.
func (f *Fake) CreateRefund(_ context.Context, params ledger.RefundParams) (ledger.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateRefund"); err != nil {
		return ledger.Refund{}, err
	}
	ch, ok := f.Charges[params.ChargeID]
	if !ok {
		return ledger.Refund{}, ledger.ErrNotFound
	}
	ch.AmountRefundedCents += params.AmountCents
	ch.Refunded = ch.AmountRefundedCents >= ch.AmountCents
	f.Charges[ch.ID] = ch
	f.Refunds = append(f.Refunds, params)
	return ledger.Refund{
		ID:          fmt.Sprintf("re_%d", len(f.Refunds)),
		ChargeID:    params.ChargeID,
		AmountCents: params.AmountCents,
		Status:      "succeeded",
	}, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, params ledger.CheckoutParams) (ledger.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateCheckoutSession"); err != nil {
		return ledger.Session{}, err
	}
	f.seq++
	f.Checkouts = append(f.Checkouts, params)
	id := fmt.Sprintf("cs_%d", f.seq)
	return ledger.Session{ID: id, URL: "https://checkout.test/" + id + "?mode=" + params.Mode}, nil
}

func (f *Fake) CreatePortalSession(_ context.Context, customerID, returnURL string) (ledger.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreatePortalSession"); err != nil {
		return ledger.Session{}, err
	}
	f.PortalReturnURLs = append(f.PortalReturnURLs, returnURL)
	return ledger.Session{ID: "bps_" + customerID, URL: "https://portal.test/" + customerID}, nil
}

var _ ledger.Client = (*Fake)(nil)
