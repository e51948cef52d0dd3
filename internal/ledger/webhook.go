package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is a verified webhook delivery. Exactly one payload field is set
// for the event types listed above; other types carry none.
type Event struct {
	ID       string
	Type     string
	Checkout *CheckoutCompleted
	Invoice  *InvoicePaid
	Deleted  *Subscription
}

type CheckoutCompleted struct {
	SessionID      string
	UserID         int64
	CustomerID     string
	SubscriptionID string
	Mode           string
	Paid           bool
	ManaAmount     int64
}

type InvoicePaid struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	PeriodEnd      *time.Time
}

// ParseEvent verifies the signature header and decodes the payload.
func ParseEvent(payload []byte, sigHeader, secret string) (Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("verify webhook: %w", err)
	}
	ev := Event{ID: raw.ID, Type: string(raw.Type)}
	if raw.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		ev.Checkout = checkoutFromSession(&sess)
	case EventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("decode invoice: %w", err)
		}
		ev.Invoice = invoicePaidFrom(&inv)
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("decode subscription: %w", err)
		}
		deleted := toSubscription(&sub)
		ev.Deleted = &deleted
	}
	return ev, nil
}

func checkoutFromSession(sess *stripe.CheckoutSession) *CheckoutCompleted {
	out := &CheckoutCompleted{
		SessionID: sess.ID,
		Mode:      string(sess.Mode),
		Paid:      sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	if id, err := strconv.ParseInt(sess.ClientReferenceID, 10, 64); err == nil {
		out.UserID = id
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	if mana, err := strconv.ParseInt(sess.Metadata[MetadataManaAmount], 10, 64); err == nil {
		out.ManaAmount = mana
	}
	return out
}

func invoicePaidFrom(inv *stripe.Invoice) *InvoicePaid {
	out := &InvoicePaid{InvoiceID: inv.ID}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line == nil {
				continue
			}
			if line.Price != nil && out.PriceID == "" {
				out.PriceID = line.Price.ID
			}
			if line.Period != nil {
				if end := unixTime(line.Period.End); end != nil && (out.PeriodEnd == nil || end.After(*out.PeriodEnd)) {
					out.PeriodEnd = end
				}
			}
		}
	}
	return out
}

// MetadataManaAmount is the charge/session metadata key carrying booster mana.
const MetadataManaAmount = "mana_amount"
