package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefundsTotal counts refund attempts by track and outcome.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "refunds",
		Name:      "total",
		Help:      "Refund attempts by track (self_service, review, booster) and outcome.",
	}, []string{"track", "outcome"})

	// RefundedCents sums refunded money by track.
	RefundedCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "refunds",
		Name:      "cents_total",
		Help:      "Refunded amount in cents by track.",
	}, []string{"track"})

	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "upgrades",
		Name:      "total",
		Help:      "Annual upgrade schedule/cancel operations by outcome.",
	}, []string{"action", "outcome"})

	GiftsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "gifts",
		Name:      "transitions_total",
		Help:      "Gift lifecycle transitions by resulting status.",
	}, []string{"status"})

	// CacheRepairs counts period-end write-backs done by the reconciler.
	CacheRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "reconciler",
		Name:      "cache_repairs_total",
		Help:      "Local subscription period-end values rewritten from the remote ledger.",
	})

	ReconcileDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "reconciler",
		Name:      "degraded_total",
		Help:      "Reconciliations that fell back to local signals after a remote failure.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter by action.",
	}, []string{"action"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Notification events dispatched by name and outcome.",
	}, []string{"event", "outcome"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "manabilling",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})
)
