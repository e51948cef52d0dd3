// Package notify delivers best-effort side effects of billing operations:
// analytics events and transactional email. Failures are logged, never returned.
package notify

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"manabilling/internal/email"
	"manabilling/internal/metrics"

	"github.com/rs/zerolog/log"
)

type Event struct {
	Name   string
	UserID int64
	To     string
	Mail   *email.Message
	Props  map[string]any
}

type Mailer interface {
	IsConfigured() bool
	Send(ctx context.Context, from, to string, msg email.Message) error
}

type Dispatcher struct {
	mailer  Mailer
	from    string
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(mailer Mailer, from string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{mailer: mailer, from: from, timeout: timeout}
}

// Notify records the analytics event and sends mail in the background. It
// never blocks on delivery and outlives the caller's context.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	log.Info().
		Str("event", ev.Name).
		Int64("user_id", ev.UserID).
		Fields(ev.Props).
		Msg("analytics event")

	if ev.Mail == nil || ev.To == "" {
		metrics.NotificationsTotal.WithLabelValues(ev.Name, "tracked").Inc()
		return
	}
	if d.mailer == nil || !d.mailer.IsConfigured() {
		metrics.NotificationsTotal.WithLabelValues(ev.Name, "skipped").Inc()
		return
	}

	msg := *ev.Mail
	d.safeGo(context.WithoutCancel(ctx), ev.Name, func(ctx context.Context) error {
		return d.mailer.Send(ctx, d.from, ev.To, msg)
	})
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) safeGo(parent context.Context, name string, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(parent, d.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				metrics.NotificationsTotal.WithLabelValues(name, "panic").Inc()
				log.Error().Interface("panic", r).Str("event", name).Str("stack", string(debug.Stack())).Msg("notification panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "failed").Inc()
			log.Warn().Err(err).Str("event", name).Msg("notification delivery failed")
			return
		}
		metrics.NotificationsTotal.WithLabelValues(name, "sent").Inc()
	}()
}
