// Package ratelimit keeps fixed-window per-user counters in Redis so limits
// hold across every API instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Limit struct {
	Requests int
	Window   time.Duration
}

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
	limits map[string]Limit
}

// New builds a limiter. A nil client disables limiting.
func New(rdb redis.UniversalClient, prefix string, limits map[string]Limit) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{rdb: rdb, prefix: prefix, limits: limits}
}

// Consume takes one token for action on behalf of userID. Redis failures fail
// open: the request is allowed and the error is returned for logging.
func (l *Limiter) Consume(ctx context.Context, action string, userID int64) (Result, error) {
	limit, ok := l.limits[action]
	if !ok || l.rdb == nil || limit.Requests <= 0 {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf("%s:%s:%d", l.prefix, action, userID)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Result{Allowed: true}, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, limit.Window).Err(); err != nil {
			return Result{Allowed: true}, fmt.Errorf("redis expire: %w", err)
		}
	}

	remaining := limit.Requests - int(count)
	if remaining >= 0 {
		return Result{Allowed: true, Remaining: remaining}, nil
	}

	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil {
		return Result{Allowed: false, RetryAfter: limit.Window}, nil
	}
	if ttl < 0 {
		// counter lost its expiry; restart the window
		if err := l.rdb.Expire(ctx, key, limit.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limit expire repair failed")
		}
		ttl = limit.Window
	}
	return Result{Allowed: false, RetryAfter: ttl}, nil
}

const (
	ActionSubscribe     = "subscribe"
	ActionPortal        = "portal"
	ActionUpgrade       = "upgrade"
	ActionCancelToggle  = "cancel_toggle"
	ActionRefund        = "refund"
	ActionRefundRequest = "refund_request"
	ActionBoosterRefund = "booster_refund"
	ActionGiftSend      = "gift_send"
	ActionGiftRespond   = "gift_respond"
)

// DefaultLimits returns the per-action budgets. giftsPerDay bounds gift creation.
func DefaultLimits(giftsPerDay int) map[string]Limit {
	return map[string]Limit{
		ActionSubscribe:     {Requests: 5, Window: 10 * time.Minute},
		ActionPortal:        {Requests: 10, Window: 10 * time.Minute},
		ActionUpgrade:       {Requests: 3, Window: 10 * time.Minute},
		ActionCancelToggle:  {Requests: 5, Window: 10 * time.Minute},
		ActionRefund:        {Requests: 3, Window: time.Hour},
		ActionRefundRequest: {Requests: 3, Window: time.Hour},
		ActionBoosterRefund: {Requests: 3, Window: time.Hour},
		ActionGiftSend:      {Requests: giftsPerDay, Window: 24 * time.Hour},
		ActionGiftRespond:   {Requests: 20, Window: 10 * time.Minute},
	}
}
