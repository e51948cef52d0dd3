package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, limits map[string]Limit) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test", limits), mr
}

func TestConsumeBlocksAfterLimit(t *testing.T) {
	l, _ := setupLimiter(t, map[string]Limit{"refund": {Requests: 3, Window: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Consume(ctx, "refund", 7)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Consume(ctx, "refund", 7)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Hour)
}

func TestConsumeKeysByActionAndUser(t *testing.T) {
	l, mr := setupLimiter(t, map[string]Limit{
		"refund":    {Requests: 1, Window: time.Hour},
		"gift_send": {Requests: 1, Window: 24 * time.Hour},
	})
	ctx := context.Background()

	res, _ := l.Consume(ctx, "refund", 1)
	assert.True(t, res.Allowed)
	res, _ = l.Consume(ctx, "refund", 2)
	assert.True(t, res.Allowed)
	res, _ = l.Consume(ctx, "gift_send", 1)
	assert.True(t, res.Allowed)
	res, _ = l.Consume(ctx, "refund", 1)
	assert.False(t, res.Allowed)

	assert.True(t, mr.Exists("test:refund:1"))
	assert.True(t, mr.Exists("test:gift_send:1"))
}

func TestWindowResets(t *testing.T) {
	l, mr := setupLimiter(t, map[string]Limit{"upgrade": {Requests: 1, Window: 10 * time.Minute}})
	ctx := context.Background()

	res, _ := l.Consume(ctx, "upgrade", 1)
	assert.True(t, res.Allowed)
	res, _ = l.Consume(ctx, "upgrade", 1)
	assert.False(t, res.Allowed)

	mr.FastForward(11 * time.Minute)
	res, _ = l.Consume(ctx, "upgrade", 1)
	assert.True(t, res.Allowed)
}

func TestConsumeFailsOpenWhenRedisDown(t *testing.T) {
	l, mr := setupLimiter(t, map[string]Limit{"refund": {Requests: 1, Window: time.Hour}})
	mr.Close()

	res, err := l.Consume(context.Background(), "refund", 1)
	assert.Error(t, err)
	assert.True(t, res.Allowed)
}

func TestUnknownActionAndNilClientAllow(t *testing.T) {
	l, _ := setupLimiter(t, DefaultLimits(3))
	res, err := l.Consume(context.Background(), "not_an_action", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	disabled := New(nil, "", DefaultLimits(3))
	res, err = disabled.Consume(context.Background(), ActionRefund, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
