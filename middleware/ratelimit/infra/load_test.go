package infra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/middleware/ratelimit/domain"
)

func TestCPUSampler_ReturnsPercent(t *testing.T) {
	v, err := CPUSampler{Interval: 10 * time.Millisecond}.Sample(context.Background())
	if err != nil {
		t.Skipf("cpu stats unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 100.0)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0.0, clampPercent(-3))
	assert.Equal(t, 42.5, clampPercent(42.5))
	assert.Equal(t, 100.0, clampPercent(250))
}

func TestRedisLoadSource_PublishThenSample(t *testing.T) {
	client, _ := redisClient(t)
	key := fmt.Sprintf("test:load:%d", time.Now().UnixNano())
	s := NewRedisLoadSource(client, WithLoadKey(key), WithLoadTTL(time.Minute))
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, key) })

	_, err := s.Sample(ctx)
	require.ErrorIs(t, err, errNoSharedLoad)

	require.NoError(t, s.Publish(ctx, domain.LoadSample{Timestamp: time.Now(), Load: 72, Multiplier: 0.7}))
	v, err := s.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 72.0, v)

	raw, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Contains(t, raw, `"cpu_percent":72`)
}

func TestRedisLoadSource_RejectsStaleSample(t *testing.T) {
	client, _ := redisClient(t)
	key := fmt.Sprintf("test:load:%d", time.Now().UnixNano())
	s := NewRedisLoadSource(client, WithLoadKey(key), WithLoadMaxAge(time.Second))
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, key) })

	require.NoError(t, s.Publish(ctx, domain.LoadSample{Timestamp: time.Now().Add(-time.Minute), Load: 10}))
	_, err := s.Sample(ctx)
	assert.ErrorIs(t, err, errStaleSharedLoad)
}
