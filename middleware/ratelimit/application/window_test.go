package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"admission-gateway/middleware/ratelimit/domain"
)

// slowStore blocks until the call context ends.
type slowStore struct{}

func (slowStore) Incr(ctx context.Context, _, _ string, _ time.Duration) (domain.Counts, error) {
	<-ctx.Done()
	return domain.Counts{}, ctx.Err()
}

func (slowStore) Peek(ctx context.Context, _, _ string) (domain.Counts, error) {
	<-ctx.Done()
	return domain.Counts{}, ctx.Err()
}

func newCounter(t *testing.T, store domain.CounterStore, mult float64, clock *fakeClock) *WindowCounter {
	w := NewWindowCounter(store, StaticMultiplier(mult), zaptest.NewLogger(t))
	w.Now = clock.Now
	return w
}

func TestEffectiveLimit(t *testing.T) {
	cases := []struct {
		limit int
		mult  float64
		want  int
	}{
		{100, 1.5, 150},
		{100, 1.0, 100},
		{100, 0.7, 70},
		{100, 0.3, 30},
		{3, 0.3, 1},
		{1, 0.3, 1},
		{10, 0, 10},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, EffectiveLimit(c.limit, c.mult), "limit=%d mult=%v", c.limit, c.mult)
	}
}

func TestWindowStart(t *testing.T) {
	assert.Equal(t, base, WindowStart(base.Add(59*time.Second), time.Minute))
	assert.Equal(t, base.Add(time.Minute), WindowStart(base.Add(time.Minute), time.Minute))
}

func TestWindowCounter_CountsDownThenDenies(t *testing.T) {
	store := newMemStore()
	clock := newClock(base)
	w := newCounter(t, store, 1.0, clock)
	p := ipPolicy(5, time.Minute)

	for i := 4; i >= 0; i-- {
		adm, err := w.Admit(context.Background(), p, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, adm.Allowed)
		assert.Equal(t, i, adm.Remaining)
		assert.Equal(t, base.Add(time.Minute), adm.ResetAt)
	}

	adm, err := w.Admit(context.Background(), p, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
	assert.Zero(t, adm.Remaining)

	// denied requests are counted too
	assert.Equal(t, int64(6), store.counter("rl:{ip:203.0.113.7}:1699999200"))
}

func TestWindowCounter_SlidingBoundary(t *testing.T) {
	store := newMemStore()
	clock := newClock(base.Add(59 * time.Second))
	w := newCounter(t, store, 1.0, clock)
	p := ipPolicy(10, time.Minute)

	for range 10 {
		adm, err := w.Admit(context.Background(), p, "c")
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	}

	// Halfway into the next window half of the previous burst still counts.
	clock.Advance(31 * time.Second)
	allowed := 0
	for range 10 {
		adm, err := w.Admit(context.Background(), p, "c")
		require.NoError(t, err)
		if adm.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestWindowCounter_AppliesMultiplier(t *testing.T) {
	store := newMemStore()
	w := newCounter(t, store, 0.3, newClock(base))
	p := ipPolicy(100, time.Minute)

	allowed := 0
	for range 31 {
		adm, err := w.Admit(context.Background(), p, "c")
		require.NoError(t, err)
		assert.Equal(t, 30, adm.Limit)
		if adm.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 30, allowed)
}

func TestWindowCounter_WhitelistedIgnoresMultiplier(t *testing.T) {
	w := newCounter(t, newMemStore(), 0.3, newClock(base))
	p := ipPolicy(1, time.Minute).Unbounded()

	for range 100 {
		adm, err := w.Admit(context.Background(), p, "c")
		require.NoError(t, err)
		require.True(t, adm.Allowed)
		assert.Equal(t, domain.UnboundedLimit, adm.Limit)
		assert.Equal(t, 1.0, adm.Multiplier)
	}
}

func TestWindowCounter_StoreDown(t *testing.T) {
	w := newCounter(t, downStore{}, 1.0, newClock(base))

	open := ipPolicy(10, time.Minute)
	adm, err := w.Admit(context.Background(), open, "c")
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
	assert.True(t, adm.Degraded)
	assert.Equal(t, 10, adm.Remaining)

	closed := endpointPolicy("signin", "POST", "/auth/signin", 10, time.Minute, true)
	adm, err = w.Admit(context.Background(), closed, "c")
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, adm.Allowed)
}

func TestWindowCounter_StoreDownWhitelistedSensitiveStaysOpen(t *testing.T) {
	w := newCounter(t, downStore{}, 1.0, newClock(base))

	p := endpointPolicy("signin", "POST", "/auth/signin", 10, time.Minute, true).Unbounded()
	adm, err := w.Admit(context.Background(), p, "c")
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
	assert.True(t, adm.Degraded)
}

func TestWindowCounter_StoreTimeout(t *testing.T) {
	w := newCounter(t, slowStore{}, 1.0, newClock(base))
	w.Timeout = 5 * time.Millisecond

	start := time.Now()
	_, err := w.Admit(context.Background(), endpointPolicy("reset", "", "/auth/password/reset", 5, time.Minute, true), "c")
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWindowCounter_NilStoreFailsLikeOutage(t *testing.T) {
	w := &WindowCounter{}
	adm, err := w.Admit(context.Background(), ipPolicy(1, time.Minute), "c")
	require.NoError(t, err)
	assert.True(t, adm.Degraded)
}
