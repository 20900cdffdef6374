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

func newTracker(t *testing.T, store sharedStore, clock *fakeClock) *BanTracker {
	bt := NewBanTracker(store, store, zaptest.NewLogger(t))
	bt.Now = clock.Now
	return bt
}

func TestBanTracker_EleventhViolationBans(t *testing.T) {
	store := newMemStore()
	clock := newClock(base)
	bt := newTracker(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rec, err := bt.RecordViolation(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.False(t, rec.Active(clock.Now()), "violation %d", i+1)
		clock.Advance(5 * time.Minute)
	}
	banned, err := bt.IsBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.False(t, banned)

	rec, err := bt.RecordViolation(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, rec.Active(clock.Now()))
	assert.Equal(t, clock.Now().Add(time.Hour), rec.BannedUntil)
	assert.Equal(t, int64(1), rec.BanCount)
	assert.Equal(t, int64(11), rec.ViolationCount)
	assert.Equal(t, base, rec.ViolationWindowStart)
}

func TestBanTracker_ReadsDoNotMutate(t *testing.T) {
	store := newMemStore()
	clock := newClock(base)
	bt := newTracker(t, store, clock)
	ctx := context.Background()

	for range 11 {
		_, err := bt.RecordViolation(ctx, "c")
		require.NoError(t, err)
	}
	incrs := store.incrs
	before, err := bt.Lookup(ctx, "c")
	require.NoError(t, err)

	for range 5 {
		banned, err := bt.IsBanned(ctx, "c")
		require.NoError(t, err)
		assert.True(t, banned)
	}
	after, err := bt.Lookup(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, incrs, store.incrs)
}

func TestBanTracker_BanExpires(t *testing.T) {
	store := newMemStore()
	clock := newClock(base)
	bt := newTracker(t, store, clock)
	ctx := context.Background()

	for range 11 {
		_, err := bt.RecordViolation(ctx, "c")
		require.NoError(t, err)
	}
	clock.Advance(59 * time.Minute)
	banned, err := bt.IsBanned(ctx, "c")
	require.NoError(t, err)
	assert.True(t, banned)

	clock.Advance(time.Minute)
	banned, err = bt.IsBanned(ctx, "c")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanTracker_RebanIncrementsCount(t *testing.T) {
	store := newMemStore()
	clock := newClock(base)
	bt := newTracker(t, store, clock)
	ctx := context.Background()

	var rec domain.BanRecord
	var err error
	for range 12 {
		rec, err = bt.RecordViolation(ctx, "c")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), rec.BanCount)
}

func TestBanTracker_State(t *testing.T) {
	store := newMemStore()
	clock := newClock(base)
	bt := newTracker(t, store, clock)
	ctx := context.Background()

	st, err := bt.State(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.BanClear, st)

	_, err = bt.RecordViolation(ctx, "c")
	require.NoError(t, err)
	st, err = bt.State(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.BanWarned, st)

	for range 10 {
		_, err = bt.RecordViolation(ctx, "c")
		require.NoError(t, err)
	}
	st, err = bt.State(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.BanActive, st)
}

func TestBanTracker_StoreDown(t *testing.T) {
	bt := newTracker(t, downStore{}, newClock(base))

	_, err := bt.RecordViolation(context.Background(), "c")
	assert.True(t, domain.IsStoreUnavailable(err))

	_, err = bt.IsBanned(context.Background(), "c")
	assert.True(t, domain.IsStoreUnavailable(err))
}
