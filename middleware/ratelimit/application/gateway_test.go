package application

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"admission-gateway/middleware/ratelimit/domain"
)

type gatewayFixture struct {
	gw    *Gateway
	clock *fakeClock
	stats *recordingStats
}

func newFixture(t *testing.T, store sharedStore, mult float64, set domain.PolicySet) gatewayFixture {
	t.Helper()
	clock := newClock(base)
	logger := zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel))
	counter := NewWindowCounter(store, StaticMultiplier(mult), logger)
	counter.Now = clock.Now
	bans := NewBanTracker(store, store, logger)
	bans.Now = clock.Now
	stats := &recordingStats{}

	gw, err := NewGateway(GatewayConfig{
		Policies: set,
		Counter:  counter,
		Bans:     bans,
		Stats:    stats,
		Now:      clock.Now,
		Logger:   logger,
	})
	require.NoError(t, err)
	return gatewayFixture{gw: gw, clock: clock, stats: stats}
}

func signin(ip string) domain.Request {
	return domain.Request{Method: "POST", Path: "/auth/signin", ClientIP: ip, RequestID: "req-1"}
}

func TestGateway_SigninCountsDownThenLimits(t *testing.T) {
	f := newFixture(t, newMemStore(), 1.0, baseSet())
	ctx := context.Background()

	for want := 9; want >= 0; want-- {
		dec := f.gw.Check(ctx, signin("203.0.113.7"))
		require.True(t, dec.Allowed)
		assert.Equal(t, want, dec.Remaining)
		assert.Equal(t, 10, dec.Limit)
		assert.Equal(t, "signin", dec.Policy)
	}

	dec := f.gw.Check(ctx, signin("203.0.113.7"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.Equal(t, time.Minute, dec.RetryAfter)
	assert.Equal(t, base.Add(time.Minute), dec.ResetAt)

	ev := f.stats.last()
	assert.False(t, ev.Allowed)
	assert.Equal(t, domain.ScopeEndpoint, ev.Scope)
	assert.Equal(t, "req-1", ev.RequestID)
}

func TestGateway_EndpointCountedPerClient(t *testing.T) {
	f := newFixture(t, newMemStore(), 1.0, baseSet())
	ctx := context.Background()

	for range 11 {
		f.gw.Check(ctx, signin("203.0.113.7"))
	}
	dec := f.gw.Check(ctx, signin("203.0.113.8"))
	assert.True(t, dec.Allowed)
	assert.Equal(t, 9, dec.Remaining)
}

func TestGateway_LoadMultiplierShrinksLimit(t *testing.T) {
	f := newFixture(t, newMemStore(), 0.3, baseSet())
	ctx := context.Background()
	req := domain.Request{Method: "GET", Path: "/api/orders", ClientIP: "203.0.113.7"}

	for i := range 30 {
		dec := f.gw.Check(ctx, req)
		require.True(t, dec.Allowed, "request %d", i+1)
		assert.Equal(t, 30, dec.Limit)
	}
	dec := f.gw.Check(ctx, req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)
}

func TestGateway_WhitelistedIPNeverLimited(t *testing.T) {
	set := baseSet()
	set.AllowIPs = []netip.Prefix{netip.MustParsePrefix("198.51.100.10/32")}
	store := newMemStore()
	f := newFixture(t, store, 1.0, set)
	ctx := context.Background()

	for i := range 10_000 {
		dec := f.gw.Check(ctx, domain.Request{Method: "GET", Path: "/api/orders", ClientIP: "198.51.100.10"})
		if !dec.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	assert.Equal(t, int64(10_000), store.counter("rl:{ip:198.51.100.10}:1699999200"))
}

func TestGateway_StoreDown(t *testing.T) {
	f := newFixture(t, downStore{}, 1.0, baseSet())
	ctx := context.Background()

	dec := f.gw.Check(ctx, signin("203.0.113.7"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonStoreUnavailable, dec.Reason)
	assert.Equal(t, "signin", dec.Policy)
	assert.True(t, f.stats.last().Degraded)

	dec = f.gw.Check(ctx, domain.Request{Method: "GET", Path: "/api/orders", ClientIP: "203.0.113.7"})
	assert.True(t, dec.Allowed)
	assert.True(t, f.stats.last().Degraded)
}

func TestGateway_StoreDownWhitelistedIPAdmitted(t *testing.T) {
	set := baseSet()
	set.AllowIPs = []netip.Prefix{netip.MustParsePrefix("198.51.100.10/32")}
	f := newFixture(t, downStore{}, 1.0, set)

	dec := f.gw.Check(context.Background(), signin("198.51.100.10"))
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reason)
	assert.True(t, f.stats.last().Degraded)
}

func TestGateway_WhitelistedTenantStillLimitedOnSignin(t *testing.T) {
	set := baseSet()
	set.AllowTenants = []string{"bigcorp"}
	f := newFixture(t, newMemStore(), 1.0, set)
	ctx := context.Background()

	req := signin("203.0.113.66")
	req.TenantID = "bigcorp"
	allowed := 0
	for range 50 {
		if f.gw.Check(ctx, req).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestGateway_ConcurrentChecksNeverExceedEffectiveLimit(t *testing.T) {
	f := newFixture(t, newMemStore(), 0.7, baseSet())

	const workers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.gw.Check(context.Background(), signin("203.0.113.7")).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, EffectiveLimit(10, 0.7), allowed)
}

func TestGateway_RepeatedViolationsBan(t *testing.T) {
	set := baseSet()
	set.Endpoints = append(set.Endpoints, endpointPolicy("export", "GET", "/api/export", 1, time.Minute, false))
	f := newFixture(t, newMemStore(), 1.0, set)
	ctx := context.Background()
	req := domain.Request{Method: "GET", Path: "/api/export", ClientIP: "203.0.113.7"}

	// Two requests every five minutes: the first fits, the second violates.
	for i := range 11 {
		require.True(t, f.gw.Check(ctx, req).Allowed, "round %d", i+1)
		dec := f.gw.Check(ctx, req)
		require.Equal(t, domain.ReasonRateLimited, dec.Reason, "round %d", i+1)
		if i < 10 {
			f.clock.Advance(5 * time.Minute)
		}
	}
	bannedAt := f.clock.Now()

	dec := f.gw.Check(ctx, req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonBanned, dec.Reason)
	assert.Equal(t, bannedAt.Add(time.Hour), dec.BannedUntil)
	assert.Equal(t, time.Hour, dec.RetryAfter)

	// Even excluded paths are refused while banned.
	dec = f.gw.Check(ctx, domain.Request{Method: "GET", Path: "/health", ClientIP: "203.0.113.7"})
	assert.Equal(t, domain.ReasonBanned, dec.Reason)

	f.clock.Advance(61 * time.Minute)
	dec = f.gw.Check(ctx, req)
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.ReasonNone, dec.Reason)
}

func TestGateway_MostRestrictiveViolationReported(t *testing.T) {
	set := baseSet()
	set.IP[0].Limit = 2
	f := newFixture(t, newMemStore(), 1.0, set)
	ctx := context.Background()

	for range 2 {
		require.True(t, f.gw.Check(ctx, signin("203.0.113.7")).Allowed)
	}
	dec := f.gw.Check(ctx, signin("203.0.113.7"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, "ip-default", dec.Policy)
	assert.Equal(t, 2, dec.Limit)
}

func TestGateway_BypassCases(t *testing.T) {
	store := newMemStore()
	f := newFixture(t, store, 1.0, baseSet())
	ctx := context.Background()

	f.gw.SetEnabled(false)
	assert.False(t, f.gw.Enabled())
	dec := f.gw.Check(ctx, signin("203.0.113.7"))
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Bypassed)
	assert.Zero(t, store.incrs)
	assert.Zero(t, store.gets)

	f.gw.SetEnabled(true)
	dec = f.gw.Check(ctx, domain.Request{Method: "GET", Path: "/health", ClientIP: "203.0.113.7"})
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Bypassed)
	assert.Zero(t, store.incrs)
}

func TestGateway_TenantTierLimits(t *testing.T) {
	set := baseSet()
	set.Tiers[0].Limit = 1
	f := newFixture(t, newMemStore(), 1.0, set)
	ctx := context.Background()
	req := domain.Request{Method: "GET", Path: "/api/orders", ClientIP: "203.0.113.7", TenantID: "acme", TenantTier: "community"}

	require.True(t, f.gw.Check(ctx, req).Allowed)
	dec := f.gw.Check(ctx, req)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "tier-community", dec.Policy)

	// Same tenant from another address shares the tenant counter.
	req.ClientIP = "203.0.113.99"
	assert.False(t, f.gw.Check(ctx, req).Allowed)
}

func TestGateway_ReloadKeepsPoliciesOnError(t *testing.T) {
	f := newFixture(t, newMemStore(), 1.0, baseSet())

	bad := baseSet()
	bad.IP = nil
	err := f.gw.Reload(bad)
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Len(t, f.gw.Resolve(signin("203.0.113.7")), 2)

	good := baseSet()
	good.Endpoints = nil
	require.NoError(t, f.gw.Reload(good))
	assert.Equal(t, []string{"ip-default"}, names(f.gw.Resolve(signin("203.0.113.7"))))
}

func TestNewGateway_RequiresCounter(t *testing.T) {
	_, err := NewGateway(GatewayConfig{Policies: baseSet()})
	assert.True(t, domain.IsConfigError(err))
}
