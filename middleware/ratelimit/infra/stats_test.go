package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/middleware/ratelimit/domain"
)

func sampleEvents() []domain.StatsEvent {
	return []domain.StatsEvent{
		{Policy: "signin", Scope: domain.ScopeEndpoint, Allowed: true, Method: "POST", Path: "/auth/signin", ClientIP: "203.0.113.7"},
		{Policy: "signin", Scope: domain.ScopeEndpoint, Reason: domain.ReasonRateLimited, Method: "POST", Path: "/auth/signin", ClientIP: "203.0.113.7"},
		{Policy: "ip-default", Scope: domain.ScopeIP, Allowed: true, Degraded: true, Method: "GET", Path: "/api/orders", ClientIP: "203.0.113.8"},
		{Allowed: true, Bypassed: true, Method: "GET", Path: "/health"},
		{Scope: domain.ScopeIP, Reason: domain.ReasonBanned, Method: "GET", Path: "/api/orders", ClientIP: "203.0.113.9"},
	}
}

func TestMemoryStatsStore_Aggregates(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackClients(true))
	for _, ev := range sampleEvents() {
		require.NoError(t, s.Record(context.Background(), ev))
	}

	assert.Equal(t, Counters{Allowed: 2, Denied: 2, Bypassed: 1, Degraded: 1}, s.Total())
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, s.ByRoute()["POST /auth/signin"])
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, s.ByPolicy()["signin"])
	assert.Equal(t, map[domain.DenyReason]int64{domain.ReasonRateLimited: 1, domain.ReasonBanned: 1}, s.ByReason())
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, s.ByClient()["203.0.113.7"])
}

func TestMemoryStatsStore_ClientsOffByDefault(t *testing.T) {
	s := NewMemoryStatsStore()
	require.NoError(t, s.Record(context.Background(), sampleEvents()[0]))
	assert.Empty(t, s.ByClient())
}

func TestPrometheusStats_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusStats(reg)
	for _, ev := range sampleEvents() {
		require.NoError(t, p.Record(context.Background(), ev))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("endpoint", "denied", "RATE_LIMIT_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("none", "bypassed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.degraded.WithLabelValues("ip-default")))

	p.ObserveLoad(domain.LoadSample{Load: 85, Multiplier: 0.3})
	assert.Equal(t, 0.3, testutil.ToFloat64(p.multiplier))
	assert.Equal(t, 85.0, testutil.ToFloat64(p.load))
}

func TestPrometheusStats_InFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusStats(reg)
	pool := NewChanPool(2)
	p.RegisterInFlight(reg, pool)

	release, ok := pool.Acquire(context.Background())
	require.True(t, ok)
	defer release()

	n, err := testutil.GatherAndCount(reg, "admission_inflight_requests")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInstrumentedStore_ObservesCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusStats(reg)
	mem := NewMemoryStore()
	s := InstrumentedStore{Counter: mem, Bans: mem, Metrics: p}

	_, err := s.Incr(context.Background(), "k", "p", 0)
	require.NoError(t, err)
	_, _, err = s.Get(context.Background(), "c")
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(p.storeOps))
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, domain.StatsEvent) error { return f.err }

func TestFanoutStats_RecordsEverywhere(t *testing.T) {
	a := NewMemoryStatsStore()
	b := NewMemoryStatsStore()
	boom := errors.New("sink down")
	f := FanoutStats{a, nil, failingSink{err: boom}, b}

	err := f.Record(context.Background(), sampleEvents()[0])
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), a.Total().Allowed)
	assert.Equal(t, int64(1), b.Total().Allowed)
}
