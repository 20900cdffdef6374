package infra

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"admission-gateway/middleware/ratelimit/domain"
)

// PrometheusStats exports decisions and load as Prometheus metrics. Labels
// are limited to bounded values: scope, outcome, reason and policy name.
type PrometheusStats struct {
	decisions  *prometheus.CounterVec
	degraded   *prometheus.CounterVec
	multiplier prometheus.Gauge
	load       prometheus.Gauge
	storeOps   *prometheus.HistogramVec
}

// NewPrometheusStats registers its collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusStats{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by scope, outcome and reason.",
		}, []string{"scope", "outcome", "reason"}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "degraded_total",
			Help:      "Decisions taken while the shared store was unreachable.",
		}, []string{"policy"}),
		multiplier: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "admission",
			Name:      "load_multiplier",
			Help:      "Current adaptive limit multiplier.",
		}),
		load: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "admission",
			Name:      "load_percent",
			Help:      "Last sampled load percentage.",
		}),
		storeOps: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "admission",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of shared store calls.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"op", "status"}),
	}
}

func (p *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	scope := string(ev.Scope)
	if scope == "" {
		scope = "none"
	}
	reason := string(ev.Reason)
	if reason == "" {
		reason = "none"
	}
	p.decisions.WithLabelValues(scope, outcome(ev), reason).Inc()
	if ev.Degraded {
		p.degraded.WithLabelValues(ev.Policy).Inc()
	}
	return nil
}

// ObserveLoad is meant to be passed to WithLoadObserver.
func (p *PrometheusStats) ObserveLoad(s domain.LoadSample) {
	p.multiplier.Set(s.Multiplier)
	p.load.Set(s.Load)
}

// RegisterInFlight exposes pool occupancy as a gauge.
func (p *PrometheusStats) RegisterInFlight(reg prometheus.Registerer, pool domain.SlotPool) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "admission",
		Name:      "inflight_requests",
		Help:      "Requests currently holding a concurrency slot.",
	}, func() float64 { return float64(pool.InUse()) })
}

func (p *PrometheusStats) observeStore(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.storeOps.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// InstrumentedStore times every call of the wrapped stores.
type InstrumentedStore struct {
	Counter domain.CounterStore
	Bans    domain.BanStore
	Metrics *PrometheusStats
}

func (s InstrumentedStore) Incr(ctx context.Context, current, previous string, ttl time.Duration) (domain.Counts, error) {
	start := time.Now()
	c, err := s.Counter.Incr(ctx, current, previous, ttl)
	s.Metrics.observeStore("incr", start, err)
	return c, err
}

func (s InstrumentedStore) Peek(ctx context.Context, current, previous string) (domain.Counts, error) {
	start := time.Now()
	c, err := s.Counter.Peek(ctx, current, previous)
	s.Metrics.observeStore("peek", start, err)
	return c, err
}

func (s InstrumentedStore) Ban(ctx context.Context, u domain.BanUpdate) (domain.BanRecord, error) {
	start := time.Now()
	rec, err := s.Bans.Ban(ctx, u)
	s.Metrics.observeStore("ban", start, err)
	return rec, err
}

func (s InstrumentedStore) Get(ctx context.Context, identifier string) (domain.BanRecord, bool, error) {
	start := time.Now()
	rec, ok, err := s.Bans.Get(ctx, identifier)
	s.Metrics.observeStore("get", start, err)
	return rec, ok, err
}
